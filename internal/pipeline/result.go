package pipeline

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// StepResult is created when a step starts and finalized when it completes.
type StepResult struct {
	StepID    string     `json:"step_id"`
	Status    Status     `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Output    string     `json:"output,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	StartedOn *time.Time `json:"started_on,omitempty"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`
}

func (sr *StepResult) Duration() time.Duration {
	if sr.StartedOn == nil || sr.EndedOn == nil {
		return 0
	}
	return sr.EndedOn.Sub(*sr.StartedOn)
}

// RunResult aggregates the outcome of one run of a pipeline. Steps holds
// one result per pipeline step in submission order.
type RunResult struct {
	RunID     string       `json:"run_id"`
	Pipeline  string       `json:"pipeline"`
	Status    Status       `json:"status"`
	Steps     []StepResult `json:"steps"`
	StartedOn *time.Time   `json:"started_on,omitempty"`
	EndedOn   *time.Time   `json:"ended_on,omitempty"`
}

func (rr *RunResult) StepResult(id string) (*StepResult, bool) {
	for i := range rr.Steps {
		if rr.Steps[i].StepID == id {
			return &rr.Steps[i], true
		}
	}
	return nil, false
}

// Succeeded reports whether every step reached a passing terminal state.
// Skipped steps count as failure propagation unless tolerated by the
// runner's continue-on-skip option, which rewrites the overall status.
func (rr *RunResult) Succeeded() bool {
	return rr.Status == StatusSucceeded
}
