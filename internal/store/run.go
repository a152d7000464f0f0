package store

import (
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/util"
)

// Pipeline is a stored pipeline: its YAML definition plus an optional
// cron schedule.
type Pipeline struct {
	PipelineID    int64
	Name          string
	Description   string
	Definition    string
	Schedule      *string
	ScheduleJobID *string
	CreatedOn     time.Time
}

// Run is one execution of a stored pipeline. Output aggregates the
// streamed step output in arrival order.
type Run struct {
	RunID         string `param:"run_id"`
	RunPipelineID int64
	Status        pipeline.Status
	Output        *string
	Artifacts     *string
	CreatedOn     time.Time
	StartedOn     *time.Time
	EndedOn       *time.Time

	PipelineName string
}

// StepResultRow mirrors one pipeline.StepResult in the database.
// Position preserves submission order.
type StepResultRow struct {
	StepResultID int64
	ResultRunID  string
	StepID       string
	Position     int64
	Status       pipeline.Status
	ExitCode     *int64
	Attempts     int64
	Output       string
	Truncated    bool
	Error        string
	StartedOn    *time.Time
	EndedOn      *time.Time
}

func (r *StepResultRow) ToStepResult() pipeline.StepResult {
	sr := pipeline.StepResult{
		StepID:    r.StepID,
		Status:    r.Status,
		Attempts:  int(r.Attempts),
		Output:    r.Output,
		Truncated: r.Truncated,
		Error:     r.Error,
		StartedOn: r.StartedOn,
		EndedOn:   r.EndedOn,
	}
	if r.ExitCode != nil {
		sr.ExitCode = util.AsPtr(int(*r.ExitCode))
	}
	return sr
}
