package pipeline

import (
	"time"
)

// Step is a single named unit of work. Immutable once submitted to a run.
type Step struct {
	ID        string
	Command   []string
	DependsOn []string
	Timeout   time.Duration
	Retries   int
	AlwaysRun bool
}

// Pipeline is an ordered set of steps forming a directed acyclic graph.
// Steps preserves submission order; ByID is keyed by step identifier.
type Pipeline struct {
	Name        string
	Steps       []Step
	Parallelism int
	Context     ContextSpec
}

// ContextSpec describes the execution context the steps run inside.
// When Reuse is set, all steps of a run bind to one context serially.
// Artifacts names a path inside the context to collect after the run.
type ContextSpec struct {
	Kind      string
	Image     string
	Ports     []string
	Reuse     bool
	Artifacts string
}

const (
	ContextLocal  = "local"
	ContextSSH    = "ssh"
	ContextDocker = "docker"
)

func (p *Pipeline) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

func (p *Pipeline) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}
