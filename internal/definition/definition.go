package definition

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/stepflow/internal/pipeline"
)

type MalformedDefinitionError struct {
	Message string
}

func (e MalformedDefinitionError) Error() string {
	return fmt.Sprintf("malformed pipeline definition: %s", e.Message)
}

func NewMalformedDefinitionError(format string, args ...any) *MalformedDefinitionError {
	return &MalformedDefinitionError{Message: fmt.Sprintf(format, args...)}
}

// Document mirrors the YAML pipeline definition on disk.
type Document struct {
	Pipeline    string     `yaml:"pipeline"`
	Parallelism int        `yaml:"parallelism"`
	Context     ContextDoc `yaml:"context"`
	Steps       []StepDoc  `yaml:"steps"`
}

type ContextDoc struct {
	Kind      string   `yaml:"kind"`
	Image     string   `yaml:"image"`
	Ports     []string `yaml:"ports"`
	Reuse     bool     `yaml:"reuse"`
	Artifacts string   `yaml:"artifacts"`
}

type StepDoc struct {
	ID             string   `yaml:"id"`
	Command        []string `yaml:"command"`
	DependsOn      []string `yaml:"depends_on"`
	TimeoutSeconds int64    `yaml:"timeout_seconds"`
	Retries        int      `yaml:"retries"`
	AlwaysRun      bool     `yaml:"always_run"`
}

const DefaultStepTimeout = 10 * time.Minute

// Load reads and parses a pipeline definition file.
func Load(path string) (*pipeline.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse unmarshals a YAML pipeline definition and validates required
// fields. Validation failures surface before any execution begins.
func Parse(data []byte) (*pipeline.Pipeline, error) {
	doc := new(Document)
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, NewMalformedDefinitionError("%v", err)
	}
	return doc.toPipeline()
}

func (doc *Document) toPipeline() (*pipeline.Pipeline, error) {
	if doc.Pipeline == "" {
		return nil, NewMalformedDefinitionError("missing required field 'pipeline'")
	}
	if len(doc.Steps) == 0 {
		return nil, NewMalformedDefinitionError("pipeline %q has no steps", doc.Pipeline)
	}
	if doc.Parallelism < 0 {
		return nil, NewMalformedDefinitionError("'parallelism' must not be negative")
	}

	p := &pipeline.Pipeline{
		Name:        doc.Pipeline,
		Parallelism: doc.Parallelism,
		Context: pipeline.ContextSpec{
			Kind:      doc.Context.Kind,
			Image:     doc.Context.Image,
			Ports:     doc.Context.Ports,
			Reuse:     doc.Context.Reuse,
			Artifacts: doc.Context.Artifacts,
		},
		Steps: make([]pipeline.Step, 0, len(doc.Steps)),
	}
	if p.Parallelism == 0 {
		p.Parallelism = 1
	}
	if p.Context.Kind == "" {
		p.Context.Kind = pipeline.ContextLocal
	}
	switch p.Context.Kind {
	case pipeline.ContextLocal, pipeline.ContextSSH, pipeline.ContextDocker:
	default:
		return nil, NewMalformedDefinitionError(
			"unknown context kind %q", p.Context.Kind,
		)
	}
	if p.Context.Kind == pipeline.ContextDocker && p.Context.Image == "" {
		return nil, NewMalformedDefinitionError(
			"docker context requires 'context.image'",
		)
	}

	for i, sd := range doc.Steps {
		if sd.ID == "" {
			return nil, NewMalformedDefinitionError("step %d is missing 'id'", i)
		}
		if len(sd.Command) == 0 {
			return nil, NewMalformedDefinitionError("step %q is missing 'command'", sd.ID)
		}
		if sd.TimeoutSeconds < 0 {
			return nil, NewMalformedDefinitionError(
				"step %q has a negative 'timeout_seconds'", sd.ID,
			)
		}
		if sd.Retries < 0 {
			return nil, NewMalformedDefinitionError(
				"step %q has a negative 'retries'", sd.ID,
			)
		}

		timeout := DefaultStepTimeout
		if sd.TimeoutSeconds > 0 {
			timeout = time.Duration(sd.TimeoutSeconds) * time.Second
		}
		p.Steps = append(p.Steps, pipeline.Step{
			ID:        sd.ID,
			Command:   append([]string{}, sd.Command...),
			DependsOn: append([]string{}, sd.DependsOn...),
			Timeout:   timeout,
			Retries:   sd.Retries,
			AlwaysRun: sd.AlwaysRun,
		})
	}

	return p, nil
}
