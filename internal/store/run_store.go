package store

import (
	"context"
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
)

type RunStore interface {
	CreateRun(context.Context, string, int64) (*Run, error)
	ReadRunByID(context.Context, string) (*Run, error)
	UpdateRunStartedOn(context.Context, string, pipeline.Status, *time.Time) error
	UpdateRunEndedOn(context.Context, string, pipeline.Status, *string, *time.Time) error
	AppendRunOutput(context.Context, string, string) error
	DeleteRun(context.Context, string) error
	ListRuns(context.Context, int64) ([]Run, error)
	ListLatestRuns(context.Context, int64, int64) ([]Run, error)
	CountRuns(context.Context, int64) (int64, error)
	SaveStepResults(context.Context, string, []pipeline.StepResult) error
	ListStepResults(context.Context, string) ([]StepResultRow, error)
}
