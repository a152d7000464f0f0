package store

import "context"

type PipelineStore interface {
	CreatePipeline(context.Context, string, string, string) (*Pipeline, error)
	ReadPipelineByID(context.Context, int64) (*Pipeline, error)
	ReadPipelineByName(context.Context, string) (*Pipeline, error)
	ListPipelines(context.Context) ([]*Pipeline, error)
	ListScheduledPipelines(context.Context) ([]*Pipeline, error)
	UpdatePipeline(context.Context, int64, string, string, string) error
	UpdatePipelineSchedule(context.Context, int64, *string, *string) error
	DeletePipeline(context.Context, int64) error
}
