package testutil

import (
	"context"

	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/service"
	"github.com/haatos/stepflow/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockPipelineServicer struct {
	mock.Mock
}

func (m *MockPipelineServicer) CreatePipeline(
	ctx context.Context,
	name, description, def string,
) (*store.Pipeline, error) {
	args := m.Called(ctx, name, description, def)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineServicer) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	args := m.Called(ctx, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineServicer) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

func (m *MockPipelineServicer) UpdatePipeline(
	ctx context.Context,
	pipelineID int64,
	name, description, def string,
) error {
	args := m.Called(ctx, pipelineID, name, description, def)
	return args.Error(0)
}

func (m *MockPipelineServicer) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule *string,
) error {
	args := m.Called(ctx, id, schedule)
	return args.Error(0)
}

func (m *MockPipelineServicer) DeletePipeline(ctx context.Context, pipelineID int64) error {
	args := m.Called(ctx, pipelineID)
	return args.Error(0)
}

func (m *MockPipelineServicer) TriggerRun(
	ctx context.Context,
	pipelineID int64,
) (*store.Run, error) {
	args := m.Called(ctx, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineServicer) CancelRun(pipelineID int64, runID string) error {
	args := m.Called(pipelineID, runID)
	return args.Error(0)
}

func (m *MockPipelineServicer) GetRunByID(
	ctx context.Context,
	runID string,
) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineServicer) GetRunStepResults(
	ctx context.Context,
	runID string,
) ([]pipeline.StepResult, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).([]pipeline.StepResult), args.Error(1)
}

func (m *MockPipelineServicer) ListRuns(
	ctx context.Context,
	pipelineID int64,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockPipelineServicer) ListLatestRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID, limit)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockPipelineServicer) GetRunCount(
	ctx context.Context,
	pipelineID int64,
) (int64, error) {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPipelineServicer) GetPipelineRunQueue(id int64) (*service.RunQueue, bool) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*service.RunQueue), args.Bool(1)
}
