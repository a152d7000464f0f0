package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/haatos/stepflow/internal/definition"
	"github.com/haatos/stepflow/internal/graph"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/report"
	"github.com/haatos/stepflow/internal/store"
	"github.com/haatos/stepflow/internal/util"
)

// PipelineService glues the stores, the run queues and the scheduler
// together. Each pipeline owns one RunQueue so its runs execute
// serially while separate pipelines run independently.
type PipelineService struct {
	pipelineStore store.PipelineStore
	runStore      store.RunStore
	scheduler     gocron.Scheduler
	reporters     []report.Reporter
	queueOpts     RunQueueOptions

	mu     sync.Mutex
	queues map[int64]*RunQueue
}

func NewPipelineService(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	scheduler gocron.Scheduler,
	reporters []report.Reporter,
	queueOpts RunQueueOptions,
) *PipelineService {
	return &PipelineService{
		pipelineStore: pipelineStore,
		runStore:      runStore,
		scheduler:     scheduler,
		reporters:     reporters,
		queueOpts:     queueOpts,
		queues:        make(map[int64]*RunQueue),
	}
}

func (s *PipelineService) InitializeRunQueues(ctx context.Context) error {
	pipelines, err := s.ListPipelines(ctx)
	if err != nil {
		return err
	}

	ids := make([]int64, len(pipelines))
	for i, p := range pipelines {
		ids[i] = p.PipelineID
	}

	s.AddRunQueues(ids)
	s.StartRunQueues()
	return nil
}

// CreatePipeline validates the YAML definition, including its
// dependency graph, before storing it. Invalid definitions never reach
// the store.
func (s *PipelineService) CreatePipeline(
	ctx context.Context,
	name, description, definitionYAML string,
) (*store.Pipeline, error) {
	if err := s.validateDefinition(definitionYAML); err != nil {
		return nil, err
	}
	p, err := s.pipelineStore.CreatePipeline(ctx, name, description, definitionYAML)
	if err != nil {
		return nil, err
	}
	s.AddRunQueue(p.PipelineID)
	if err := s.StartRunQueue(p.PipelineID); err != nil {
		return p, err
	}
	return p, nil
}

func (s *PipelineService) validateDefinition(definitionYAML string) error {
	def, err := definition.Parse([]byte(definitionYAML))
	if err != nil {
		return err
	}
	if _, err := graph.Build(def.Steps); err != nil {
		return err
	}
	return nil
}

func (s *PipelineService) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
}

func (s *PipelineService) GetPipelineByName(
	ctx context.Context,
	name string,
) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByName(ctx, name)
}

func (s *PipelineService) ListPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *PipelineService) ListScheduledPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListScheduledPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *PipelineService) UpdatePipeline(
	ctx context.Context,
	pipelineID int64,
	name, description, definitionYAML string,
) error {
	if err := s.validateDefinition(definitionYAML); err != nil {
		return err
	}
	return s.pipelineStore.UpdatePipeline(
		ctx, pipelineID, name, description, definitionYAML,
	)
}

// UpdatePipelineSchedule replaces the pipeline's cron schedule. A nil
// schedule removes the existing job.
func (s *PipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule *string,
) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return err
	}

	if p.ScheduleJobID != nil && s.scheduler != nil {
		if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
			log.Println("unable to remove existing job:", err)
		}
	}

	if schedule == nil {
		return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, nil, nil)
	}

	jobID, err := s.SchedulePipelineRun(p.PipelineID, *schedule)
	if err != nil {
		return err
	}
	return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, schedule, jobID)
}

func (s *PipelineService) DeletePipeline(
	ctx context.Context, pipelineID int64,
) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.ScheduleJobID != nil && s.scheduler != nil {
		if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
			log.Println("unable to remove scheduled job:", err)
		}
	}
	if err := s.pipelineStore.DeletePipeline(ctx, pipelineID); err != nil {
		return err
	}
	s.RemoveRunQueue(pipelineID)
	return nil
}

// TriggerRun creates a run row and hands it to the pipeline's queue.
func (s *PipelineService) TriggerRun(
	ctx context.Context,
	pipelineID int64,
) (*store.Run, error) {
	r, err := s.runStore.CreateRun(ctx, uuid.NewString(), pipelineID)
	if err != nil {
		return nil, err
	}
	if err := s.EnqueueRun(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PipelineService) CancelRun(pipelineID int64, runID string) error {
	rq, ok := s.GetPipelineRunQueue(pipelineID)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", pipelineID)
	}
	rq.CancelRun(runID)
	return nil
}

func (s *PipelineService) GetRunByID(
	ctx context.Context, runID string,
) (*store.Run, error) {
	return s.runStore.ReadRunByID(ctx, runID)
}

func (s *PipelineService) GetRunStepResults(
	ctx context.Context, runID string,
) ([]pipeline.StepResult, error) {
	rows, err := s.runStore.ListStepResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	results := make([]pipeline.StepResult, len(rows))
	for i := range rows {
		results[i] = rows[i].ToStepResult()
	}
	return results, nil
}

func (s *PipelineService) ListRuns(
	ctx context.Context,
	pipelineID int64,
) ([]store.Run, error) {
	runs, err := s.runStore.ListRuns(ctx, pipelineID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return runs, nil
}

func (s *PipelineService) ListLatestRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	return s.runStore.ListLatestRuns(ctx, pipelineID, limit)
}

func (s *PipelineService) GetRunCount(
	ctx context.Context, pipelineID int64,
) (int64, error) {
	return s.runStore.CountRuns(ctx, pipelineID)
}

func (s *PipelineService) DeleteRun(ctx context.Context, runID string) error {
	return s.runStore.DeleteRun(ctx, runID)
}

// SchedulePipelineRun registers a cron job that triggers a run of the
// pipeline. Returns the scheduler's job id for later removal.
func (s *PipelineService) SchedulePipelineRun(
	pipelineID int64,
	schedule string,
) (*string, error) {
	if s.scheduler == nil {
		return nil, nil
	}
	job, err := s.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			if _, err := s.TriggerRun(context.Background(), pipelineID); err != nil {
				log.Println("err triggering scheduled run:", err)
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("error scheduling pipeline job: %w", err)
	}
	return util.AsPtr(job.ID().String()), nil
}

// SchedulePipelines restores the cron jobs of stored pipelines at boot.
func (s *PipelineService) SchedulePipelines(ctx context.Context) error {
	scheduled, err := s.ListScheduledPipelines(ctx)
	if err != nil {
		return err
	}
	for _, p := range scheduled {
		jobID, err := s.SchedulePipelineRun(p.PipelineID, *p.Schedule)
		if err != nil {
			return err
		}
		if err := s.pipelineStore.UpdatePipelineSchedule(
			ctx, p.PipelineID, p.Schedule, jobID,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PipelineService) AddRunQueues(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.queues[id] = NewRunQueue(s.pipelineStore, s.runStore, s.reporters, s.queueOpts)
	}
}

func (s *PipelineService) StartRunQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queues {
		go s.queues[i].Run()
	}
}

func (s *PipelineService) AddRunQueue(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = NewRunQueue(s.pipelineStore, s.runStore, s.reporters, s.queueOpts)
}

func (s *PipelineService) StartRunQueue(id int64) error {
	rq, ok := s.GetPipelineRunQueue(id)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", id)
	}
	go rq.Run()
	return nil
}

func (s *PipelineService) GetPipelineRunQueue(id int64) (*RunQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.queues[id]
	return rq, ok
}

func (s *PipelineService) RemoveRunQueue(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.queues[id]
	if !ok {
		return
	}
	rq.Shutdown()
	delete(s.queues, id)
}

func (s *PipelineService) EnqueueRun(r *store.Run) error {
	rq, ok := s.GetPipelineRunQueue(r.RunPipelineID)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", r.RunPipelineID)
	}
	return rq.Enqueue(r)
}

func (s *PipelineService) ShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wg sync.WaitGroup
	for _, rq := range s.queues {
		wg.Add(1)
		go func(rq *RunQueue) {
			defer wg.Done()
			rq.Shutdown()
		}(rq)
	}
	wg.Wait()
}

// AppendRunOutput is exposed for handlers that replay stored output.
func (s *PipelineService) AppendRunOutput(
	ctx context.Context, runID string, out string,
) error {
	return s.runStore.AppendRunOutput(ctx, runID, out)
}
