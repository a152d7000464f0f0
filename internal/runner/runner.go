package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/haatos/stepflow/internal/executor"
	"github.com/haatos/stepflow/internal/graph"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/util"
	"github.com/sethvargo/go-retry"
)

// Options configure a single run. Zero values fall back to strictly
// sequential execution with no run-level deadline.
type Options struct {
	// Parallelism bounds the number of concurrently running steps.
	Parallelism int
	// RunTimeout, when set, cancels the whole run once it elapses.
	RunTimeout time.Duration
	// ContinueOnSkip keeps the overall status Succeeded when steps were
	// skipped due to an upstream failure that AlwaysRun steps tolerated.
	ContinueOnSkip bool
	// RetryOnTimeout applies a step's retry budget to timeouts as well.
	// Off by default: a step that ran out its clock once will usually do
	// so again.
	RetryOnTimeout bool
	// RetryDelay is the pause between retry attempts.
	RetryDelay time.Duration
	// OnStepUpdate, when set, receives every step transition (start and
	// terminal). Called from worker goroutines.
	OnStepUpdate func(pipeline.StepResult)
}

// Runner drives a pipeline's steps through the executor in topological
// order, propagating skips past failed dependencies and aggregating
// per-step results into a RunResult.
type Runner struct {
	exec     *executor.StepExecutor
	provider executor.Provider
	opts     Options
}

func New(exec *executor.StepExecutor, provider executor.Provider, opts Options) *Runner {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Runner{exec: exec, provider: provider, opts: opts}
}

type runState struct {
	mu      sync.Mutex
	results []pipeline.StepResult
	index   map[string]int

	// remaining dependency count and failed dependency count per step
	remaining map[string]int
	failures  map[string]int
}

// Run executes the pipeline once. Validation errors (cycles, unknown
// dependencies) are returned before any step starts; step failures are
// recorded in the RunResult instead of being raised.
func (r *Runner) Run(
	ctx context.Context,
	runID string,
	p *pipeline.Pipeline,
) (*pipeline.RunResult, error) {
	g, err := graph.Build(p.Steps)
	if err != nil {
		return nil, err
	}

	if r.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RunTimeout)
		defer cancel()
	}

	result := &pipeline.RunResult{
		RunID:     runID,
		Pipeline:  p.Name,
		Status:    pipeline.StatusRunning,
		Steps:     make([]pipeline.StepResult, len(p.Steps)),
		StartedOn: util.AsPtr(time.Now().UTC()),
	}
	state := &runState{
		results:   result.Steps,
		index:     make(map[string]int, len(p.Steps)),
		remaining: make(map[string]int, len(p.Steps)),
		failures:  make(map[string]int, len(p.Steps)),
	}
	for i, s := range p.Steps {
		state.index[s.ID] = i
		state.remaining[s.ID] = len(g.Dependencies(s.ID))
		state.results[i] = pipeline.StepResult{
			StepID: s.ID,
			Status: pipeline.StatusPending,
		}
	}

	shared, err := r.sharedContext(ctx, p)
	if err != nil {
		// Without a context nothing can run; every step fails fast with
		// the provisioning error as its cause.
		for i := range state.results {
			state.results[i].Status = pipeline.StatusFailed
			state.results[i].Error = err.Error()
		}
		r.finalize(result)
		return result, nil
	}
	if shared != nil {
		defer func() {
			if err := r.provider.DestroyContext(shared); err != nil {
				log.Printf("err destroying shared execution context: %+v\n", err)
			}
		}()
	}

	readyCh := make(chan string, len(p.Steps))
	var wg sync.WaitGroup
	wg.Add(len(p.Steps))

	// Seed with root steps in topological order so a single worker walks
	// the same sequence the graph reports.
	for _, id := range g.TopologicalOrder() {
		if state.remaining[id] == 0 {
			readyCh <- id
		}
	}

	work := &runWork{
		runner:  r,
		graph:   g,
		p:       p,
		state:   state,
		readyCh: readyCh,
		wg:      &wg,
		shared:  shared,
	}
	for range r.opts.Parallelism {
		go work.worker(ctx)
	}

	wg.Wait()
	close(readyCh)

	r.finalize(result)
	return result, nil
}

func (r *Runner) sharedContext(
	ctx context.Context,
	p *pipeline.Pipeline,
) (executor.ExecContext, error) {
	if !p.Context.Reuse {
		return nil, nil
	}
	ec, err := r.provider.CreateContext(ctx, p.Context)
	if err != nil {
		return nil, executor.NewContextProvisionError(p.Context.Kind, err)
	}
	return ec, nil
}

// finalize stamps the overall status once no further step can execute.
func (r *Runner) finalize(result *pipeline.RunResult) {
	result.EndedOn = util.AsPtr(time.Now().UTC())

	var failed, cancelled, skipped bool
	for i := range result.Steps {
		switch result.Steps[i].Status {
		case pipeline.StatusFailed, pipeline.StatusTimedOut:
			failed = true
		case pipeline.StatusCancelled:
			cancelled = true
		case pipeline.StatusSkipped:
			skipped = true
		}
	}

	switch {
	case failed:
		result.Status = pipeline.StatusFailed
	case skipped && !r.opts.ContinueOnSkip:
		result.Status = pipeline.StatusFailed
	case cancelled:
		result.Status = pipeline.StatusCancelled
	default:
		result.Status = pipeline.StatusSucceeded
	}
}

type runWork struct {
	runner  *Runner
	graph   *graph.Graph
	p       *pipeline.Pipeline
	state   *runState
	readyCh chan string
	wg      *sync.WaitGroup
	shared  executor.ExecContext
	// sharedMu serializes steps onto a reused context.
	sharedMu sync.Mutex
}

func (w *runWork) worker(ctx context.Context) {
	for id := range w.readyCh {
		step, ok := w.p.Step(id)
		if !ok {
			// Graph and pipeline are built from the same step list.
			w.finish(ctx, id, pipeline.StepResult{
				StepID: id,
				Status: pipeline.StatusFailed,
				Error:  fmt.Sprintf("step %q missing from pipeline", id),
			})
			continue
		}

		if ctx.Err() != nil {
			w.finish(ctx, id, pipeline.StepResult{
				StepID: id,
				Status: pipeline.StatusCancelled,
				Error:  ctx.Err().Error(),
			})
			continue
		}

		w.markRunning(step.ID)
		w.finish(ctx, id, w.executeStep(ctx, step))
	}
}

func (w *runWork) markRunning(id string) {
	w.state.mu.Lock()
	i := w.state.index[id]
	w.state.results[i].Status = pipeline.StatusRunning
	w.state.results[i].StartedOn = util.AsPtr(time.Now().UTC())
	update := w.state.results[i]
	w.state.mu.Unlock()

	if w.runner.opts.OnStepUpdate != nil {
		w.runner.opts.OnStepUpdate(update)
	}
}

// executeStep runs one step against its execution context, re-invoking
// the executor within the step's retry budget.
func (w *runWork) executeStep(ctx context.Context, step pipeline.Step) pipeline.StepResult {
	ec := w.shared
	if ec == nil {
		created, err := w.runner.provider.CreateContext(ctx, w.p.Context)
		if err != nil {
			provErr := executor.NewContextProvisionError(w.p.Context.Kind, err)
			return pipeline.StepResult{
				StepID:    step.ID,
				Status:    pipeline.StatusFailed,
				Error:     provErr.Error(),
				StartedOn: util.AsPtr(time.Now().UTC()),
				EndedOn:   util.AsPtr(time.Now().UTC()),
			}
		}
		ec = created
		defer func() {
			if err := w.runner.provider.DestroyContext(ec); err != nil {
				log.Printf("err destroying execution context for step %s: %+v\n", step.ID, err)
			}
		}()
	} else {
		w.sharedMu.Lock()
		defer w.sharedMu.Unlock()
	}

	var result pipeline.StepResult
	attempts := 0

	backoff := retry.WithMaxRetries(
		uint64(step.Retries),
		retry.NewConstant(w.runner.opts.RetryDelay),
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		result = w.runner.exec.Execute(ctx, step, ec)
		switch result.Status {
		case pipeline.StatusFailed:
			return retry.RetryableError(errors.New("step failed"))
		case pipeline.StatusTimedOut:
			if w.runner.opts.RetryOnTimeout {
				return retry.RetryableError(errors.New("step timed out"))
			}
		}
		return nil
	})
	// retry.Do reports exhaustion through err; the step result already
	// carries the terminal status of the last attempt.
	_ = err

	result.Attempts = attempts
	return result
}

// finish records a terminal result and unlocks or skips dependents.
func (w *runWork) finish(ctx context.Context, id string, result pipeline.StepResult) {
	type skip struct {
		id     string
		reason string
	}

	w.state.mu.Lock()
	i := w.state.index[id]
	if result.StartedOn == nil {
		result.StartedOn = w.state.results[i].StartedOn
	}
	w.state.results[i] = result

	updates := []pipeline.StepResult{result}
	succeeded := result.Status == pipeline.StatusSucceeded

	queue := []skip{}
	for _, dep := range w.graph.Dependents(id) {
		w.state.remaining[dep]--
		if !succeeded {
			w.state.failures[dep]++
		}
		if w.state.remaining[dep] == 0 {
			queue = append(queue, skip{id: dep, reason: id})
		}
	}

	ready := []string{}
	done := 1
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		step, _ := w.p.Step(next.id)
		if w.state.failures[next.id] == 0 || step.AlwaysRun {
			ready = append(ready, next.id)
			continue
		}

		// Dependency failed, timed out or was skipped: the dependent is
		// never started.
		j := w.state.index[next.id]
		w.state.results[j].Status = pipeline.StatusSkipped
		w.state.results[j].Error = fmt.Sprintf(
			"skipped due to upstream failure of %q", next.reason,
		)
		updates = append(updates, w.state.results[j])
		done++

		for _, dep := range w.graph.Dependents(next.id) {
			w.state.remaining[dep]--
			w.state.failures[dep]++
			if w.state.remaining[dep] == 0 {
				queue = append(queue, skip{id: dep, reason: next.id})
			}
		}
	}
	w.state.mu.Unlock()

	if w.runner.opts.OnStepUpdate != nil {
		for _, u := range updates {
			w.runner.opts.OnStepUpdate(u)
		}
	}
	for _, id := range ready {
		w.readyCh <- id
	}
	for range done {
		w.wg.Done()
	}
}
