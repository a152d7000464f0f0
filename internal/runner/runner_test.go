package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/haatos/stepflow/internal/executor"
	"github.com/haatos/stepflow/internal/graph"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyContext records invocations per command token and fails or delays
// commands according to its script.
type spyContext struct {
	mu          sync.Mutex
	invocations map[string]int
	exitCodes   map[string]int
	failures    map[string]int
	delays      map[string]time.Duration
	running     int
	maxRunning  int
}

func newSpyContext() *spyContext {
	return &spyContext{
		invocations: make(map[string]int),
		exitCodes:   make(map[string]int),
		failures:    make(map[string]int),
		delays:      make(map[string]time.Duration),
	}
}

func (sc *spyContext) Run(
	ctx context.Context,
	command []string,
	output io.Writer,
) (int, error) {
	name := command[0]

	sc.mu.Lock()
	sc.invocations[name]++
	sc.running++
	if sc.running > sc.maxRunning {
		sc.maxRunning = sc.running
	}
	delay := sc.delays[name]
	code := sc.exitCodes[name]
	if n := sc.failures[name]; n > 0 {
		sc.failures[name]--
		code = 1
	}
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		sc.running--
		sc.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(delay):
		}
	}
	_, _ = io.WriteString(output, name+"\n")
	return code, nil
}

func (sc *spyContext) Close() error { return nil }

func (sc *spyContext) count(name string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.invocations[name]
}

type spyProvider struct {
	ctx       *spyContext
	createErr error

	mu        sync.Mutex
	created   int
	destroyed int
}

func (sp *spyProvider) CreateContext(
	ctx context.Context,
	spec pipeline.ContextSpec,
) (executor.ExecContext, error) {
	if sp.createErr != nil {
		return nil, sp.createErr
	}
	sp.mu.Lock()
	sp.created++
	sp.mu.Unlock()
	return sp.ctx, nil
}

func (sp *spyProvider) DestroyContext(ec executor.ExecContext) error {
	sp.mu.Lock()
	sp.destroyed++
	sp.mu.Unlock()
	return nil
}

func step(id string, deps []string, opts ...func(*pipeline.Step)) pipeline.Step {
	s := pipeline.Step{
		ID:        id,
		Command:   []string{id},
		DependsOn: deps,
		Timeout:   time.Minute,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func withRetries(n int) func(*pipeline.Step) {
	return func(s *pipeline.Step) { s.Retries = n }
}

func withAlwaysRun() func(*pipeline.Step) {
	return func(s *pipeline.Step) { s.AlwaysRun = true }
}

func withTimeout(d time.Duration) func(*pipeline.Step) {
	return func(s *pipeline.Step) { s.Timeout = d }
}

func smokeTestPipeline(opts ...func(*pipeline.Step)) *pipeline.Pipeline {
	var cleanupOpts []func(*pipeline.Step)
	cleanupOpts = append(cleanupOpts, opts...)
	return &pipeline.Pipeline{
		Name:        "smoke-test",
		Parallelism: 1,
		Steps: []pipeline.Step{
			step("build", nil),
			step("run", []string{"build"}),
			step("test", []string{"run"}),
			step("cleanup", []string{"test"}, cleanupOpts...),
		},
	}
}

func newTestRunner(sp *spyProvider, opts Options) *Runner {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return New(executor.NewStepExecutor(0), sp, opts)
}

func stepStatus(t *testing.T, rr *pipeline.RunResult, id string) pipeline.Status {
	t.Helper()
	sr, ok := rr.StepResult(id)
	require.True(t, ok, "missing result for step %s", id)
	return sr.Status
}

func TestRunnerRun(t *testing.T) {
	t.Run("all steps succeed in topological order", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})

		var order []string
		var mu sync.Mutex
		r.opts.OnStepUpdate = func(sr pipeline.StepResult) {
			if sr.Status == pipeline.StatusRunning {
				mu.Lock()
				order = append(order, sr.StepID)
				mu.Unlock()
			}
		}

		// act
		rr, err := r.Run(context.Background(), "run-1", smokeTestPipeline())

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusSucceeded, rr.Status)
		assert.True(t, rr.Succeeded())
		assert.Equal(t, []string{"build", "run", "test", "cleanup"}, order)
		for _, id := range []string{"build", "run", "test", "cleanup"} {
			assert.Equal(t, pipeline.StatusSucceeded, stepStatus(t, rr, id))
			assert.Equal(t, 1, sc.count(id))
		}
	})
	t.Run("failed step skips dependents and fails the run", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.exitCodes["test"] = 1
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})

		// act
		rr, err := r.Run(context.Background(), "run-2", smokeTestPipeline())

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, rr.Status)
		assert.Equal(t, pipeline.StatusSucceeded, stepStatus(t, rr, "build"))
		assert.Equal(t, pipeline.StatusSucceeded, stepStatus(t, rr, "run"))
		assert.Equal(t, pipeline.StatusFailed, stepStatus(t, rr, "test"))
		assert.Equal(t, pipeline.StatusSkipped, stepStatus(t, rr, "cleanup"))
		assert.Equal(t, 0, sc.count("cleanup"), "skipped step must never be invoked")

		sr, _ := rr.StepResult("test")
		require.NotNil(t, sr.ExitCode)
		assert.Equal(t, 1, *sr.ExitCode)
	})
	t.Run("always_run cleanup executes after a failed test", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.exitCodes["test"] = 1
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})

		// act
		rr, err := r.Run(context.Background(), "run-3", smokeTestPipeline(withAlwaysRun()))

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, rr.Status, "failed test still fails the run")
		assert.Equal(t, pipeline.StatusSucceeded, stepStatus(t, rr, "cleanup"))
		assert.Equal(t, 1, sc.count("cleanup"))
	})
	t.Run("skip propagates transitively", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.exitCodes["build"] = 1
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})

		// act
		rr, err := r.Run(context.Background(), "run-4", smokeTestPipeline())

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, stepStatus(t, rr, "build"))
		for _, id := range []string{"run", "test", "cleanup"} {
			assert.Equal(t, pipeline.StatusSkipped, stepStatus(t, rr, id))
			assert.Equal(t, 0, sc.count(id))
		}
	})
	t.Run("sibling branch still executes after a failure", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.exitCodes["unit"] = 1
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})
		p := &pipeline.Pipeline{
			Name: "branches",
			Steps: []pipeline.Step{
				step("build", nil),
				step("unit", []string{"build"}),
				step("integration", []string{"build"}),
				step("publish", []string{"unit", "integration"}),
			},
		}

		// act
		rr, err := r.Run(context.Background(), "run-5", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, stepStatus(t, rr, "unit"))
		assert.Equal(t, pipeline.StatusSucceeded, stepStatus(t, rr, "integration"))
		assert.Equal(t, pipeline.StatusSkipped, stepStatus(t, rr, "publish"))
		assert.Equal(t, 1, sc.count("integration"))
	})
	t.Run("retry - step succeeds on third invocation", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.failures["flaky"] = 2
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})
		p := &pipeline.Pipeline{
			Name:  "retry",
			Steps: []pipeline.Step{step("flaky", nil, withRetries(2))},
		}

		// act
		rr, err := r.Run(context.Background(), "run-6", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusSucceeded, rr.Status)
		assert.Equal(t, 3, sc.count("flaky"))
		sr, _ := rr.StepResult("flaky")
		assert.Equal(t, 3, sr.Attempts)
	})
	t.Run("retry budget exhausted leaves step failed", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.failures["flaky"] = 5
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})
		p := &pipeline.Pipeline{
			Name:  "retry",
			Steps: []pipeline.Step{step("flaky", nil, withRetries(2))},
		}

		// act
		rr, err := r.Run(context.Background(), "run-7", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, rr.Status)
		assert.Equal(t, 3, sc.count("flaky"))
	})
	t.Run("timeout is not retried by default", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.delays["slow"] = time.Second
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1})
		p := &pipeline.Pipeline{
			Name: "timeouts",
			Steps: []pipeline.Step{
				step("slow", nil, withRetries(2), withTimeout(20*time.Millisecond)),
			},
		}

		// act
		rr, err := r.Run(context.Background(), "run-8", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusTimedOut, stepStatus(t, rr, "slow"))
		assert.Equal(t, pipeline.StatusFailed, rr.Status)
		assert.Equal(t, 1, sc.count("slow"))
	})
	t.Run("timeout retried when RetryOnTimeout set", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.delays["slow"] = time.Second
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1, RetryOnTimeout: true})
		p := &pipeline.Pipeline{
			Name: "timeouts",
			Steps: []pipeline.Step{
				step("slow", nil, withRetries(1), withTimeout(20*time.Millisecond)),
			},
		}

		// act
		rr, err := r.Run(context.Background(), "run-9", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusTimedOut, stepStatus(t, rr, "slow"))
		assert.Equal(t, 2, sc.count("slow"))
	})
	t.Run("parallelism bounds concurrent steps", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		for _, id := range []string{"a", "b", "c", "d"} {
			sc.delays[id] = 30 * time.Millisecond
		}
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 2})
		p := &pipeline.Pipeline{
			Name: "parallel",
			Steps: []pipeline.Step{
				step("a", nil), step("b", nil), step("c", nil), step("d", nil),
			},
		}

		// act
		rr, err := r.Run(context.Background(), "run-10", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusSucceeded, rr.Status)
		sc.mu.Lock()
		maxRunning := sc.maxRunning
		sc.mu.Unlock()
		assert.LessOrEqual(t, maxRunning, 2)
		assert.GreaterOrEqual(t, maxRunning, 1)
	})
	t.Run("run timeout cancels running steps", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sc.delays["slow"] = 10 * time.Second
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 1, RunTimeout: 30 * time.Millisecond})
		p := &pipeline.Pipeline{
			Name: "deadline",
			Steps: []pipeline.Step{
				step("slow", nil),
				step("after", []string{"slow"}),
			},
		}

		// act
		start := time.Now()
		rr, err := r.Run(context.Background(), "run-11", p)

		// assert
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, pipeline.StatusCancelled, stepStatus(t, rr, "slow"))
		assert.Equal(t, pipeline.StatusSkipped, stepStatus(t, rr, "after"))
		assert.Equal(t, 0, sc.count("after"))
	})
	t.Run("validation failure - cycle surfaces before execution", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{})
		p := &pipeline.Pipeline{
			Name: "cyclic",
			Steps: []pipeline.Step{
				step("a", []string{"b"}),
				step("b", []string{"a"}),
			},
		}

		// act
		rr, err := r.Run(context.Background(), "run-12", p)

		// assert
		require.Error(t, err)
		assert.Nil(t, rr)
		var cycleErr *graph.CycleError
		assert.True(t, errors.As(err, &cycleErr))
		assert.Equal(t, 0, sc.count("a"))
		assert.Equal(t, 0, sc.count("b"))
	})
	t.Run("context provision failure fails the step, siblings run", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sp := &spyProvider{ctx: sc, createErr: errors.New("no docker daemon")}
		r := newTestRunner(sp, Options{Parallelism: 1})
		p := &pipeline.Pipeline{
			Name:  "provision",
			Steps: []pipeline.Step{step("only", nil)},
		}

		// act
		rr, err := r.Run(context.Background(), "run-13", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, rr.Status)
		sr, _ := rr.StepResult("only")
		assert.Equal(t, pipeline.StatusFailed, sr.Status)
		assert.Contains(t, sr.Error, "no docker daemon")
		assert.Equal(t, 0, sc.count("only"), "command never reaches the sandbox")
	})
	t.Run("shared context created once and destroyed", func(t *testing.T) {
		// arrange
		sc := newSpyContext()
		sp := &spyProvider{ctx: sc}
		r := newTestRunner(sp, Options{Parallelism: 2})
		p := smokeTestPipeline()
		p.Context.Reuse = true

		// act
		rr, err := r.Run(context.Background(), "run-14", p)

		// assert
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusSucceeded, rr.Status)
		sp.mu.Lock()
		defer sp.mu.Unlock()
		assert.Equal(t, 1, sp.created)
		assert.Equal(t, 1, sp.destroyed)
	})
	t.Run("continue on skip keeps cancellation visible over skips", func(t *testing.T) {
		// arrange: run deadline cancels the first step; its dependent is
		// skipped. Without the flag the skip downgrades the run to
		// Failed, with it the cancellation is reported as such.
		p := &pipeline.Pipeline{
			Name: "skips",
			Steps: []pipeline.Step{
				step("slow", nil),
				step("after", []string{"slow"}),
			},
		}

		run := func(continueOnSkip bool) *pipeline.RunResult {
			sc := newSpyContext()
			sc.delays["slow"] = 10 * time.Second
			sp := &spyProvider{ctx: sc}
			r := newTestRunner(sp, Options{
				Parallelism:    1,
				RunTimeout:     30 * time.Millisecond,
				ContinueOnSkip: continueOnSkip,
			})
			rr, err := r.Run(context.Background(), "run-15", p)
			require.NoError(t, err)
			return rr
		}

		// act & assert
		assert.Equal(t, pipeline.StatusFailed, run(false).Status)
		assert.Equal(t, pipeline.StatusCancelled, run(true).Status)
	})
}
