package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"time"

	"github.com/haatos/stepflow/internal/definition"
	"github.com/haatos/stepflow/internal/executor"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/report"
	"github.com/haatos/stepflow/internal/runner"
	"github.com/haatos/stepflow/internal/store"
	"github.com/haatos/stepflow/internal/util"
)

// RunQueueOptions bound the queue's resource usage and reporting.
type RunQueueOptions struct {
	MaxRuns        int64
	MaxOutputBytes int
	ReportTimeout  time.Duration
	ArtifactsDir   string
}

func NewRunQueue(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	reporters []report.Reporter,
	opts RunQueueOptions,
) *RunQueue {
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = 1
	}
	if opts.ArtifactsDir == "" {
		opts.ArtifactsDir = "artifacts"
	}
	return &RunQueue{
		pipelineStore:    pipelineStore,
		runStore:         runStore,
		reporters:        reporters,
		opts:             opts,
		OutputSSEClients: NewSSEClientMap[string](),
		StatusSSEClients: NewSSEClientMap[store.Run](),
		queue:            make(chan *store.Run, opts.MaxRuns),
		done:             make(chan struct{}),
		cancelRunMap:     NewCancelMap[string](),
	}
}

// RunQueue serializes the runs of one pipeline: queued runs execute one
// at a time in arrival order. Output and status transitions fan out to
// subscribed SSE clients while the run is in flight.
type RunQueue struct {
	pipelineStore store.PipelineStore
	runStore      store.RunStore
	reporters     []report.Reporter
	opts          RunQueueOptions

	OutputSSEClients *SSEClientMap[string]
	StatusSSEClients *SSEClientMap[store.Run]

	queue        chan *store.Run
	done         chan struct{}
	cancelRunMap *CancelMap[string]

	outputCh chan string
	statusCh chan store.Run
	mu       sync.Mutex
}

func (rq *RunQueue) CancelRun(runID string) {
	rq.cancelRunMap.Call(runID)
}

func (rq *RunQueue) Enqueue(r *store.Run) error {
	select {
	case rq.queue <- r:
		return nil
	default:
		return NewErrRunQueueFull()
	}
}

func (rq *RunQueue) Run() {
	for {
		select {
		case run := <-rq.queue:
			rq.outputCh = make(chan string)
			rq.statusCh = make(chan store.Run)

			ctx, cancel := context.WithCancel(context.Background())
			rq.cancelRunMap.AddCancel(run.RunID, cancel)

			outputDone := make(chan struct{})
			statusDone := make(chan struct{})
			go rq.handleOutput(run.RunID, outputDone)
			go rq.handleStatus(statusDone)

			if err := rq.processRun(ctx, run); err != nil {
				endedOn := time.Now().UTC()
				run.EndedOn = &endedOn
				if _, ok := err.(RunCancelError); ok {
					run.Status = pipeline.StatusCancelled
				} else {
					run.Status = pipeline.StatusFailed
				}
				if sqlErr := rq.runStore.UpdateRunEndedOn(
					context.Background(),
					run.RunID,
					run.Status,
					run.Artifacts,
					run.EndedOn,
				); sqlErr != nil {
					log.Println("err updating run status to failed:", errors.Join(err, sqlErr))
				}
				log.Println("err processing run:", err)
				if r, err := rq.runStore.ReadRunByID(
					context.Background(), run.RunID,
				); err != nil {
					log.Println("err reading run by id:", err)
				} else {
					run = r
					rq.statusCh <- *r
				}
				rq.outputCh <- fmt.Sprintf("run %s aborted: %v\n", run.RunID, err)
			}

			close(rq.outputCh)
			close(rq.statusCh)
			<-outputDone
			<-statusDone
			rq.cancelRunMap.RemoveCancel(run.RunID)
			cancel()
		case <-rq.done:
			return
		}
	}
}

func (rq *RunQueue) Shutdown() {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	select {
	case <-rq.done:
	default:
		close(rq.done)
	}
}

func (rq *RunQueue) handleOutput(runID string, done chan struct{}) {
	defer close(done)
	for out := range rq.outputCh {
		if err := rq.runStore.AppendRunOutput(
			context.Background(), runID, out,
		); err != nil {
			log.Printf("err appending run output: %+v\n", err)
		}
		rq.OutputSSEClients.SendToClients(out)
	}
}

func (rq *RunQueue) handleStatus(done chan struct{}) {
	defer close(done)
	for r := range rq.statusCh {
		rq.StatusSSEClients.SendToClients(r)
	}
}

// processRun executes one queued run end to end: parse the stored
// definition, drive the pipeline runner, persist step results and fan
// the final result out to the reporters. Step failures are a recorded
// outcome; the returned error covers processing failures only.
func (rq *RunQueue) processRun(ctx context.Context, run *store.Run) error {
	if ctx.Err() != nil {
		return RunCancelError{Message: "run cancelled before it started"}
	}

	p, err := rq.pipelineStore.ReadPipelineByID(ctx, run.RunPipelineID)
	if err != nil {
		rq.outputCh <- "err reading pipeline by id\n"
		return err
	}

	def, err := definition.Parse([]byte(p.Definition))
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err parsing pipeline definition: %v\n", err)
		return err
	}

	run.Status = pipeline.StatusRunning
	run.StartedOn = util.AsPtr(time.Now().UTC())
	if err := rq.runStore.UpdateRunStartedOn(
		context.Background(),
		run.RunID,
		run.Status,
		run.StartedOn,
	); err != nil {
		rq.outputCh <- "err updating run started on\n"
		return err
	}

	r, err := rq.runStore.ReadRunByID(context.Background(), run.RunID)
	if err != nil {
		rq.outputCh <- "err reading run by id\n"
		return err
	}
	rq.statusCh <- *r

	rq.outputCh <- fmt.Sprintf(
		"Parsed pipeline %q. Starting execution of %d steps...\n",
		def.Name, len(def.Steps),
	)

	provider, err := executor.NewProvider(def.Context)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err creating execution context provider: %v\n", err)
		return err
	}

	exec := executor.NewStepExecutor(rq.opts.MaxOutputBytes)
	pipelineRunner := runner.New(exec, provider, runner.Options{
		Parallelism:  def.Parallelism,
		OnStepUpdate: rq.streamStepUpdate,
	})

	rr, err := pipelineRunner.Run(ctx, run.RunID, def)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err validating pipeline: %v\n", err)
		return err
	}

	if err := rq.runStore.SaveStepResults(
		context.Background(), run.RunID, rr.Steps,
	); err != nil {
		rq.outputCh <- "err saving step results\n"
		return err
	}

	run.Artifacts = rq.collectArtifacts(run.RunID, def, provider)

	run.Status = rr.Status
	run.EndedOn = util.AsPtr(time.Now().UTC())
	if err := rq.runStore.UpdateRunEndedOn(
		context.Background(),
		run.RunID,
		run.Status,
		run.Artifacts,
		run.EndedOn,
	); err != nil {
		rq.outputCh <- "err updating run ended on\n"
		return err
	}

	r, err = rq.runStore.ReadRunByID(context.Background(), run.RunID)
	if err != nil {
		rq.outputCh <- "err reading run by id\n"
		return err
	}
	rq.statusCh <- *r

	rq.outputCh <- fmt.Sprintf("run %s finished: %s\n", run.RunID, rr.Status)

	report.Send(rq.reporters, rr, rq.opts.ReportTimeout)
	return nil
}

func (rq *RunQueue) streamStepUpdate(sr pipeline.StepResult) {
	switch {
	case sr.Status == pipeline.StatusRunning:
		rq.outputCh <- fmt.Sprintf("step %s: running\n", sr.StepID)
	case sr.Status.Terminal():
		line := fmt.Sprintf("step %s: %s", sr.StepID, sr.Status)
		if sr.ExitCode != nil {
			line += fmt.Sprintf(" (exit %d)", *sr.ExitCode)
		}
		if sr.Error != "" {
			line += fmt.Sprintf(" (%s)", sr.Error)
		}
		rq.outputCh <- line + "\n"
		if sr.Output != "" {
			rq.outputCh <- sr.Output
		}
	}
}

// collectArtifacts copies the context's artifact path to the local
// artifacts directory when the provider's contexts support download.
// Failures are logged; artifacts never change the run outcome.
func (rq *RunQueue) collectArtifacts(
	runID string,
	def *pipeline.Pipeline,
	provider executor.Provider,
) *string {
	if def.Context.Artifacts == "" {
		return nil
	}

	ec, err := provider.CreateContext(context.Background(), def.Context)
	if err != nil {
		log.Printf("err creating context for artifact collection: %+v\n", err)
		return nil
	}
	defer func() {
		if err := provider.DestroyContext(ec); err != nil {
			log.Printf("err destroying artifact collection context: %+v\n", err)
		}
	}()

	dl, ok := ec.(executor.ArtifactDownloader)
	if !ok {
		log.Printf(
			"%s execution context does not support artifact download\n",
			def.Context.Kind,
		)
		return nil
	}

	localPath := path.Join(rq.opts.ArtifactsDir, runID)
	if err := os.MkdirAll(localPath, os.ModePerm); err != nil {
		log.Printf("err creating artifacts directory: %+v\n", err)
		return nil
	}
	if err := dl.DownloadArtifacts(def.Context.Artifacts, localPath); err != nil {
		log.Printf("err downloading artifacts for run %s: %+v\n", runID, err)
		return nil
	}
	return &localPath
}
