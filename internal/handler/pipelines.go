package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/stepflow/internal/definition"
	"github.com/haatos/stepflow/internal/graph"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/service"
	"github.com/haatos/stepflow/internal/store"
	"github.com/labstack/echo/v4"
)

const defaultLatestRunsLimit int64 = 10

func SetupPipelineRoutes(g *echo.Group, pipelineService PipelineServicer) {
	h := NewPipelineHandler(pipelineService)
	pipelines := g.Group("/api/pipelines")
	pipelines.GET("", h.GetPipelines)
	pipelines.POST("", h.PostPipeline)
	pipelines.GET("/:pipeline_id", h.GetPipeline)
	pipelines.PATCH("/:pipeline_id", h.PatchPipeline)
	pipelines.DELETE("/:pipeline_id", h.DeletePipeline)
	pipelines.PATCH("/:pipeline_id/schedule", h.PatchPipelineSchedule)
	pipelines.GET("/:pipeline_id/runs", h.GetPipelineRuns)
	pipelines.POST("/:pipeline_id/runs", h.PostPipelineRun)
	pipelines.GET("/:pipeline_id/runs/:run_id", h.GetPipelineRun)
	pipelines.GET("/:pipeline_id/runs/:run_id/output", h.GetPipelineRunOutput)
	pipelines.GET("/:pipeline_id/runs/:run_id/sse", h.GetPipelineRunSSE)
	pipelines.POST("/:pipeline_id/runs/:run_id/cancel", h.PostCancelPipelineRun)
}

type PipelineServicer interface {
	CreatePipeline(ctx context.Context, name, description, def string) (*store.Pipeline, error)
	GetPipelineByID(ctx context.Context, pipelineID int64) (*store.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*store.Pipeline, error)
	UpdatePipeline(ctx context.Context, pipelineID int64, name, description, def string) error
	UpdatePipelineSchedule(ctx context.Context, id int64, schedule *string) error
	DeletePipeline(ctx context.Context, pipelineID int64) error
	TriggerRun(ctx context.Context, pipelineID int64) (*store.Run, error)
	CancelRun(pipelineID int64, runID string) error
	GetRunByID(ctx context.Context, runID string) (*store.Run, error)
	GetRunStepResults(ctx context.Context, runID string) ([]pipeline.StepResult, error)
	ListRuns(ctx context.Context, pipelineID int64) ([]store.Run, error)
	ListLatestRuns(ctx context.Context, pipelineID, limit int64) ([]store.Run, error)
	GetRunCount(ctx context.Context, pipelineID int64) (int64, error)
	GetPipelineRunQueue(id int64) (*service.RunQueue, bool)
}

type PipelineHandler struct {
	pipelineService PipelineServicer
}

func NewPipelineHandler(pipelineService PipelineServicer) *PipelineHandler {
	return &PipelineHandler{pipelineService: pipelineService}
}

func (h *PipelineHandler) GetPipelines(c echo.Context) error {
	pipelines, err := h.pipelineService.ListPipelines(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list pipelines")
	}
	return c.JSON(http.StatusOK, pipelines)
}

func (h *PipelineHandler) PostPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}
	if pp.Name == "" {
		return newError(nil, http.StatusBadRequest, "pipeline name is required")
	}

	p, err := h.pipelineService.CreatePipeline(
		c.Request().Context(), pp.Name, pp.Description, pp.Definition,
	)
	if err != nil {
		var mdErr *definition.MalformedDefinitionError
		var cycleErr *graph.CycleError
		var depErr *graph.UnknownDependencyError
		var dupErr *graph.DuplicateStepError
		switch {
		case errors.As(err, &mdErr),
			errors.As(err, &cycleErr),
			errors.As(err, &depErr),
			errors.As(err, &dupErr):
			return newError(err, http.StatusUnprocessableEntity, err.Error())
		case isUniqueConstraintError(err):
			return newError(err, http.StatusConflict, "pipeline name already exists")
		}
		return newError(err, http.StatusInternalServerError, "unable to create pipeline")
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *PipelineHandler) GetPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), pp.PipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read pipeline")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) PatchPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}

	if err := h.pipelineService.UpdatePipeline(
		c.Request().Context(), pp.PipelineID, pp.Name, pp.Description, pp.Definition,
	); err != nil {
		var mdErr *definition.MalformedDefinitionError
		if errors.As(err, &mdErr) {
			return newError(err, http.StatusUnprocessableEntity, err.Error())
		}
		return newError(err, http.StatusInternalServerError, "unable to update pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) PatchPipelineSchedule(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid schedule data")
	}

	if err := h.pipelineService.UpdatePipelineSchedule(
		c.Request().Context(), pp.PipelineID, pp.Schedule,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to update schedule")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) DeletePipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	if err := h.pipelineService.DeletePipeline(
		c.Request().Context(), pp.PipelineID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to delete pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) GetPipelineRuns(c echo.Context) error {
	lrp := new(ListRunsParams)
	if err := c.Bind(lrp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid request data")
	}
	if lrp.Limit <= 0 {
		lrp.Limit = defaultLatestRunsLimit
	}

	count, err := h.pipelineService.GetRunCount(c.Request().Context(), lrp.PipelineID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "unable to count runs")
	}

	runs, err := h.pipelineService.ListLatestRuns(
		c.Request().Context(), lrp.PipelineID, lrp.Limit,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"count": count,
		"runs":  runs,
	})
}

func (h *PipelineHandler) PostPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), rp.PipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read pipeline")
	}

	r, err := h.pipelineService.TriggerRun(c.Request().Context(), p.PipelineID)
	if err != nil {
		var fullErr *service.ErrRunQueueFull
		if errors.As(err, &fullErr) {
			return newError(err, http.StatusServiceUnavailable, "run queue is full")
		}
		return newError(err, http.StatusInternalServerError, "unable to trigger run")
	}
	return c.JSON(http.StatusAccepted, r)
}

// runResponse is a run row joined with its persisted step results.
type runResponse struct {
	Run   *store.Run            `json:"run"`
	Steps []pipeline.StepResult `json:"steps"`
}

func (h *PipelineHandler) GetPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run id")
	}

	r, err := h.pipelineService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}

	steps, err := h.pipelineService.GetRunStepResults(c.Request().Context(), rp.RunID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "unable to read step results")
	}

	return c.JSON(http.StatusOK, runResponse{Run: r, Steps: steps})
}

func (h *PipelineHandler) GetPipelineRunOutput(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run id")
	}

	r, err := h.pipelineService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}

	output := ""
	if r.Output != nil {
		output = *r.Output
	}
	return c.String(http.StatusOK, output)
}

// GetPipelineRunSSE streams live run output and status transitions as
// server-sent events until the client disconnects.
func (h *PipelineHandler) GetPipelineRunSSE(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run id")
	}

	rq, ok := h.pipelineService.GetPipelineRunQueue(rp.PipelineID)
	if !ok {
		return newError(nil, http.StatusNotFound, "pipeline run queue not found")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	rq.OutputSSEClients.AddClient(id)
	defer rq.OutputSSEClients.RemoveClient(id)
	rq.StatusSSEClients.AddClient(id)
	defer rq.StatusSSEClients.RemoveClient(id)

	outputCh := rq.OutputSSEClients.GetClient(id)
	statusCh := rq.StatusSSEClients.GetClient(id)
	seq := 0

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case out := <-outputCh:
			seq++
			event := &Event{
				ID:    []byte(fmt.Sprintf("%d", seq)),
				Event: []byte("output"),
				Data:  []byte(out),
			}
			if err := event.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
		case r := <-statusCh:
			seq++
			event := &Event{
				ID:    []byte(fmt.Sprintf("%d", seq)),
				Event: []byte("status"),
				Data: []byte(fmt.Sprintf(
					`{"run_id":%q,"status":%q}`, r.RunID, r.Status,
				)),
			}
			if err := event.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
			if r.Status.Terminal() {
				return nil
			}
		case <-time.After(15 * time.Second):
			// keep-alive comment so proxies do not close the stream
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (h *PipelineHandler) PostCancelPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run id")
	}

	if err := h.pipelineService.CancelRun(rp.PipelineID, rp.RunID); err != nil {
		return newError(err, http.StatusNotFound, "pipeline run queue not found")
	}
	return c.JSON(http.StatusAccepted, map[string]any{"message": "cancelling run"})
}
