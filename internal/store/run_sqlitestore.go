package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/stepflow/internal"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/util"
)

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func (store *RunSQLiteStore) CreateRun(
	ctx context.Context,
	runID string,
	pipelineID int64,
) (*Run, error) {
	r := &Run{
		RunID:         runID,
		RunPipelineID: pipelineID,
		Status:        pipeline.StatusPending,
	}
	query := `insert into runs (
		run_id,
		run_pipeline_id,
		status
	)
	values ($1, $2, $3)
	returning created_on`
	if err := sqlscan.Get(
		ctx, store.rwdb, r, query, r.RunID, r.RunPipelineID, r.Status,
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) ReadRunByID(ctx context.Context, id string) (*Run, error) {
	r := &Run{RunID: id}
	query := `select runs.*, pipelines.name as pipeline_name
	from runs
	join pipelines on pipelines.pipeline_id = runs.run_pipeline_id
	where run_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, r, query, r.RunID); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) UpdateRunStartedOn(
	ctx context.Context,
	id string,
	status pipeline.Status,
	startedOn *time.Time,
) error {
	query := `update runs
	set status = $1,
		started_on = $2
	where run_id = $3`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		startedOn.Format(internal.DBTimestampLayout),
		id,
	)
	return err
}

func (store *RunSQLiteStore) UpdateRunEndedOn(
	ctx context.Context,
	id string,
	status pipeline.Status,
	artifacts *string,
	endedOn *time.Time,
) error {
	query := `update runs
	set status = $1,
		artifacts = $2,
		ended_on = $3
	where run_id = $4`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		artifacts,
		endedOn.Format(internal.DBTimestampLayout),
		id,
	)
	return err
}

func (store *RunSQLiteStore) AppendRunOutput(ctx context.Context, id string, out string) error {
	query := `update runs
	set output = coalesce(output, '') || $1
	where run_id = $2`
	_, err := store.rwdb.ExecContext(ctx, query, out, id)
	return err
}

func (store *RunSQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := "delete from runs where run_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, id)
	return err
}

func (store *RunSQLiteStore) ListRuns(ctx context.Context, pipelineID int64) ([]Run, error) {
	runs := []Run{}
	query := `select runs.*, pipelines.name as pipeline_name
	from runs
	join pipelines on pipelines.pipeline_id = runs.run_pipeline_id
	where run_pipeline_id = $1
	order by created_on desc, run_id`
	if err := sqlscan.Select(ctx, store.rdb, &runs, query, pipelineID); err != nil {
		return nil, err
	}
	return runs, nil
}

func (store *RunSQLiteStore) ListLatestRuns(
	ctx context.Context, pipelineID, limit int64,
) ([]Run, error) {
	runs := []Run{}
	query := `select runs.*, pipelines.name as pipeline_name
	from runs
	join pipelines on pipelines.pipeline_id = runs.run_pipeline_id
	where run_pipeline_id = $1
	order by created_on desc, run_id
	limit $2`
	if err := sqlscan.Select(ctx, store.rdb, &runs, query, pipelineID, limit); err != nil {
		return nil, err
	}
	return runs, nil
}

func (store *RunSQLiteStore) CountRuns(ctx context.Context, pipelineID int64) (int64, error) {
	var count int64
	query := "select count(*) from runs where run_pipeline_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, &count, query, pipelineID); err != nil {
		return 0, err
	}
	return count, nil
}

// SaveStepResults replaces the stored step results of a run with the
// given results, keeping submission order through the position column.
func (store *RunSQLiteStore) SaveStepResults(
	ctx context.Context,
	runID string,
	results []pipeline.StepResult,
) error {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx, "delete from step_results where result_run_id = $1", runID,
	); err != nil {
		return err
	}

	query := `insert into step_results (
		result_run_id,
		step_id,
		position,
		status,
		exit_code,
		attempts,
		output,
		truncated,
		error,
		started_on,
		ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	for i, sr := range results {
		var exitCode *int64
		if sr.ExitCode != nil {
			exitCode = util.AsPtr(int64(*sr.ExitCode))
		}
		var startedOn, endedOn *string
		if sr.StartedOn != nil {
			startedOn = util.AsPtr(sr.StartedOn.Format(internal.DBTimestampLayout))
		}
		if sr.EndedOn != nil {
			endedOn = util.AsPtr(sr.EndedOn.Format(internal.DBTimestampLayout))
		}
		if _, err := tx.ExecContext(
			ctx, query,
			runID,
			sr.StepID,
			int64(i),
			sr.Status,
			exitCode,
			int64(sr.Attempts),
			sr.Output,
			sr.Truncated,
			sr.Error,
			startedOn,
			endedOn,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (store *RunSQLiteStore) ListStepResults(
	ctx context.Context,
	runID string,
) ([]StepResultRow, error) {
	rows := []StepResultRow{}
	query := `select * from step_results
	where result_run_id = $1
	order by position`
	if err := sqlscan.Select(ctx, store.rdb, &rows, query, runID); err != nil {
		return nil, err
	}
	return rows, nil
}
