package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/util"
	"github.com/stretchr/testify/suite"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type runSQLiteStoreSuite struct {
	runStore *RunSQLiteStore
	db       *sql.DB
	pipeline *Pipeline
	suite.Suite
}

func TestRunSQLiteStore(t *testing.T) {
	suite.Run(t, new(runSQLiteStoreSuite))
}

func (suite *runSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	suite.db = db
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		log.Fatal(err)
	}

	RunMigrations(db, "migrations")

	suite.runStore = NewRunSQLiteStore(db, db)
	pipelineStore := NewPipelineSQLiteStore(db, db)
	p, err := pipelineStore.CreatePipeline(
		context.Background(),
		"run-store-pipeline",
		"",
		"name: run-store-pipeline\nsteps:\n  - id: build\n    command: [make]\n",
	)
	if err != nil {
		log.Fatal(err)
	}
	suite.pipeline = p
}

func (suite *runSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *runSQLiteStoreSuite) createRun() *Run {
	r, err := suite.runStore.CreateRun(
		context.Background(), uuid.NewString(), suite.pipeline.PipelineID)
	suite.Require().NoError(err)
	return r
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_CreateRun() {
	suite.Run("success - run created", func() {
		// arrange
		runID := uuid.NewString()

		// act
		r, err := suite.runStore.CreateRun(
			context.Background(), runID, suite.pipeline.PipelineID)

		// assert
		suite.NoError(err)
		suite.NotNil(r)
		suite.Equal(runID, r.RunID)
		suite.Equal(pipeline.StatusPending, r.Status)
		suite.False(r.CreatedOn.IsZero())
	})
	suite.Run("failure - invalid pipeline id", func() {
		// arrange
		var pipelineID int64 = 2345523

		// act
		r, err := suite.runStore.CreateRun(
			context.Background(), uuid.NewString(), pipelineID)

		// assert
		suite.Error(err)
		var sqliteErr *sqlite.Error
		ok := errors.As(err, &sqliteErr)
		suite.True(ok)
		suite.Equal(sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqliteErr.Code())
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ReadRunByID() {
	suite.Run("success - run is found", func() {
		// arrange
		expected := suite.createRun()

		// act
		r, err := suite.runStore.ReadRunByID(context.Background(), expected.RunID)

		// assert
		suite.NoError(err)
		suite.NotNil(r)
		suite.Equal(expected.RunID, r.RunID)
		suite.Equal(expected.Status, r.Status)
		suite.Equal(suite.pipeline.Name, r.PipelineName)
	})
	suite.Run("failure - run is not found", func() {
		// arrange
		runID := uuid.NewString()

		// act
		r, err := suite.runStore.ReadRunByID(context.Background(), runID)

		// assert
		suite.Error(err)
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_UpdateRunStartedOn() {
	suite.Run("success - run started on updates", func() {
		// arrange
		expected := suite.createRun()

		// act
		now := time.Now().UTC()
		updateErr := suite.runStore.UpdateRunStartedOn(
			context.Background(),
			expected.RunID,
			pipeline.StatusRunning,
			&now,
		)
		r, readErr := suite.runStore.ReadRunByID(context.Background(), expected.RunID)

		// assert
		suite.NoError(updateErr)
		suite.NoError(readErr)
		suite.NotNil(r)
		suite.Equal(pipeline.StatusRunning, r.Status)
		suite.NotNil(r.StartedOn)
		suite.WithinDuration(now, *r.StartedOn, time.Second)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_UpdateRunEndedOn() {
	suite.Run("success - run ended on updates", func() {
		// arrange
		expected := suite.createRun()

		// act
		artifacts := "artifacts/abc"
		now := time.Now().UTC()
		updateErr := suite.runStore.UpdateRunEndedOn(
			context.Background(),
			expected.RunID,
			pipeline.StatusSucceeded,
			&artifacts,
			&now,
		)
		r, readErr := suite.runStore.ReadRunByID(context.Background(), expected.RunID)

		// assert
		suite.NoError(updateErr)
		suite.NoError(readErr)
		suite.NotNil(r)
		suite.Equal(pipeline.StatusSucceeded, r.Status)
		suite.NotNil(r.EndedOn)
		suite.WithinDuration(now, *r.EndedOn, time.Second)
		suite.Equal(artifacts, *r.Artifacts)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_AppendRunOutput() {
	suite.Run("success - output accumulates in order", func() {
		// arrange
		r := suite.createRun()

		// act
		err1 := suite.runStore.AppendRunOutput(context.Background(), r.RunID, "first line\n")
		err2 := suite.runStore.AppendRunOutput(context.Background(), r.RunID, "second line\n")
		updated, readErr := suite.runStore.ReadRunByID(context.Background(), r.RunID)

		// assert
		suite.NoError(err1)
		suite.NoError(err2)
		suite.NoError(readErr)
		suite.NotNil(updated.Output)
		suite.Equal("first line\nsecond line\n", *updated.Output)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_DeleteRun() {
	suite.Run("success - run is deleted", func() {
		// arrange
		expected := suite.createRun()

		// act
		deleteErr := suite.runStore.DeleteRun(context.Background(), expected.RunID)
		r, readErr := suite.runStore.ReadRunByID(context.Background(), expected.RunID)

		// assert
		suite.NoError(deleteErr)
		suite.Error(readErr)
		suite.True(errors.Is(readErr, sql.ErrNoRows))
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ListRuns() {
	suite.Run("success - pipeline runs found", func() {
		// arrange
		expected := suite.createRun()

		// act
		runs, err := suite.runStore.ListRuns(
			context.Background(), suite.pipeline.PipelineID)

		// assert
		suite.NoError(err)
		suite.True(len(runs) >= 1)
		suite.True(slices.ContainsFunc(runs, func(r Run) bool {
			return expected.RunID == r.RunID
		}))
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ListLatestRuns() {
	suite.Run("success - limit respected", func() {
		// arrange
		suite.createRun()
		suite.createRun()
		suite.createRun()

		// act
		runs, err := suite.runStore.ListLatestRuns(
			context.Background(), suite.pipeline.PipelineID, 2)

		// assert
		suite.NoError(err)
		suite.Len(runs, 2)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_CountRuns() {
	suite.Run("success - count matches listing", func() {
		// arrange
		suite.createRun()

		// act
		count, countErr := suite.runStore.CountRuns(
			context.Background(), suite.pipeline.PipelineID)
		runs, listErr := suite.runStore.ListRuns(
			context.Background(), suite.pipeline.PipelineID)

		// assert
		suite.NoError(countErr)
		suite.NoError(listErr)
		suite.Equal(int64(len(runs)), count)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_StepResults() {
	suite.Run("success - step results round trip in position order", func() {
		// arrange
		r := suite.createRun()
		started := time.Now().UTC().Add(-time.Minute)
		ended := time.Now().UTC()
		results := []pipeline.StepResult{
			{
				StepID:    "build",
				Status:    pipeline.StatusSucceeded,
				ExitCode:  util.AsPtr(0),
				Attempts:  1,
				Output:    "ok\n",
				StartedOn: &started,
				EndedOn:   &ended,
			},
			{
				StepID:   "test",
				Status:   pipeline.StatusFailed,
				ExitCode: util.AsPtr(2),
				Attempts: 3,
				Output:   "boom\n",
				Error:    "exit status 2",
			},
			{
				StepID: "deploy",
				Status: pipeline.StatusSkipped,
				Error:  `skipped due to upstream failure of "test"`,
			},
		}

		// act
		saveErr := suite.runStore.SaveStepResults(context.Background(), r.RunID, results)
		rows, listErr := suite.runStore.ListStepResults(context.Background(), r.RunID)

		// assert
		suite.NoError(saveErr)
		suite.NoError(listErr)
		suite.Len(rows, 3)
		suite.Equal("build", rows[0].StepID)
		suite.Equal("test", rows[1].StepID)
		suite.Equal("deploy", rows[2].StepID)
		first := rows[0].ToStepResult()
		suite.Equal(pipeline.StatusSucceeded, first.Status)
		suite.Equal(0, *first.ExitCode)
		suite.Equal(1, first.Attempts)
		second := rows[1].ToStepResult()
		suite.Equal(2, *second.ExitCode)
		suite.Equal("exit status 2", second.Error)
		third := rows[2].ToStepResult()
		suite.Nil(third.ExitCode)
		suite.Equal(pipeline.StatusSkipped, third.Status)
	})
	suite.Run("success - saving again replaces previous results", func() {
		// arrange
		r := suite.createRun()
		suite.NoError(suite.runStore.SaveStepResults(
			context.Background(), r.RunID,
			[]pipeline.StepResult{{StepID: "build", Status: pipeline.StatusFailed}},
		))

		// act
		err := suite.runStore.SaveStepResults(
			context.Background(), r.RunID,
			[]pipeline.StepResult{
				{StepID: "build", Status: pipeline.StatusSucceeded, Attempts: 2},
			},
		)
		rows, listErr := suite.runStore.ListStepResults(context.Background(), r.RunID)

		// assert
		suite.NoError(err)
		suite.NoError(listErr)
		suite.Len(rows, 1)
		suite.Equal(pipeline.StatusSucceeded, rows[0].Status)
		suite.Equal(int64(2), rows[0].Attempts)
	})
	suite.Run("failure - unknown run id violates foreign key", func() {
		// arrange
		runID := uuid.NewString()

		// act
		err := suite.runStore.SaveStepResults(
			context.Background(), runID,
			[]pipeline.StepResult{{StepID: "build", Status: pipeline.StatusSucceeded}},
		)

		// assert
		suite.Error(err)
		var sqliteErr *sqlite.Error
		suite.True(errors.As(err, &sqliteErr))
		suite.Equal(sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqliteErr.Code())
	})
}
