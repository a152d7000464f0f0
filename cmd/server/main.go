package main

import (
	"context"
	"log"

	"github.com/haatos/stepflow/internal"
	"github.com/haatos/stepflow/internal/handler"
	"github.com/haatos/stepflow/internal/report"
	"github.com/haatos/stepflow/internal/service"
	"github.com/haatos/stepflow/internal/settings"
	"github.com/haatos/stepflow/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "modernc.org/sqlite"
)

func main() {
	settings.ReadDotenv(internal.DotEnvPath)
	settings.Settings = settings.NewSettings()
	rdb := store.InitDatabase(true)
	defer rdb.Close()
	rwdb := store.InitDatabase(false)
	defer rwdb.Close()
	store.RunMigrations(rwdb, internal.MigrationsDir)

	scheduler := service.NewScheduler()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Println("err shutting down scheduler:", err)
		}
	}()

	reporters := []report.Reporter{
		report.NewLogReporter(),
		report.NewFileReporter(settings.Settings.ReportDir),
	}

	pipelineSvc := service.NewPipelineService(
		store.NewPipelineSQLiteStore(rdb, rwdb),
		store.NewRunSQLiteStore(rdb, rwdb),
		scheduler,
		reporters,
		service.RunQueueOptions{
			MaxRuns:        settings.Settings.QueueSize,
			MaxOutputBytes: settings.Settings.MaxOutputBytes,
			ReportTimeout:  settings.Settings.ReportTimeout,
			ArtifactsDir:   settings.Settings.ArtifactsDir,
		},
	)
	defer pipelineSvc.ShutdownAll()

	if err := pipelineSvc.InitializeRunQueues(context.Background()); err != nil {
		log.Fatal(err)
	}
	if err := pipelineSvc.SchedulePipelines(context.Background()); err != nil {
		log.Fatal(err)
	}
	scheduler.Start()

	e := setupEcho()
	handler.SetupPipelineRoutes(e.Group(""), pipelineSvc)

	internal.GracefulShutdown(e, settings.Settings.Port)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}
