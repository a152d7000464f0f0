package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haatos/stepflow/internal/definition"
	"github.com/haatos/stepflow/internal/executor"
	"github.com/haatos/stepflow/internal/graph"
	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/report"
	"github.com/haatos/stepflow/internal/runner"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Exit codes: 0 run succeeded, 1 run failed or was cancelled, 2 the
// definition could not be parsed or validated.
const (
	exitFailure = 1
	exitInvalid = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Run and validate pipeline definitions",
	}
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewValidateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitInvalid)
	}
}

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <definition-file>",
		Short: "Execute a pipeline definition",
		Args:  cobra.ExactArgs(1),
		Run:   runPipeline,
	}

	cmd.Flags().IntP("parallelism", "p", 0, "Max steps running concurrently (overrides the definition)")
	cmd.Flags().IntP("timeout-run", "t", 0, "Overall run timeout in seconds")
	cmd.Flags().StringP("context", "c", "", "Execution context override (local, ssh or docker)")
	cmd.Flags().Bool("continue-on-skip", false, "Treat skipped steps as non-fatal for the overall status")
	cmd.Flags().Int("max-output-bytes", 1<<20, "Per-step captured output limit")
	cmd.Flags().String("report-url", "", "POST the run result as JSON to this URL")
	cmd.Flags().String("report-dir", "", "Write the run result as JSON into this directory")

	return cmd
}

func runPipeline(cmd *cobra.Command, args []string) {
	p, err := definition.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalid)
	}

	parallelism, _ := cmd.Flags().GetInt("parallelism")
	timeoutRun, _ := cmd.Flags().GetInt("timeout-run")
	contextKind, _ := cmd.Flags().GetString("context")
	continueOnSkip, _ := cmd.Flags().GetBool("continue-on-skip")
	maxOutputBytes, _ := cmd.Flags().GetInt("max-output-bytes")
	reportURL, _ := cmd.Flags().GetString("report-url")
	reportDir, _ := cmd.Flags().GetString("report-dir")

	if parallelism > 0 {
		p.Parallelism = parallelism
	}
	if contextKind != "" {
		p.Context = pipeline.ContextSpec{Kind: contextKind}
	}

	provider, err := executor.NewProvider(p.Context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalid)
	}

	r := runner.New(
		executor.NewStepExecutor(maxOutputBytes),
		provider,
		runner.Options{
			Parallelism:    p.Parallelism,
			RunTimeout:     time.Duration(timeoutRun) * time.Second,
			ContinueOnSkip: continueOnSkip,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := r.Run(ctx, uuid.NewString(), p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalid)
	}

	reporters := []report.Reporter{report.NewLogReporter()}
	if reportDir != "" {
		reporters = append(reporters, report.NewFileReporter(reportDir))
	}
	if reportURL != "" {
		reporters = append(reporters, report.NewWebhookReporter(reportURL))
	}
	report.Send(reporters, result, report.DefaultReportTimeout)

	if !result.Succeeded() {
		os.Exit(exitFailure)
	}
}

// NewValidateCommand creates the validate command
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>",
		Short: "Parse and validate a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		Run:   validatePipeline,
	}
}

func validatePipeline(cmd *cobra.Command, args []string) {
	p, err := definition.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalid)
	}
	if _, err := graph.Build(p.Steps); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalid)
	}
	fmt.Printf("%s: %d steps, ok\n", p.Name, len(p.Steps))
}
