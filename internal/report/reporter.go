package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
)

const DefaultReportTimeout = 10 * time.Second

// Reporter receives a finished run's structured outcome. Implementations
// must respect the context deadline; a reporter that fails or times out
// never changes the outcome of the run it reports on.
type Reporter interface {
	Report(ctx context.Context, result *pipeline.RunResult) error
}

// Send fans a result out to every reporter, each bounded by the
// reporting timeout. Errors are logged and swallowed: the run is
// complete whether or not anyone heard about it.
func Send(reporters []Reporter, result *pipeline.RunResult, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	for _, r := range reporters {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := r.Report(ctx, result); err != nil {
			log.Printf("err reporting run %s: %+v\n", result.RunID, err)
		}
		cancel()
	}
}

// LogReporter writes a one-line summary per step plus the overall status
// to the standard logger.
type LogReporter struct{}

func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

func (lr *LogReporter) Report(ctx context.Context, result *pipeline.RunResult) error {
	for _, sr := range result.Steps {
		line := fmt.Sprintf(
			"run %s step %s: %s", result.RunID, sr.StepID, sr.Status,
		)
		if sr.ExitCode != nil {
			line += fmt.Sprintf(" (exit %d)", *sr.ExitCode)
		}
		if d := sr.Duration(); d > 0 {
			line += fmt.Sprintf(" in %s", d.Round(time.Millisecond))
		}
		log.Println(line)
	}
	log.Printf("run %s pipeline %q: %s\n", result.RunID, result.Pipeline, result.Status)
	return nil
}

// FileReporter writes the RunResult as indented JSON to a file, one file
// per run id.
type FileReporter struct {
	dir string
}

func NewFileReporter(dir string) *FileReporter {
	return &FileReporter{dir: dir}
}

func (fr *FileReporter) Report(ctx context.Context, result *pipeline.RunResult) error {
	if err := os.MkdirAll(fr.dir, os.ModePerm); err != nil {
		return err
	}
	b, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%s.json", fr.dir, result.RunID)
	return os.WriteFile(path, b, 0o644)
}

// WebhookReporter POSTs the RunResult as JSON to a configured URL.
type WebhookReporter struct {
	url    string
	client *http.Client
}

func NewWebhookReporter(url string) *WebhookReporter {
	return &WebhookReporter{
		url:    url,
		client: &http.Client{Timeout: DefaultReportTimeout},
	}
}

func (wr *WebhookReporter) Report(ctx context.Context, result *pipeline.RunResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wr.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
