package settings

import (
	"bufio"
	"log"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var Settings *AppSettings

type AppSettings struct {
	Port               string
	SQLiteDatabase     string
	ArtifactsDir       string
	ReportDir          string
	DefaultParallelism int
	QueueSize          int64
	MaxOutputBytes     int
	ReportTimeout      time.Duration
}

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:               getEnvOrDefault("STEPFLOW_PORT", ":8080"),
		SQLiteDatabase:     getEnvOrDefault("STEPFLOW_DB_PATH", "file:.///stepflow.sqlite"),
		ArtifactsDir:       getEnvOrDefault("STEPFLOW_ARTIFACTS_DIR", "artifacts"),
		ReportDir:          getEnvOrDefault("STEPFLOW_REPORT_DIR", "reports"),
		DefaultParallelism: getEnvIntOrDefault("STEPFLOW_PARALLELISM", 1),
		QueueSize:          int64(getEnvIntOrDefault("STEPFLOW_QUEUE_SIZE", 3)),
		MaxOutputBytes:     getEnvIntOrDefault("STEPFLOW_MAX_OUTPUT_BYTES", 1<<20),
		ReportTimeout: time.Duration(
			getEnvIntOrDefault("STEPFLOW_REPORT_TIMEOUT_SECONDS", 10),
		) * time.Second,
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid integer in %s: %q, using default %d\n", key, value, defaultValue)
		return defaultValue
	}
	return v
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv loads KEY=VALUE lines from a dotenv file into the process
// environment. Missing file is not an error; settings fall back to
// defaults.
func ReadDotenv(path string) {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			split := strings.Split(string(line), "=")
			name := strings.TrimSpace(split[0])
			value := strings.TrimSpace(split[1])
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
}
