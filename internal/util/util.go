package util

import (
	"os"
	"strings"
)

func AsPtr[T any](v T) *T {
	return &v
}

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	return false, err
}

func GetEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

// ShellQuoteJoin renders argument tokens as one shell command line for
// transports that only accept a command string (SSH sessions).
func ShellQuoteJoin(command []string) string {
	quoted := make([]string, len(command))
	for i, arg := range command {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\$&|;<>()*?[]#~`{}") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		} else {
			quoted[i] = arg
		}
	}
	return strings.Join(quoted, " ")
}
