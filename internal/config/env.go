package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=value pairs from the given dotenv files into the process
// environment. Variables already set are not overridden. Missing files are
// skipped; with no arguments ".env" in the working directory is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		err := godotenv.Load(f)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config: env file not found, skipping", "path", f)
		case err != nil:
			return fmt.Errorf("config: load env %q: %w", f, err)
		default:
			slog.Debug("config: env file loaded", "path", f)
		}
	}
	return nil
}

// ExpandEnv replaces ${VAR} and $VAR references in data with values from the
// process environment. Unset variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
