package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger from Config. Production always emits
// JSON for the log pipeline and drops source locations; development defaults
// to text unless LOG_FORMAT=json is set.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: !cfg.IsProduction()}
	if cfg.IsProduction() || (cfg != nil && cfg.LogFormat == "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
