// Package observability provides logging, metrics, and tracing shared by
// every process in this module (web tier, scheduler, worker, proxy).
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/contest-core/internal/config"
)

// SetupLogger configures a JSON slog logger tagged with service and
// environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
