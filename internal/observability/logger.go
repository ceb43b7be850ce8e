package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunLogger tags the global logger with one run's identity.
func RunLogger(app, runID, mode string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Str("run_id", runID).Str("mode", mode).Logger()
}
