package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/beamctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start switches logging to the test profile and brackets the test's log
// output with its name and result.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	start := time.Now()
	log.Info().Msgf("testlog.Start test=%s", t.Name())
	t.Cleanup(func() {
		log.Info().Msgf("testlog.Done test=%s failed=%t elapsed=%s", t.Name(), t.Failed(), time.Since(start).Round(time.Millisecond))
	})
}
