package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/spmctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and brackets the test with start and done
// lines.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	started := time.Now()
	log.Info().Str("test", t.Name()).Msg("start")
	t.Cleanup(func() {
		log.Info().
			Str("test", t.Name()).
			Bool("failed", t.Failed()).
			Dur("took", time.Since(started)).
			Msg("done")
	})
}
