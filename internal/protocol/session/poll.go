package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/spmctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Condition reports whether a polled instrument state has been reached.
type Condition func(ctx context.Context) (bool, error)

// Poll evaluates cond every interval until it reports true or timeout elapses.
// Instrument-reported errors count as "not yet"; any other error ends the poll.
func Poll(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	stop := time.Now().Add(timeout)
	var last error
	for attempt := 1; ; attempt++ {
		done, err := cond(ctx)
		switch {
		case err == nil && done:
			return nil
		case err != nil && !frame.IsServerError(err):
			return err
		case err != nil:
			last = err
			log.Debug().Int("attempt", attempt).Err(err).Msg("session: poll condition reported server error")
		}
		if !time.Now().Add(interval).Before(stop) {
			if last != nil {
				return fmt.Errorf("%w: condition not met after %s: last error: %v", ErrTimeout, timeout, last)
			}
			return fmt.Errorf("%w: condition not met after %s", ErrTimeout, timeout)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}
