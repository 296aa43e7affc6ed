package conditioning

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/spmctl/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// SignalSource returns the current value of the monitored signal.
type SignalSource interface {
	Sample(ctx context.Context) (float64, error)
}

// BufferSource averages one stream channel over a recent window after
// letting the signal settle.
type BufferSource struct {
	Buffer  *telemetry.Buffer
	Channel int
	Settle  time.Duration
	Window  time.Duration
}

func (s BufferSource) Sample(ctx context.Context) (float64, error) {
	if err := sleepCtx(ctx, s.Settle); err != nil {
		return 0, err
	}
	return telemetry.ChannelMean(s.Buffer.Recent(s.Window), s.Channel)
}

// SignalReader is the single-value read used by DirectSource.
type SignalReader interface {
	SignalValue(ctx context.Context, index int, waitNewest bool) (float32, error)
}

// DirectSource reads the signal over the control socket.
type DirectSource struct {
	Reader SignalReader
	Signal int
}

func (s DirectSource) Sample(ctx context.Context) (float64, error) {
	v, err := s.Reader.SignalValue(ctx, s.Signal, true)
	return float64(v), err
}

// FallbackSource uses Secondary when Primary has no buffered frames.
type FallbackSource struct {
	Primary   SignalSource
	Secondary SignalSource
}

func (s FallbackSource) Sample(ctx context.Context) (float64, error) {
	v, err := s.Primary.Sample(ctx)
	if errors.Is(err, telemetry.ErrNoFrames) {
		log.Debug().Msg("conditioning: no buffered frames, reading signal directly")
		return s.Secondary.Sample(ctx)
	}
	return v, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
