package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/spmctl/internal/conditioning"
	"github.com/danmuck/spmctl/internal/config"
	"github.com/danmuck/spmctl/internal/instrument"
	"github.com/danmuck/spmctl/internal/monitor"
	"github.com/danmuck/spmctl/internal/protocol/session"
	"github.com/danmuck/spmctl/internal/runlog"
	"github.com/danmuck/spmctl/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	streamQueue    = 256
	stopLogTimeout = 5 * time.Second
)

type Service struct {
	settings config.Settings
	runID    string

	mu   sync.RWMutex
	ctrl *conditioning.Controller
	buf  *telemetry.Buffer
}

func NewService(s config.Settings) *Service {
	return &Service{settings: s, runID: uuid.NewString()}
}

func (s *Service) RunID() string {
	return s.runID
}

// Controller returns the active controller, or nil before Run builds it.
func (s *Service) Controller() *conditioning.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctrl
}

// Run conditions the tip once. Every resource it opens is released before
// it returns.
func (s *Service) Run(ctx context.Context) (conditioning.Result, error) {
	logger := log.With().Str("run_id", s.runID).Logger()
	logger.Info().Str("instrument", s.settings.Session.Address).Msg("runner: starting")

	scope := &conditioning.Scope{}
	ctrl, err := s.build(ctx, scope)
	if err != nil {
		if cerr := scope.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return conditioning.Result{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	var res conditioning.Result
	if m := s.settings.Monitor; m.Enabled {
		mctx, stopMonitor := context.WithCancel(gctx)
		srv := monitor.New(m.Addr, s.runID, m.CorsOrigins, ctrl, s.telemetrySource())
		g.Go(func() error { return srv.Serve(mctx) })
		g.Go(func() error {
			defer stopMonitor()
			var err error
			res, err = ctrl.Run(gctx)
			return err
		})
	} else {
		g.Go(func() error {
			var err error
			res, err = ctrl.Run(gctx)
			return err
		})
	}
	err = g.Wait()
	logger.Info().
		Stringer("shape", res.Shape).
		Int("cycles", res.Cycles).
		Float64("pulse_v", res.PulseVoltage).
		Dur("elapsed", res.Elapsed).
		Msg("runner: finished")
	return res, err
}

func (s *Service) build(ctx context.Context, scope *conditioning.Scope) (*conditioning.Controller, error) {
	cfg := s.settings
	sess, err := session.Dial(ctx, cfg.Session)
	if err != nil {
		return nil, err
	}
	scope.Defer("session", sess.Close)
	client := instrument.New(sess).WithPollInterval(cfg.PollInterval)

	opts := []conditioning.Option{}
	if cfg.Log.RunLog != "" {
		rl, err := runlog.Create(cfg.Log.RunLog, s.runID)
		if err != nil {
			return nil, err
		}
		scope.Defer("run log", func() error {
			if cfg.Log.Finalize {
				return rl.Finalize()
			}
			return rl.Close()
		})
		opts = append(opts, conditioning.WithRecorder(rl))
	}

	var source conditioning.SignalSource = conditioning.DirectSource{Reader: client, Signal: cfg.Conditioning.Signal}
	if cfg.Telemetry.Enabled {
		buf, err := s.startTelemetry(ctx, client, scope)
		if err != nil {
			return nil, err
		}
		source = conditioning.FallbackSource{
			Primary: conditioning.BufferSource{
				Buffer:  buf,
				Channel: cfg.StreamChannel(),
				Settle:  cfg.Telemetry.Settle,
				Window:  cfg.Telemetry.Window,
			},
			Secondary: source,
		}
	}

	opts = append(opts, conditioning.WithRelease("resources", scope.Close))
	ctrl, err := conditioning.New(cfg.Conditioning, client, source, opts...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ctrl = ctrl
	s.mu.Unlock()
	return ctrl, nil
}

// startTelemetry configures the data logger, connects the stream, and starts
// buffering. Releases are registered as each piece comes up.
func (s *Service) startTelemetry(ctx context.Context, client *instrument.Client, scope *conditioning.Scope) (*telemetry.Buffer, error) {
	tc := s.settings.Telemetry
	if status, err := client.WaitLogIdle(ctx, tc.LogTimeout); err != nil {
		return nil, fmt.Errorf("runner: data logger stuck in %s: %w", status, err)
	}
	if err := client.SetLogChannels(ctx, tc.Signals); err != nil {
		return nil, err
	}
	if tc.Oversampling > 0 {
		if err := client.SetLogOversampling(ctx, tc.Oversampling); err != nil {
			return nil, err
		}
	}

	stream, err := telemetry.DialStream(ctx, tc.Address, s.settings.Session.ConnectTimeout, streamQueue)
	if err != nil {
		return nil, err
	}
	scope.Defer("stream", stream.Close)

	if err := client.StartLog(ctx); err != nil {
		return nil, err
	}
	scope.Defer("data logger", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), stopLogTimeout)
		defer cancel()
		return client.StopLog(ctx)
	})

	buf, err := telemetry.NewBuffer(stream.Frames(), tc.Capacity)
	if err != nil {
		return nil, err
	}
	scope.Defer("buffer", buf.Stop)

	s.mu.Lock()
	s.buf = buf
	s.mu.Unlock()
	log.Info().
		Ints("signals", tc.Signals).
		Int("capacity", tc.Capacity).
		Str("addr", tc.Address).
		Msg("runner: telemetry streaming")
	return buf, nil
}

func (s *Service) telemetrySource() monitor.TelemetrySource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil {
		return nil
	}
	return s.buf
}
