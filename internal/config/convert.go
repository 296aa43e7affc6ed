package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/spmctl/internal/conditioning"
	"github.com/danmuck/spmctl/internal/logging"
	"github.com/danmuck/spmctl/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Settings is the resolved, typed configuration.
type Settings struct {
	Session      session.Config
	PollInterval time.Duration
	Telemetry    Telemetry
	Conditioning conditioning.Config
	Log          Log
	Monitor      MonitorConfig
}

type Telemetry struct {
	Enabled      bool
	Address      string
	Signals      []int
	Oversampling int32
	Capacity     int
	Window       time.Duration
	Settle       time.Duration
	LogTimeout   time.Duration
}

type Log struct {
	Level    zerolog.Level
	JSON     bool
	RunLog   string
	Finalize bool
}

// durations parses each named field, reporting the first failure by key.
type durations struct {
	err error
}

func (d *durations) parse(key, raw string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		return 0
	}
	return v
}

// Resolve converts file values into Settings and validates them.
func (f File) Resolve() (Settings, error) {
	var d durations
	in := f.Instrument
	sess := session.DefaultConfig()
	sess.Address = strings.TrimSpace(in.Address)
	sess.ConnectTimeout = d.parse("instrument.connect_timeout", in.ConnectTimeout)
	sess.ReadTimeout = d.parse("instrument.read_timeout", in.ReadTimeout)
	sess.WriteTimeout = d.parse("instrument.write_timeout", in.WriteTimeout)
	sess.MaxReadAttempts = in.MaxReadAttempts
	sess.MaxConnectAttempts = in.ConnectAttempts
	poll := d.parse("instrument.poll_interval", in.PollInterval)

	tc := f.Telemetry
	tel := Telemetry{
		Enabled:      tc.Enabled,
		Address:      strings.TrimSpace(tc.Address),
		Signals:      tc.Signals,
		Oversampling: int32(tc.Oversampling),
		Capacity:     tc.Capacity,
		Window:       d.parse("telemetry.window", tc.Window),
		Settle:       d.parse("telemetry.settle", tc.Settle),
		LogTimeout:   d.parse("telemetry.log_timeout", tc.LogTimeout),
	}

	cc := f.Conditioning
	pc := cc.Pulse
	sc := cc.Stability
	cond := conditioning.Config{
		Signal:          cc.Signal,
		InitialBias:     float32(cc.InitialBias),
		ZSetpoint:       float32(cc.ZSetpoint),
		ApproachTimeout: d.parse("conditioning.approach_timeout", cc.ApproachTimeout),
		Bounds:          conditioning.Bounds{Lower: cc.SignalBounds[0], Upper: cc.SignalBounds[1]},
		PulseWidth:      d.parse("conditioning.pulse.width", pc.Width),
		StepX:           cc.Step[0],
		StepY:           cc.Step[1],
		HistoryLimit:    cc.HistoryLimit,
		MaxCycles:       cc.MaxCycles,
		Sweep: conditioning.Sweep{
			Lower:         sc.BiasRange[0],
			Upper:         sc.BiasRange[1],
			Steps:         sc.Steps,
			Dwell:         d.parse("conditioning.stability.dwell", sc.Dwell),
			Polarity:      conditioning.Polarity(strings.ToLower(strings.TrimSpace(sc.Polarity))),
			AllowedChange: sc.AllowedChange,
			Budget:        d.parse("conditioning.stability.time_budget", sc.TimeBudget),
		},
	}
	switch conditioning.PulseKind(strings.ToLower(strings.TrimSpace(pc.Method))) {
	case conditioning.PulseFixed:
		cond.Pulse = conditioning.FixedPulse(pc.Voltage)
	case conditioning.PulseStepping:
		cond.Pulse = conditioning.SteppingPulse(conditioning.Stepping{
			Lower:            pc.VoltageBounds[0],
			Upper:            pc.VoltageBounds[1],
			Steps:            pc.VoltageSteps,
			CyclesBeforeStep: pc.CyclesBeforeStep,
			Threshold:        pc.Threshold,
		})
	default:
		return Settings{}, fmt.Errorf("%w: conditioning.pulse.method %q (want fixed or stepping)", ErrInvalid, pc.Method)
	}
	if d.err != nil {
		return Settings{}, d.err
	}

	level, ok := logging.ParseLevel(f.Log.Level)
	if !ok && strings.TrimSpace(f.Log.Level) != "" {
		return Settings{}, fmt.Errorf("%w: log.level %q", ErrInvalid, f.Log.Level)
	}

	s := Settings{
		Session:      sess,
		PollInterval: poll,
		Telemetry:    tel,
		Conditioning: cond,
		Log: Log{
			Level:    level,
			JSON:     f.Log.JSON,
			RunLog:   strings.TrimSpace(f.Log.RunLog),
			Finalize: f.Log.Finalize,
		},
		Monitor: f.Monitor,
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.Session.Address == "" {
		return fmt.Errorf("%w: instrument.address is required", ErrInvalid)
	}
	if s.Session.MaxReadAttempts <= 0 {
		return fmt.Errorf("%w: instrument.max_read_attempts must be positive", ErrInvalid)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("%w: instrument.poll_interval must be positive", ErrInvalid)
	}
	if t := s.Telemetry; t.Enabled {
		if t.Address == "" {
			return fmt.Errorf("%w: telemetry.address is required when telemetry is enabled", ErrInvalid)
		}
		if len(t.Signals) == 0 {
			return fmt.Errorf("%w: telemetry.signals must name at least one signal", ErrInvalid)
		}
		if t.Capacity <= 0 {
			return fmt.Errorf("%w: telemetry.capacity must be positive", ErrInvalid)
		}
		if t.Window <= 0 {
			return fmt.Errorf("%w: telemetry.window must be positive", ErrInvalid)
		}
		if !slices.Contains(t.Signals, s.Conditioning.Signal) {
			return fmt.Errorf("%w: telemetry.signals must include conditioning.signal %d", ErrInvalid, s.Conditioning.Signal)
		}
	}
	if m := s.Monitor; m.Enabled && strings.TrimSpace(m.Addr) == "" {
		return fmt.Errorf("%w: monitor.addr is required when the monitor is enabled", ErrInvalid)
	}
	if err := s.Conditioning.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// StreamChannel is the position of the conditioning signal in the stream.
func (s Settings) StreamChannel() int {
	for i, sig := range s.Telemetry.Signals {
		if sig == s.Conditioning.Signal {
			return i
		}
	}
	return -1
}
