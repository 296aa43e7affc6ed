package conditioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/spmctl/internal/instrument"
	"github.com/danmuck/spmctl/internal/observability"
	"github.com/danmuck/spmctl/internal/runlog"
	"github.com/rs/zerolog/log"
)

var (
	ErrCycleLimit = errors.New("conditioning: cycle limit reached")
	ErrConfig     = errors.New("conditioning: invalid config")
)

// Instrument is the subset of instrument commands the controller drives.
type Instrument interface {
	SetBias(ctx context.Context, volts float32) error
	Bias(ctx context.Context) (float32, error)
	BiasPulse(ctx context.Context, p instrument.Pulse) error
	SetZSetpoint(ctx context.Context, setpoint float32) error
	AutoApproach(ctx context.Context, timeout time.Duration) error
	MoveBy(ctx context.Context, dx, dy float64) (instrument.Position, error)
}

// Recorder receives one record per controller event. *runlog.Writer
// implements it.
type Recorder interface {
	Append(runlog.Record) error
}

type Config struct {
	Signal          int
	InitialBias     float32
	ZSetpoint       float32
	ApproachTimeout time.Duration
	Bounds          Bounds
	Pulse           PulseMethod
	PulseWidth      time.Duration
	StepX           float64
	StepY           float64
	Sweep           Sweep
	HistoryLimit    int
	MaxCycles       int
}

func (c Config) Validate() error {
	if c.Bounds.Lower > c.Bounds.Upper {
		return fmt.Errorf("%w: signal bounds (%v, %v)", ErrConfig, c.Bounds.Lower, c.Bounds.Upper)
	}
	if c.PulseWidth <= 0 {
		return fmt.Errorf("%w: pulse width must be positive", ErrConfig)
	}
	if c.ApproachTimeout <= 0 {
		return fmt.Errorf("%w: approach timeout must be positive", ErrConfig)
	}
	if c.MaxCycles < 0 {
		return fmt.Errorf("%w: max cycles must not be negative", ErrConfig)
	}
	if c.Pulse.Kind == PulseStepping && c.HistoryLimit <= c.Pulse.Stepping.CyclesBeforeStep {
		return fmt.Errorf("%w: history limit %d must exceed cycles before step %d",
			ErrConfig, c.HistoryLimit, c.Pulse.Stepping.CyclesBeforeStep)
	}
	if err := c.Pulse.Validate(); err != nil {
		return err
	}
	return c.Sweep.Validate()
}

type Option func(*Controller)

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithRelease registers cleanup that Run performs on every exit path.
func WithRelease(name string, fn func() error) Option {
	return func(c *Controller) { c.scope.Defer(name, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller drives one conditioning run. Run is not reentrant; Snapshot and
// the accessors are safe from other goroutines.
type Controller struct {
	cfg      Config
	inst     Instrument
	signal   SignalSource
	recorder Recorder
	scope    Scope
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	shape   TipShape
	stepper *Stepper
	history *SignalHistory
	cycle   int

	mu   sync.RWMutex
	snap Snapshot
}

func New(cfg Config, inst Instrument, signal SignalSource, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:     cfg,
		inst:    inst,
		signal:  signal,
		now:     time.Now,
		sleep:   sleepCtx,
		shape:   Blunt,
		stepper: NewStepper(cfg.Pulse),
		history: NewSignalHistory(cfg.HistoryLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publish("init", nil)
	return c, nil
}

// Result summarizes a finished run.
type Result struct {
	Shape        TipShape
	Cycles       int
	PulseVoltage float64
	Elapsed      time.Duration
}

// Run conditions the tip until it is Stable, ctx is cancelled, the cycle
// limit is hit, or an instrument call fails. Registered releases run before
// Run returns.
func (c *Controller) Run(ctx context.Context) (res Result, err error) {
	start := c.now()
	defer func() {
		res = Result{Shape: c.shape, Cycles: c.cycle, PulseVoltage: c.stepper.Voltage(), Elapsed: c.now().Sub(start)}
		c.finish(err)
		if cerr := c.scope.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	c.record(runlog.Record{Event: "start", PulseVoltage: c.stepper.Voltage()})
	if err := c.prepare(ctx); err != nil {
		return res, err
	}

	for c.shape != Stable {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if c.cfg.MaxCycles > 0 && c.cycle >= c.cfg.MaxCycles {
			return res, fmt.Errorf("%w: %d", ErrCycleLimit, c.cycle)
		}
		c.cycle++
		switch c.shape {
		case Blunt:
			err = c.badLoop(ctx)
		case Sharp:
			err = c.goodLoop(ctx)
		}
		if err != nil {
			return res, fmt.Errorf("conditioning: cycle %d: %w", c.cycle, err)
		}
	}
	return res, nil
}

func (c *Controller) prepare(ctx context.Context) error {
	if err := c.inst.SetBias(ctx, c.cfg.InitialBias); err != nil {
		return fmt.Errorf("conditioning: initial bias: %w", err)
	}
	if err := c.inst.SetZSetpoint(ctx, c.cfg.ZSetpoint); err != nil {
		return fmt.Errorf("conditioning: z setpoint: %w", err)
	}
	if err := c.inst.AutoApproach(ctx, c.cfg.ApproachTimeout); err != nil {
		return fmt.Errorf("conditioning: auto approach: %w", err)
	}
	v, err := c.signal.Sample(ctx)
	if err != nil {
		return fmt.Errorf("conditioning: initial sample: %w", err)
	}
	c.history.Record(c.cfg.Signal, v)
	c.shape = c.cfg.Bounds.Classify(v)
	log.Info().Float64("signal", v).Stringer("shape", c.shape).Msg("conditioning: initial classification")
	c.publish("prepare", nil)
	c.record(runlog.Record{Event: "prepare", Shape: c.shape.String(), Signal: &v})
	return nil
}

func (c *Controller) badLoop(ctx context.Context) error {
	volts := c.stepper.Voltage()
	if err := c.inst.BiasPulse(ctx, instrument.Pulse{
		Width: c.cfg.PulseWidth,
		Volts: float32(volts),
		Wait:  true,
	}); err != nil {
		return err
	}
	if _, err := c.inst.MoveBy(ctx, c.cfg.StepX, c.cfg.StepY); err != nil {
		return err
	}
	v, err := c.signal.Sample(ctx)
	if err != nil {
		return err
	}
	next := c.cfg.Bounds.Classify(v)
	c.history.Record(c.cfg.Signal, v)
	step := c.stepper.Update(c.history.Values(c.cfg.Signal))
	c.shape = next

	log.Info().
		Int("cycle", c.cycle).
		Float64("pulse_v", volts).
		Float64("signal", v).
		Float64("change", step.Change).
		Bool("significant", step.Significant).
		Stringer("shape", c.shape).
		Msg("conditioning: bad loop")
	c.publish("bad", nil)
	c.record(runlog.Record{
		Event:        "cycle",
		Loop:         "bad",
		Shape:        c.shape.String(),
		PulseVoltage: volts,
		Signal:       &v,
		Details: map[string]any{
			"change":      step.Change,
			"threshold":   step.Threshold,
			"significant": step.Significant,
			"reset":       step.Reset,
			"stepped":     step.Stepped,
			"next_pulse":  step.Voltage,
		},
	})
	return nil
}

func (c *Controller) goodLoop(ctx context.Context) error {
	sweep, err := c.checkStability(ctx)
	if err != nil {
		return err
	}
	details := map[string]any{
		"baseline":      sweep.Baseline,
		"max_deviation": sweep.MaxDeviation,
		"over_budget":   sweep.OverBudget,
		"samples":       len(sweep.Samples),
	}
	if sweep.Stable {
		c.shape = Stable
	} else {
		if _, err := c.inst.MoveBy(ctx, c.cfg.StepX, c.cfg.StepY); err != nil {
			return err
		}
		// Only prepare and bad-loop readings feed the stepping history.
		v, err := c.signal.Sample(ctx)
		if err != nil {
			return err
		}
		c.shape = c.cfg.Bounds.Classify(v)
		details["signal"] = v
	}

	log.Info().
		Int("cycle", c.cycle).
		Float64("max_dev", sweep.MaxDeviation).
		Bool("stable", sweep.Stable).
		Stringer("shape", c.shape).
		Msg("conditioning: good loop")
	c.publish("good", &sweep)
	c.record(runlog.Record{
		Event:        "cycle",
		Loop:         "good",
		Shape:        c.shape.String(),
		PulseVoltage: c.stepper.Voltage(),
		Details:      details,
	})
	return nil
}

func (c *Controller) finish(err error) {
	r := runlog.Record{Event: "finish", Shape: c.shape.String(), PulseVoltage: c.stepper.Voltage()}
	if err != nil {
		r.Error = err.Error()
		log.Error().Err(err).Int("cycle", c.cycle).Msg("conditioning: run ended")
	} else {
		log.Info().Int("cycles", c.cycle).Msg("conditioning: tip stable")
	}
	c.record(r)
}

func (c *Controller) record(r runlog.Record) {
	if c.recorder == nil {
		return
	}
	r.Cycle = c.cycle
	if err := c.recorder.Append(r); err != nil {
		log.Warn().Err(err).Str("event", r.Event).Msg("conditioning: run log append failed")
	}
}

func (c *Controller) publish(loop string, sweep *SweepResult) {
	snap := Snapshot{
		Shape:               c.shape,
		Cycle:               c.cycle,
		PulseVoltage:        c.stepper.Voltage(),
		CyclesWithoutChange: c.stepper.CyclesWithoutChange(),
		Histories:           c.history.Copy(),
		UpdatedAt:           c.now(),
	}
	c.mu.Lock()
	if sweep != nil {
		s := *sweep
		snap.LastSweep = &s
	} else {
		snap.LastSweep = c.snap.LastSweep
	}
	c.snap = snap
	c.mu.Unlock()
	if loop == "bad" || loop == "good" {
		observability.RecordCycle(loop, c.shape.String(), int(c.shape), snap.PulseVoltage)
	}
}
