package conditioning

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/spmctl/internal/instrument"
	"github.com/danmuck/spmctl/internal/runlog"
	"github.com/danmuck/spmctl/internal/testutil/testlog"
)

func steppingMethod() PulseMethod {
	return SteppingPulse(Stepping{
		Lower:            1,
		Upper:            4,
		Steps:            3,
		CyclesBeforeStep: 2,
		Threshold:        ConstantThreshold(0.5),
	})
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestStepperStepsAfterUnchangedCycles(t *testing.T) {
	testlog.Start(t)
	s := NewStepper(steppingMethod())
	if s.Voltage() != 1 {
		t.Fatalf("initial voltage=%v want=1", s.Voltage())
	}

	// newest-first history; changes stay below the 0.5 threshold
	r := s.Update([]float64{10.1, 10.0})
	if r.Significant || r.Stepped || s.Voltage() != 1 || s.CyclesWithoutChange() != 1 {
		t.Fatalf("first quiet cycle: %+v voltage=%v cwc=%d", r, s.Voltage(), s.CyclesWithoutChange())
	}
	r = s.Update([]float64{10.2, 10.1, 10.0})
	if !r.Stepped || s.Voltage() != 2 || s.CyclesWithoutChange() != 0 {
		t.Fatalf("second quiet cycle: %+v voltage=%v cwc=%d", r, s.Voltage(), s.CyclesWithoutChange())
	}
}

func TestStepperClampsAtUpperBound(t *testing.T) {
	testlog.Start(t)
	s := NewStepper(steppingMethod())
	quiet := []float64{5, 5, 5, 5}
	for i := 0; i < 6; i++ {
		s.Update(quiet)
	}
	if s.Voltage() != 4 {
		t.Fatalf("voltage=%v want=4", s.Voltage())
	}
	s.Update(quiet)
	r := s.Update(quiet)
	if !r.Stepped || s.Voltage() != 4 || s.CyclesWithoutChange() != 0 {
		t.Fatalf("step at upper bound: %+v voltage=%v cwc=%d", r, s.Voltage(), s.CyclesWithoutChange())
	}
}

func TestStepperBaselineUsesStableRunMean(t *testing.T) {
	testlog.Start(t)
	s := NewStepper(SteppingPulse(Stepping{
		Lower: 1, Upper: 4, Steps: 3, CyclesBeforeStep: 5,
		Threshold: ConstantThreshold(1),
	}))
	s.Update([]float64{0.0, 0.2})
	s.Update([]float64{0.4, 0.0, 0.2})
	if s.CyclesWithoutChange() != 2 {
		t.Fatalf("cwc=%d want=2", s.CyclesWithoutChange())
	}
	// baseline is mean(0.4, 0.0) = 0.2, so +1.2 is a significant rise
	r := s.Update([]float64{1.4, 0.4, 0.0, 0.2})
	if !near(r.Change, 1.2) || !r.Significant || !r.Reset {
		t.Fatalf("unexpected result: %+v", r)
	}
	if s.Voltage() != 1 || s.CyclesWithoutChange() != 0 {
		t.Fatalf("voltage=%v cwc=%d", s.Voltage(), s.CyclesWithoutChange())
	}
}

func TestStepperSignificantDropCountsTowardStep(t *testing.T) {
	testlog.Start(t)
	s := NewStepper(steppingMethod())
	r := s.Update([]float64{-3, 0})
	if !r.Significant || r.Reset || s.CyclesWithoutChange() != 1 {
		t.Fatalf("significant drop: %+v cwc=%d", r, s.CyclesWithoutChange())
	}
}

func TestStepperShortHistoryResets(t *testing.T) {
	testlog.Start(t)
	s := NewStepper(steppingMethod())
	s.Update([]float64{1, 1})
	r := s.Update([]float64{1})
	if !r.Significant || !r.Reset || r.Change != 0 || s.CyclesWithoutChange() != 0 {
		t.Fatalf("short history: %+v cwc=%d", r, s.CyclesWithoutChange())
	}
}

func TestFixedPulseNeverSteps(t *testing.T) {
	testlog.Start(t)
	s := NewStepper(FixedPulse(2.5))
	for i := 0; i < 5; i++ {
		s.Update([]float64{1, 1, 1})
	}
	if s.Voltage() != 2.5 {
		t.Fatalf("voltage=%v", s.Voltage())
	}
}

func TestThresholdKinds(t *testing.T) {
	testlog.Start(t)
	if got := ConstantThreshold(0.3).Eval(100); got != 0.3 {
		t.Fatalf("constant=%v", got)
	}
	prop := Threshold{Kind: ThresholdProportional, Fraction: 0.1, Floor: 0.5}
	if got := prop.Eval(-20); !near(got, 2) {
		t.Fatalf("proportional=%v", got)
	}
	if got := prop.Eval(1); got != 0.5 {
		t.Fatalf("proportional floor=%v", got)
	}
	curve := Threshold{Kind: ThresholdCurve, Points: []CurvePoint{
		{Signal: -10, Threshold: 2},
		{Signal: 0, Threshold: 1},
	}}
	if got := curve.Eval(-5); !near(got, 1.5) {
		t.Fatalf("curve mid=%v", got)
	}
	if got := curve.Eval(-50); got != 2 {
		t.Fatalf("curve below=%v", got)
	}
	if got := curve.Eval(7); got != 1 {
		t.Fatalf("curve above=%v", got)
	}
	bad := Threshold{Kind: ThresholdCurve, Points: []CurvePoint{{Signal: 1}, {Signal: 1}}}
	if err := bad.Validate(); !errors.Is(err, ErrThreshold) {
		t.Fatalf("expected ErrThreshold, got %v", err)
	}
}

func TestSweepVoltages(t *testing.T) {
	testlog.Start(t)
	sw := Sweep{Lower: 0.5, Upper: 1.5, Steps: 3, Polarity: PolarityBoth}
	got := sw.Voltages()
	want := []float64{0.5, 1, 1.5, -0.5, -1, -1.5}
	if len(got) != len(want) {
		t.Fatalf("voltages=%v", got)
	}
	for i := range want {
		if !near(got[i], want[i]) {
			t.Fatalf("voltages=%v want=%v", got, want)
		}
	}
	sw.Polarity = PolarityNegative
	if v := sw.Voltages(); len(v) != 3 || v[0] != -0.5 {
		t.Fatalf("negative sweep=%v", v)
	}
	sw.Steps = 1
	sw.Polarity = PolarityPositive
	if v := sw.Voltages(); len(v) != 1 || v[0] != 0.5 {
		t.Fatalf("single step sweep=%v", v)
	}
}

func TestEvaluateSweep(t *testing.T) {
	testlog.Start(t)
	dev, stable := EvaluateSweep(-5, []float64{-5.1, -4.8, -5.25}, 0.3)
	if !stable || !near(dev, 0.25) {
		t.Fatalf("expected stable with dev 0.25, got stable=%v dev=%v", stable, dev)
	}
	dev, stable = EvaluateSweep(-5, []float64{-5.1, -4.6, -5.0}, 0.3)
	if stable || !near(dev, 0.4) {
		t.Fatalf("expected unstable with dev 0.4, got stable=%v dev=%v", stable, dev)
	}
	if _, stable := EvaluateSweep(0, []float64{0.3}, 0.3); stable {
		t.Fatalf("deviation equal to allowed change must not be stable")
	}
	if _, stable := EvaluateSweep(0, nil, 1); stable {
		t.Fatalf("empty sweep must not be stable")
	}
}

func TestSweepValidateRequiresPositiveLower(t *testing.T) {
	testlog.Start(t)
	sw := testConfig().Sweep
	sw.Lower = 0
	if err := sw.Validate(); !errors.Is(err, ErrSweep) {
		t.Fatalf("expected ErrSweep, got %v", err)
	}
}

func TestScopeRunsAllReleasesInReverse(t *testing.T) {
	testlog.Start(t)
	var order []string
	boom := errors.New("boom")
	var s Scope
	s.Defer("first", func() error { order = append(order, "first"); return nil })
	s.Defer("second", func() error { order = append(order, "second"); return boom })
	s.Defer("third", func() error { order = append(order, "third"); return nil })

	if err := s.Close(); !errors.Is(err, boom) {
		t.Fatalf("expected joined boom, got %v", err)
	}
	if len(order) != 3 || order[0] != "third" || order[2] != "first" {
		t.Fatalf("release order=%v", order)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("releases ran twice")
	}
}

type fakeInstrument struct {
	mu       sync.Mutex
	bias     float32
	biasLog  []float32
	pulses   []instrument.Pulse
	moves    int
	pulseErr error
}

// SetBias fails on a finished ctx before touching state, as the session does.
func (f *fakeInstrument) SetBias(ctx context.Context, v float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bias = v
	f.biasLog = append(f.biasLog, v)
	return nil
}

func (f *fakeInstrument) Bias(context.Context) (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bias, nil
}

func (f *fakeInstrument) BiasPulse(_ context.Context, p instrument.Pulse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pulseErr != nil {
		return f.pulseErr
	}
	f.pulses = append(f.pulses, p)
	return nil
}

func (f *fakeInstrument) SetZSetpoint(context.Context, float32) error { return nil }

func (f *fakeInstrument) AutoApproach(context.Context, time.Duration) error { return nil }

func (f *fakeInstrument) MoveBy(_ context.Context, dx, dy float64) (instrument.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves++
	return instrument.Position{X: float64(f.moves) * dx, Y: float64(f.moves) * dy}, nil
}

// scriptSource replays values, repeating the last one.
type scriptSource struct {
	vals []float64
	i    int
}

func (s *scriptSource) Sample(context.Context) (float64, error) {
	v := s.vals[min(s.i, len(s.vals)-1)]
	s.i++
	return v, nil
}

type memRecorder struct {
	records []runlog.Record
}

func (m *memRecorder) Append(r runlog.Record) error {
	m.records = append(m.records, r)
	return nil
}

func testConfig() Config {
	return Config{
		Signal:          0,
		InitialBias:     0.5,
		ZSetpoint:       -1,
		ApproachTimeout: time.Second,
		Bounds:          Bounds{Lower: -10, Upper: -2},
		Pulse:           steppingMethod(),
		PulseWidth:      50 * time.Millisecond,
		StepX:           1e-9,
		Sweep: Sweep{
			Lower:         0.1,
			Upper:         0.3,
			Steps:         3,
			Polarity:      PolarityPositive,
			AllowedChange: 0.5,
			Budget:        10 * time.Second,
		},
		HistoryLimit: 10,
	}
}

func TestControllerReachesStable(t *testing.T) {
	testlog.Start(t)
	inst := &fakeInstrument{}
	src := &scriptSource{vals: []float64{
		0,    // prepare: blunt
		0.1,  // bad loop 1: blunt, quiet
		-5,   // bad loop 2: sharp, significant drop -> step
		-5,   // sweep baseline
		-5.1, // sweep samples
		-4.9,
		-5.2,
	}}
	rec := &memRecorder{}
	released := 0
	c, err := New(testConfig(), inst, src,
		WithRecorder(rec),
		WithRelease("count", func() error { released++; return nil }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Shape != Stable || res.Cycles != 3 || res.PulseVoltage != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(inst.pulses) != 2 || inst.pulses[0].Volts != 1 || !inst.pulses[0].Wait {
		t.Fatalf("unexpected pulses: %+v", inst.pulses)
	}
	if last := inst.biasLog[len(inst.biasLog)-1]; last != 0.5 {
		t.Fatalf("bias not restored after sweep: %v", inst.biasLog)
	}
	if released != 1 {
		t.Fatalf("release ran %d times", released)
	}

	snap := c.Snapshot()
	if snap.Shape != Stable || snap.LastSweep == nil || !snap.LastSweep.Stable {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if h := c.History(0); len(h) != 3 || h[0] != -5 || h[2] != 0 {
		t.Fatalf("history=%v", h)
	}
	if sigs := c.Signals(); len(sigs) != 1 || sigs[0] != 0 {
		t.Fatalf("signals=%v", sigs)
	}

	events := make([]string, len(rec.records))
	for i, r := range rec.records {
		events[i] = r.Event
	}
	if len(events) != 6 || events[0] != "start" || events[1] != "prepare" || events[5] != "finish" {
		t.Fatalf("recorded events=%v", events)
	}
	if rec.records[5].Error != "" || rec.records[5].Shape != "stable" {
		t.Fatalf("unexpected finish record: %+v", rec.records[5])
	}
}

func TestControllerUnstableSweepRepositions(t *testing.T) {
	testlog.Start(t)
	inst := &fakeInstrument{}
	src := &scriptSource{vals: []float64{
		-5, // prepare: sharp
		-5, // sweep baseline
		-5, // sweep samples, one jumps past the allowed change
		-6,
		-5,
		0, // reposition reading: blunt
	}}
	cfg := testConfig()
	cfg.MaxCycles = 1
	c, err := New(cfg, inst, src)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.Run(context.Background())
	if !errors.Is(err, ErrCycleLimit) {
		t.Fatalf("expected ErrCycleLimit, got %v", err)
	}
	if c.Shape() != Blunt || inst.moves != 1 {
		t.Fatalf("shape=%v moves=%d", c.Shape(), inst.moves)
	}
	if sw := c.Snapshot().LastSweep; sw == nil || sw.Stable || !near(sw.MaxDeviation, 1) {
		t.Fatalf("unexpected sweep: %+v", sw)
	}
}

func TestControllerCycleLimit(t *testing.T) {
	testlog.Start(t)
	inst := &fakeInstrument{}
	cfg := testConfig()
	cfg.MaxCycles = 3
	cleanupErr := errors.New("stop stream failed")
	c, err := New(cfg, inst, &scriptSource{vals: []float64{0}},
		WithRelease("stream", func() error { return cleanupErr }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Run(context.Background())
	if !errors.Is(err, ErrCycleLimit) || !errors.Is(err, cleanupErr) {
		t.Fatalf("expected cycle limit joined with cleanup error, got %v", err)
	}
	if res.Cycles != 3 || len(inst.pulses) != 3 {
		t.Fatalf("cycles=%d pulses=%d", res.Cycles, len(inst.pulses))
	}
}

func TestControllerInstrumentErrorIsFatal(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("socket reset")
	inst := &fakeInstrument{pulseErr: boom}
	released := false
	c, err := New(testConfig(), inst, &scriptSource{vals: []float64{0}},
		WithRelease("flag", func() error { released = true; return nil }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected instrument error, got %v", err)
	}
	if !released {
		t.Fatalf("release skipped on error path")
	}
}

func TestControllerStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := New(testConfig(), &fakeInstrument{}, &scriptSource{vals: []float64{0}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestStabilityOverBudgetIsNotStable(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Sweep.Budget = 2500 * time.Millisecond
	clock := &stepClock{t: time.Unix(1700000000, 0), step: time.Second}
	c, err := New(cfg, &fakeInstrument{}, &scriptSource{vals: []float64{-5}}, WithClock(clock.now))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.checkStability(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Stable || !res.OverBudget || len(res.Samples) != 2 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HistoryLimit = 2
	if _, err := New(cfg, &fakeInstrument{}, &scriptSource{vals: []float64{0}}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	cfg = testConfig()
	cfg.Pulse = PulseMethod{Kind: "ramp"}
	if err := cfg.Validate(); !errors.Is(err, ErrPulseMethod) {
		t.Fatalf("expected ErrPulseMethod, got %v", err)
	}
}

func TestStabilityRestoresBiasAfterCancel(t *testing.T) {
	testlog.Start(t)
	inst := &fakeInstrument{bias: 0.5}
	c, err := New(testConfig(), inst, &scriptSource{vals: []float64{-5}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err = c.checkStability(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(inst.biasLog) != 2 || inst.biasLog[0] != 0.1 || inst.biasLog[1] != 0.5 {
		t.Fatalf("bias sets=%v want [0.1 0.5]", inst.biasLog)
	}
}

func TestGoodLoopRepositionSkipsStepHistory(t *testing.T) {
	testlog.Start(t)
	src := &scriptSource{vals: []float64{
		-5, // prepare: sharp
		-5, // sweep baseline
		-9, // sweep samples exceed the allowed change
		-5,
		-5,
		-4, // reposition reading: still sharp
	}}
	cfg := testConfig()
	cfg.MaxCycles = 1
	c, err := New(cfg, &fakeInstrument{}, src)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Run(context.Background()); !errors.Is(err, ErrCycleLimit) {
		t.Fatalf("expected ErrCycleLimit, got %v", err)
	}
	if h := c.History(0); len(h) != 1 || h[0] != -5 {
		t.Fatalf("history=%v want only the prepare reading", h)
	}
	if c.Shape() != Sharp {
		t.Fatalf("shape=%v", c.Shape())
	}
}
