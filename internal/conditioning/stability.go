package conditioning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrSweep = errors.New("conditioning: invalid sweep")

// restoreTimeout bounds the bias restore, which still runs after ctx ends.
const restoreTimeout = 5 * time.Second

type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityBoth     Polarity = "both"
)

// Sweep configures the bias-sweep stability check.
type Sweep struct {
	Lower         float64
	Upper         float64
	Steps         int
	Dwell         time.Duration
	Polarity      Polarity
	AllowedChange float64
	Budget        time.Duration
}

func (s Sweep) Validate() error {
	switch {
	case !(s.Lower > 0):
		return fmt.Errorf("%w: lower bound %v must be strictly positive", ErrSweep, s.Lower)
	case !(s.Upper > s.Lower):
		return fmt.Errorf("%w: upper bound %v must exceed lower bound %v", ErrSweep, s.Upper, s.Lower)
	case s.Steps <= 0:
		return fmt.Errorf("%w: steps must be positive", ErrSweep)
	case s.Dwell < 0:
		return fmt.Errorf("%w: dwell must not be negative", ErrSweep)
	case !(s.AllowedChange > 0):
		return fmt.Errorf("%w: allowed change must be positive", ErrSweep)
	case s.Budget <= 0:
		return fmt.Errorf("%w: time budget must be positive", ErrSweep)
	}
	switch s.Polarity {
	case PolarityPositive, PolarityNegative, PolarityBoth:
		return nil
	default:
		return fmt.Errorf("%w: unknown polarity %q", ErrSweep, s.Polarity)
	}
}

// Voltages lists the bias values visited by the sweep, in order.
func (s Sweep) Voltages() []float64 {
	mags := make([]float64, 0, s.Steps)
	for i := 0; i < s.Steps; i++ {
		if s.Steps == 1 {
			mags = append(mags, s.Lower)
			break
		}
		mags = append(mags, s.Lower+float64(i)*(s.Upper-s.Lower)/float64(s.Steps-1))
	}
	negate := func(in []float64) []float64 {
		out := make([]float64, len(in))
		for i, v := range in {
			out[i] = -v
		}
		return out
	}
	switch s.Polarity {
	case PolarityNegative:
		return negate(mags)
	case PolarityBoth:
		return append(mags, negate(mags)...)
	default:
		return mags
	}
}

// SweepResult is the outcome of one stability check.
type SweepResult struct {
	Baseline     float64       `json:"baseline"`
	Samples      []float64     `json:"samples"`
	MaxDeviation float64       `json:"max_deviation"`
	Elapsed      time.Duration `json:"elapsed"`
	OverBudget   bool          `json:"over_budget"`
	Stable       bool          `json:"stable"`
}

// EvaluateSweep reports the largest |sample-baseline| and whether it stays
// strictly below allowed. An empty sweep is not stable.
func EvaluateSweep(baseline float64, samples []float64, allowed float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var dev float64
	for _, s := range samples {
		dev = math.Max(dev, math.Abs(s-baseline))
	}
	return dev, dev < allowed
}

// checkStability runs the sweep and restores the bias it found.
func (c *Controller) checkStability(ctx context.Context) (res SweepResult, err error) {
	sw := c.cfg.Sweep
	start := c.now()

	orig, err := c.inst.Bias(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		if rerr := c.inst.SetBias(rctx, orig); rerr != nil {
			err = errors.Join(err, fmt.Errorf("conditioning: restore bias: %w", rerr))
		}
	}()

	if res.Baseline, err = c.signal.Sample(ctx); err != nil {
		return res, err
	}
	for _, v := range sw.Voltages() {
		if c.now().Sub(start) > sw.Budget {
			res.OverBudget = true
			break
		}
		if err := c.inst.SetBias(ctx, float32(v)); err != nil {
			return res, err
		}
		if err := c.sleep(ctx, sw.Dwell); err != nil {
			return res, err
		}
		s, err := c.signal.Sample(ctx)
		if err != nil {
			return res, err
		}
		res.Samples = append(res.Samples, s)
	}
	res.Elapsed = c.now().Sub(start)
	if res.Elapsed > sw.Budget {
		res.OverBudget = true
	}
	res.MaxDeviation, res.Stable = EvaluateSweep(res.Baseline, res.Samples, sw.AllowedChange)
	res.Stable = res.Stable && !res.OverBudget
	return res, nil
}
