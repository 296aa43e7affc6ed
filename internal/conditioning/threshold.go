package conditioning

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/danmuck/spmctl/internal/mathx"
)

var ErrThreshold = errors.New("conditioning: invalid threshold")

type ThresholdKind string

const (
	ThresholdConstant     ThresholdKind = "constant"
	ThresholdProportional ThresholdKind = "proportional"
	ThresholdCurve        ThresholdKind = "curve"
)

// CurvePoint maps a signal value to the change that counts as significant.
type CurvePoint struct {
	Signal    float64 `toml:"signal" json:"signal"`
	Threshold float64 `toml:"threshold" json:"threshold"`
}

// Threshold decides how large a signal change must be to count as
// significant at a given signal value.
//
//	constant:     Value
//	proportional: max(Fraction*|signal|, Floor)
//	curve:        piecewise-linear over Points, held flat past either end
type Threshold struct {
	Kind     ThresholdKind `toml:"kind" json:"kind"`
	Value    float64       `toml:"value" json:"value,omitempty"`
	Fraction float64       `toml:"fraction" json:"fraction,omitempty"`
	Floor    float64       `toml:"floor" json:"floor,omitempty"`
	Points   []CurvePoint  `toml:"points" json:"points,omitempty"`
}

func ConstantThreshold(v float64) Threshold {
	return Threshold{Kind: ThresholdConstant, Value: v}
}

func (t Threshold) Eval(signal float64) float64 {
	switch t.Kind {
	case ThresholdProportional:
		return math.Max(t.Fraction*math.Abs(signal), t.Floor)
	case ThresholdCurve:
		return t.curve(signal)
	default:
		return t.Value
	}
}

func (t Threshold) curve(signal float64) float64 {
	pts := t.Points
	if len(pts) == 0 {
		return 0
	}
	if signal <= pts[0].Signal {
		return pts[0].Threshold
	}
	last := pts[len(pts)-1]
	if signal >= last.Signal {
		return last.Threshold
	}
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Signal >= signal })
	a, b := pts[i-1], pts[i]
	return mathx.Lerp(signal, a.Signal, b.Signal, a.Threshold, b.Threshold)
}

func (t Threshold) Validate() error {
	switch t.Kind {
	case ThresholdConstant, "":
		if t.Value < 0 {
			return fmt.Errorf("%w: constant value %v < 0", ErrThreshold, t.Value)
		}
	case ThresholdProportional:
		if t.Fraction <= 0 || t.Floor < 0 {
			return fmt.Errorf("%w: proportional fraction=%v floor=%v", ErrThreshold, t.Fraction, t.Floor)
		}
	case ThresholdCurve:
		if len(t.Points) == 0 {
			return fmt.Errorf("%w: curve has no points", ErrThreshold)
		}
		for i := 1; i < len(t.Points); i++ {
			if t.Points[i].Signal <= t.Points[i-1].Signal {
				return fmt.Errorf("%w: curve points must be strictly increasing in signal", ErrThreshold)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrThreshold, t.Kind)
	}
	return nil
}
