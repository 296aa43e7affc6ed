package conditioning

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/spmctl/internal/mathx"
)

var ErrPulseMethod = errors.New("conditioning: invalid pulse method")

type PulseKind string

const (
	PulseFixed    PulseKind = "fixed"
	PulseStepping PulseKind = "stepping"
)

// PulseMethod selects the bias pulse voltage for bad-loop cycles.
type PulseMethod struct {
	Kind     PulseKind
	Voltage  float64
	Stepping Stepping
}

// Stepping raises the pulse voltage from Lower toward Upper in Steps
// increments while the monitored signal stops responding.
type Stepping struct {
	Lower            float64
	Upper            float64
	Steps            int
	CyclesBeforeStep int
	Threshold        Threshold
}

func FixedPulse(volts float64) PulseMethod {
	return PulseMethod{Kind: PulseFixed, Voltage: volts}
}

func SteppingPulse(s Stepping) PulseMethod {
	return PulseMethod{Kind: PulseStepping, Stepping: s}
}

func (m PulseMethod) Validate() error {
	switch m.Kind {
	case PulseFixed:
		if m.Voltage == 0 || math.IsNaN(m.Voltage) {
			return fmt.Errorf("%w: fixed voltage must be non-zero", ErrPulseMethod)
		}
		return nil
	case PulseStepping:
		s := m.Stepping
		if !(s.Lower < s.Upper) {
			return fmt.Errorf("%w: voltage bounds (%v, %v) must be increasing", ErrPulseMethod, s.Lower, s.Upper)
		}
		if s.Steps <= 0 {
			return fmt.Errorf("%w: voltage steps must be positive", ErrPulseMethod)
		}
		if s.CyclesBeforeStep <= 0 {
			return fmt.Errorf("%w: cycles before step must be positive", ErrPulseMethod)
		}
		return s.Threshold.Validate()
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrPulseMethod, m.Kind)
	}
}

// StepResult describes one stepping update.
type StepResult struct {
	Change      float64 `json:"change"`
	Threshold   float64 `json:"threshold"`
	Significant bool    `json:"significant"`
	Reset       bool    `json:"reset"`
	Stepped     bool    `json:"stepped"`
	Voltage     float64 `json:"voltage"`
}

// Stepper holds pulse voltage state across cycles.
type Stepper struct {
	method              PulseMethod
	voltage             float64
	cyclesWithoutChange int
}

func NewStepper(m PulseMethod) *Stepper {
	s := &Stepper{method: m}
	switch m.Kind {
	case PulseStepping:
		s.voltage = m.Stepping.Lower
	default:
		s.voltage = m.Voltage
	}
	return s
}

func (s *Stepper) Voltage() float64 { return s.voltage }

func (s *Stepper) CyclesWithoutChange() int { return s.cyclesWithoutChange }

// Update applies one observation. history is newest-first and already
// contains the latest reading. Fixed methods never change.
//
// The baseline is the previous reading while no unchanged run is in
// progress, otherwise the mean of the readings in that run. A significant
// rise resets the voltage to Lower; anything else counts toward the next
// step.
func (s *Stepper) Update(history []float64) StepResult {
	if s.method.Kind != PulseStepping {
		return StepResult{Voltage: s.voltage}
	}
	p := s.method.Stepping

	var res StepResult
	if len(history) < 2 {
		res.Significant = true
	} else {
		current := history[0]
		var baseline float64
		if s.cyclesWithoutChange == 0 {
			baseline = history[1]
		} else {
			end := min(1+s.cyclesWithoutChange, len(history))
			baseline = mathx.Mean(history[1:end])
		}
		res.Change = current - baseline
		res.Threshold = p.Threshold.Eval(current)
		res.Significant = math.Abs(res.Change) >= res.Threshold
	}

	if res.Significant && res.Change >= 0 {
		s.voltage = p.Lower
		s.cyclesWithoutChange = 0
		res.Reset = true
	} else {
		s.cyclesWithoutChange++
		if s.cyclesWithoutChange >= p.CyclesBeforeStep {
			s.voltage = mathx.Clamp(s.voltage+(p.Upper-p.Lower)/float64(p.Steps), p.Lower, p.Upper)
			s.cyclesWithoutChange = 0
			res.Stepped = true
		}
	}
	res.Voltage = s.voltage
	return res
}
