package conditioning

import (
	"fmt"

	"github.com/danmuck/spmctl/internal/mathx"
)

// TipShape is the controller state. Stable is terminal.
type TipShape int

const (
	Blunt TipShape = iota
	Sharp
	Stable
)

func (s TipShape) String() string {
	switch s {
	case Blunt:
		return "blunt"
	case Sharp:
		return "sharp"
	case Stable:
		return "stable"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

func (s TipShape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Bounds is the signal window a sharp tip reads inside, inclusive.
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Classify maps a signal reading onto Sharp or Blunt.
func (b Bounds) Classify(signal float64) TipShape {
	if mathx.Between(signal, b.Lower, b.Upper) {
		return Sharp
	}
	return Blunt
}
