package codec

import "fmt"

// Value is one decoded or to-be-encoded wire value.
// The set of implementations is closed to this package.
type Value interface {
	isValue()
}

type (
	U16 uint16
	I16 int16
	U32 uint32
	I32 int32
	F32 float32
	F64 float64
	Str string

	U16Array []uint16
	I16Array []int16
	U32Array []uint32
	I32Array []int32
	F32Array []float32
	F64Array []float64
	StrArray []string

	// F32Matrix is a row-major 2-D float block.
	F32Matrix [][]float32
)

func (U16) isValue()       {}
func (I16) isValue()       {}
func (U32) isValue()       {}
func (I32) isValue()       {}
func (F32) isValue()       {}
func (F64) isValue()       {}
func (Str) isValue()       {}
func (U16Array) isValue()  {}
func (I16Array) isValue()  {}
func (U32Array) isValue()  {}
func (I32Array) isValue()  {}
func (F32Array) isValue()  {}
func (F64Array) isValue()  {}
func (StrArray) isValue()  {}
func (F32Matrix) isValue() {}

// asLength returns v as a wire length if v is an integer scalar.
func asLength(v Value) (int64, bool) {
	switch n := v.(type) {
	case U16:
		return int64(n), true
	case I16:
		return int64(n), true
	case U32:
		return int64(n), true
	case I32:
		return int64(n), true
	default:
		return 0, false
	}
}

// Int converts an integer scalar Value to int64.
func Int(v Value) (int64, error) {
	if n, ok := asLength(v); ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: %T is not an integer", ErrTypeMismatch, v)
}

// Float converts a numeric scalar Value to float64.
func Float(v Value) (float64, error) {
	switch n := v.(type) {
	case F32:
		return float64(n), nil
	case F64:
		return float64(n), nil
	}
	if n, ok := asLength(v); ok {
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrTypeMismatch, v)
}

// String returns the Go string held by a Str value.
func String(v Value) (string, error) {
	s, ok := v.(Str)
	if !ok {
		return "", fmt.Errorf("%w: %T is not a string", ErrTypeMismatch, v)
	}
	return string(s), nil
}
