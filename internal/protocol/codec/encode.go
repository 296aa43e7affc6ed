package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes values in order, value i laid out by tags[i].
func Encode(values []Value, tags []Tag) ([]byte, error) {
	if len(values) != len(tags) {
		return nil, fmt.Errorf("%w: values=%d tags=%d", ErrArity, len(values), len(tags))
	}
	var out []byte
	for i, v := range values {
		var err error
		out, err = Append(out, v, tags[i])
		if err != nil {
			return nil, &FieldError{Index: i, Tag: tags[i], Err: err}
		}
	}
	return out, nil
}

// Append appends the wire bytes of v laid out as tag to dst.
func Append(dst []byte, v Value, tag Tag) ([]byte, error) {
	l, err := tag.Parse()
	if err != nil {
		return dst, err
	}
	switch l.Shape {
	case ShapeScalar:
		return appendScalar(dst, v, l.Elem)
	case ShapeArray:
		if l.Elem == ElemChar {
			s, ok := v.(Str)
			if !ok {
				return dst, mismatch(v, tag)
			}
			if l.Prefixed {
				dst = appendI32(dst, int32(len(s)))
			}
			return append(dst, s...), nil
		}
		return appendArray(dst, v, tag, l)
	case ShapeStrings:
		ss, ok := v.(StrArray)
		if !ok {
			return dst, mismatch(v, tag)
		}
		if l.Prefixed {
			total := 0
			for _, s := range ss {
				total += 4 + len(s)
			}
			dst = appendI32(dst, int32(total))
			dst = appendI32(dst, int32(len(ss)))
		}
		for _, s := range ss {
			dst = appendI32(dst, int32(len(s)))
			dst = append(dst, s...)
		}
		return dst, nil
	case ShapeMatrix:
		m, ok := v.(F32Matrix)
		if !ok {
			return dst, mismatch(v, tag)
		}
		for r, row := range m {
			if len(row) != len(m[0]) {
				return dst, fmt.Errorf("%w: ragged matrix row %d", ErrTypeMismatch, r)
			}
			for _, f := range row {
				dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(f))
			}
		}
		return dst, nil
	}
	return dst, fmt.Errorf("%w: %q", ErrUnknownTag, string(tag))
}

func appendScalar(dst []byte, v Value, e Elem) ([]byte, error) {
	switch e {
	case ElemU16:
		if n, ok := v.(U16); ok {
			return binary.BigEndian.AppendUint16(dst, uint16(n)), nil
		}
	case ElemI16:
		if n, ok := v.(I16); ok {
			return binary.BigEndian.AppendUint16(dst, uint16(n)), nil
		}
	case ElemU32:
		if n, ok := v.(U32); ok {
			return binary.BigEndian.AppendUint32(dst, uint32(n)), nil
		}
	case ElemI32:
		if n, ok := v.(I32); ok {
			return appendI32(dst, int32(n)), nil
		}
	case ElemF32:
		if f, ok := v.(F32); ok {
			return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(f))), nil
		}
	case ElemF64:
		if f, ok := v.(F64); ok {
			return binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(f))), nil
		}
	}
	return dst, mismatch(v, Tag(string(rune(e))))
}

func appendArray(dst []byte, v Value, tag Tag, l Layout) ([]byte, error) {
	var n int
	switch a := v.(type) {
	case U16Array:
		if l.Elem != ElemU16 {
			return dst, mismatch(v, tag)
		}
		n = len(a)
		dst = prefix(dst, l, n)
		for _, x := range a {
			dst = binary.BigEndian.AppendUint16(dst, x)
		}
	case I16Array:
		if l.Elem != ElemI16 {
			return dst, mismatch(v, tag)
		}
		n = len(a)
		dst = prefix(dst, l, n)
		for _, x := range a {
			dst = binary.BigEndian.AppendUint16(dst, uint16(x))
		}
	case U32Array:
		if l.Elem != ElemU32 {
			return dst, mismatch(v, tag)
		}
		n = len(a)
		dst = prefix(dst, l, n)
		for _, x := range a {
			dst = binary.BigEndian.AppendUint32(dst, x)
		}
	case I32Array:
		if l.Elem != ElemI32 {
			return dst, mismatch(v, tag)
		}
		n = len(a)
		dst = prefix(dst, l, n)
		for _, x := range a {
			dst = appendI32(dst, x)
		}
	case F32Array:
		if l.Elem != ElemF32 {
			return dst, mismatch(v, tag)
		}
		n = len(a)
		dst = prefix(dst, l, n)
		for _, x := range a {
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(x))
		}
	case F64Array:
		if l.Elem != ElemF64 {
			return dst, mismatch(v, tag)
		}
		n = len(a)
		dst = prefix(dst, l, n)
		for _, x := range a {
			dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(x))
		}
	default:
		return dst, mismatch(v, tag)
	}
	return dst, nil
}

func prefix(dst []byte, l Layout, n int) []byte {
	if !l.Prefixed {
		return dst
	}
	return appendI32(dst, int32(n))
}

func appendI32(dst []byte, n int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(n))
}

func mismatch(v Value, tag Tag) error {
	return fmt.Errorf("%w: %T as %q", ErrTypeMismatch, v, string(tag))
}
