package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode reads one value per tag from body, in order. It returns the decoded
// values and the number of body bytes consumed; bytes past that offset belong
// to the caller (for example an error trailer).
func Decode(body []byte, tags []Tag) ([]Value, int, error) {
	d := decoder{buf: body}
	out := make([]Value, 0, len(tags))
	for i, tag := range tags {
		v, err := d.value(tag, out)
		if err != nil {
			return out, d.off, &FieldError{Index: i, Tag: tag, Err: err}
		}
		out = append(out, v)
	}
	return out, d.off, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidLength
	}
	if d.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, d.remaining())
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) i32() (int32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *decoder) length() (int, error) {
	n, err := d.i32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return int(n), nil
}

func (d *decoder) value(tag Tag, prior []Value) (Value, error) {
	l, err := tag.Parse()
	if err != nil {
		return nil, err
	}
	switch l.Shape {
	case ShapeScalar:
		return d.scalar(l.Elem)
	case ShapeArray:
		n, err := d.count(l, prior)
		if err != nil {
			return nil, err
		}
		return d.array(l.Elem, n)
	case ShapeStrings:
		var n int
		if l.Prefixed {
			// Total byte count of the element section; not re-validated.
			if _, err := d.i32(); err != nil {
				return nil, err
			}
			if n, err = d.length(); err != nil {
				return nil, err
			}
		} else if n, err = contextLength(prior, 1); err != nil {
			return nil, err
		}
		return d.strings(n)
	case ShapeMatrix:
		if len(prior) < 2 {
			return nil, fmt.Errorf("%w: matrix needs rows and columns", ErrMissingLength)
		}
		rows, err := contextLength(prior[:len(prior)-1], 1)
		if err != nil {
			return nil, err
		}
		cols, err := contextLength(prior, 1)
		if err != nil {
			return nil, err
		}
		return d.matrix(rows, cols)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, string(tag))
}

func (d *decoder) count(l Layout, prior []Value) (int, error) {
	if l.Prefixed {
		return d.length()
	}
	return contextLength(prior, 1)
}

// contextLength reads the integer located back positions from the end of prior.
func contextLength(prior []Value, back int) (int, error) {
	if len(prior) < back {
		return 0, ErrMissingLength
	}
	n, ok := asLength(prior[len(prior)-back])
	if !ok {
		return 0, fmt.Errorf("%w: preceding value is %T", ErrMissingLength, prior[len(prior)-back])
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return int(n), nil
}

func (d *decoder) scalar(e Elem) (Value, error) {
	b, err := d.take(e.size())
	if err != nil {
		return nil, err
	}
	switch e {
	case ElemU16:
		return U16(binary.BigEndian.Uint16(b)), nil
	case ElemI16:
		return I16(int16(binary.BigEndian.Uint16(b))), nil
	case ElemU32:
		return U32(binary.BigEndian.Uint32(b)), nil
	case ElemI32:
		return I32(int32(binary.BigEndian.Uint32(b))), nil
	case ElemF32:
		return F32(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case ElemF64:
		return F64(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	}
	return nil, fmt.Errorf("%w: scalar %q", ErrUnknownTag, string(rune(e)))
}

func (d *decoder) array(e Elem, n int) (Value, error) {
	size := e.size()
	if n > d.remaining()/size {
		return nil, fmt.Errorf("%w: %d elements of %d bytes, have %d", ErrTruncated, n, size, d.remaining())
	}
	b, err := d.take(n * size)
	if err != nil {
		return nil, err
	}
	switch e {
	case ElemChar:
		return Str(b), nil
	case ElemU16:
		out := make(U16Array, n)
		for i := range out {
			out[i] = binary.BigEndian.Uint16(b[i*2:])
		}
		return out, nil
	case ElemI16:
		out := make(I16Array, n)
		for i := range out {
			out[i] = int16(binary.BigEndian.Uint16(b[i*2:]))
		}
		return out, nil
	case ElemU32:
		out := make(U32Array, n)
		for i := range out {
			out[i] = binary.BigEndian.Uint32(b[i*4:])
		}
		return out, nil
	case ElemI32:
		out := make(I32Array, n)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case ElemF32:
		out := make(F32Array, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case ElemF64:
		out := make(F64Array, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: array of %q", ErrUnknownTag, string(rune(e)))
}

func (d *decoder) strings(n int) (Value, error) {
	// Each element costs at least its 4-byte length.
	if n > d.remaining()/4 {
		return nil, fmt.Errorf("%w: %d strings, have %d bytes", ErrTruncated, n, d.remaining())
	}
	out := make(StrArray, 0, n)
	for i := 0; i < n; i++ {
		size, err := d.length()
		if err != nil {
			return nil, err
		}
		b, err := d.take(size)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

func (d *decoder) matrix(rows, cols int) (Value, error) {
	if rows > 0 && cols > d.remaining()/4/rows {
		return nil, fmt.Errorf("%w: %dx%d matrix, have %d bytes", ErrTruncated, rows, cols, d.remaining())
	}
	out := make(F32Matrix, rows)
	for r := range out {
		b, err := d.take(cols * 4)
		if err != nil {
			return nil, err
		}
		row := make([]float32, cols)
		for c := range row {
			row[c] = math.Float32frombits(binary.BigEndian.Uint32(b[c*4:]))
		}
		out[r] = row
	}
	return out, nil
}
