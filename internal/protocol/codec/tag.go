package codec

import "fmt"

// Tag describes the wire layout of one value.
type Tag string

const (
	TagU16 Tag = "H"
	TagI16 Tag = "h"
	TagU32 Tag = "I"
	TagI32 Tag = "i"
	TagF32 Tag = "f"
	TagF64 Tag = "d"

	TagString         Tag = "*c"
	TagPrefixedString Tag = "+*c"
	TagStrings        Tag = "*+c"
	TagPrefixedStrs   Tag = "+*+c"
	TagMatrixF32      Tag = "2f"
)

// Elem is the scalar element kind of a tag.
type Elem byte

const (
	ElemU16  Elem = 'H'
	ElemI16  Elem = 'h'
	ElemU32  Elem = 'I'
	ElemI32  Elem = 'i'
	ElemF32  Elem = 'f'
	ElemF64  Elem = 'd'
	ElemChar Elem = 'c'
)

func (e Elem) size() int {
	switch e {
	case ElemU16, ElemI16:
		return 2
	case ElemU32, ElemI32, ElemF32:
		return 4
	case ElemF64:
		return 8
	case ElemChar:
		return 1
	default:
		return 0
	}
}

// Shape is the structural class of a tag.
type Shape int

const (
	ShapeScalar Shape = iota
	ShapeArray
	ShapeStrings
	ShapeMatrix
)

// Layout is the parsed form of a Tag.
type Layout struct {
	Shape Shape
	Elem  Elem
	// Prefixed reports that the length travels immediately before the payload
	// instead of being a preceding value in the message.
	Prefixed bool
}

// Array tags for the non-string element kinds.
func ArrayTag(e Elem, prefixed bool) Tag {
	if prefixed {
		return Tag("+*" + string(rune(e)))
	}
	return Tag("*" + string(rune(e)))
}

// Parse validates t against the tag grammar.
func (t Tag) Parse() (Layout, error) {
	s := string(t)
	switch s {
	case "H", "h", "I", "i", "f", "d":
		return Layout{Shape: ShapeScalar, Elem: Elem(s[0])}, nil
	case "2f":
		return Layout{Shape: ShapeMatrix, Elem: ElemF32}, nil
	case "*+c":
		return Layout{Shape: ShapeStrings, Elem: ElemChar}, nil
	case "+*+c":
		return Layout{Shape: ShapeStrings, Elem: ElemChar, Prefixed: true}, nil
	}

	prefixed := false
	rest := s
	if len(rest) > 0 && rest[0] == '+' {
		prefixed = true
		rest = rest[1:]
	}
	if len(rest) == 2 && rest[0] == '*' {
		e := Elem(rest[1])
		if e.size() > 0 {
			return Layout{Shape: ShapeArray, Elem: e, Prefixed: prefixed}, nil
		}
	}
	return Layout{}, fmt.Errorf("%w: %q", ErrUnknownTag, s)
}

// ParseTags validates every tag in ts.
func ParseTags(ts []Tag) ([]Layout, error) {
	out := make([]Layout, len(ts))
	for i, t := range ts {
		l, err := t.Parse()
		if err != nil {
			return nil, &FieldError{Index: i, Tag: t, Err: err}
		}
		out[i] = l
	}
	return out, nil
}
