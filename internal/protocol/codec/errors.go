package codec

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol = errors.New("codec: protocol error")
	ErrType     = errors.New("codec: type error")
	ErrArity    = errors.New("codec: value/tag arity mismatch")

	ErrTruncated     = fmt.Errorf("%w: truncated body", ErrProtocol)
	ErrMissingLength = fmt.Errorf("%w: missing preceding length", ErrProtocol)
	ErrInvalidLength = fmt.Errorf("%w: invalid length", ErrProtocol)
	ErrUnknownTag    = fmt.Errorf("%w: unknown type tag", ErrProtocol)

	ErrTypeMismatch = fmt.Errorf("%w: value incompatible with tag", ErrType)
)

// FieldError locates a codec failure within a tag sequence.
type FieldError struct {
	Index int
	Tag   Tag
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %d (%q): %v", e.Index, string(e.Tag), e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is a declared protocol failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
