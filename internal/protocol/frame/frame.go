package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/spmctl/internal/protocol/codec"
)

const (
	HeaderLen    = 40
	CommandLen   = 32
	TrailerFixed = 8
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrCommandMismatch = fmt.Errorf("%w: response command mismatch", codec.ErrProtocol)
	ErrShortTrailer    = fmt.Errorf("%w: short error trailer", codec.ErrProtocol)
	ErrBodyTooLarge    = errors.New("frame: body too large")
)

// Header is the fixed 40-byte message header.
type Header struct {
	Command      string
	BodySize     uint32
	SendResponse bool
}

// NewHeader builds a request header that asks the instrument for a reply.
func NewHeader(command string, bodySize int) Header {
	return Header{
		Command:      command,
		BodySize:     uint32(bodySize),
		SendResponse: true,
	}
}

// EncodeHeader lays h out as exactly HeaderLen bytes. Command names longer
// than CommandLen are truncated.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:CommandLen], h.Command)
	binary.BigEndian.PutUint32(buf[32:36], h.BodySize)
	if h.SendResponse {
		binary.BigEndian.PutUint16(buf[36:38], 1)
	}
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return Header{
		Command:      string(bytes.TrimRight(b[0:CommandLen], "\x00")),
		BodySize:     binary.BigEndian.Uint32(b[32:36]),
		SendResponse: binary.BigEndian.Uint16(b[36:38]) != 0,
	}, nil
}

func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	return DecodeHeader(buf[:])
}

// ValidateResponse checks that the instrument echoed the command that was sent.
// A mismatch means the session is desynchronized.
func ValidateResponse(h Header, expected string) error {
	want := expected
	if len(want) > CommandLen {
		want = want[:CommandLen]
	}
	if h.Command != want {
		return fmt.Errorf("%w: got=%q want=%q", ErrCommandMismatch, h.Command, want)
	}
	return nil
}

// WriteMessage writes a request header followed by body.
func WriteMessage(w io.Writer, command string, body []byte) error {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return ErrBodyTooLarge
	}
	msg := make([]byte, 0, HeaderLen+len(body))
	msg = append(msg, EncodeHeader(NewHeader(command, len(body)))...)
	msg = append(msg, body...)
	_, err := w.Write(msg)
	return err
}

// Trailer is the optional status block that follows the declared response
// fields.
type Trailer struct {
	Status  int32
	Message string
}

func DecodeTrailer(b []byte) (Trailer, error) {
	if len(b) < TrailerFixed {
		return Trailer{}, fmt.Errorf("%w: %d bytes", ErrShortTrailer, len(b))
	}
	status := int32(binary.BigEndian.Uint32(b[0:4]))
	size := int32(binary.BigEndian.Uint32(b[4:8]))
	if size < 0 || int(size) > len(b)-TrailerFixed {
		return Trailer{}, fmt.Errorf("%w: message length %d, have %d", ErrShortTrailer, size, len(b)-TrailerFixed)
	}
	return Trailer{
		Status:  status,
		Message: string(b[TrailerFixed : TrailerFixed+int(size)]),
	}, nil
}

func EncodeTrailer(t Trailer) []byte {
	buf := make([]byte, TrailerFixed, TrailerFixed+len(t.Message))
	binary.BigEndian.PutUint32(buf[0:4], uint32(t.Status))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(t.Message)))
	return append(buf, t.Message...)
}

// Err reports the trailer as a ServerError, or nil when it carries no error.
func (t Trailer) Err() error {
	if t.Status == 0 && t.Message == "" {
		return nil
	}
	return &ServerError{Status: t.Status, Message: t.Message}
}

// ServerError is an instrument-reported failure delivered after otherwise
// well-formed response fields.
type ServerError struct {
	Command string
	Status  int32
	Message string
}

func (e *ServerError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("frame: server error status=%d message=%q", e.Status, e.Message)
	}
	return fmt.Sprintf("frame: server error command=%s status=%d message=%q", e.Command, e.Status, e.Message)
}

// IsServerError reports whether err carries an instrument-reported failure.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
