// Package instrument wraps the control commands the conditioning run needs.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/spmctl/internal/protocol/codec"
)

const (
	DefaultPollInterval = 200 * time.Millisecond
	MaxSignalIndex      = 127
)

var (
	ErrSignalIndex = errors.New("instrument: signal index out of range")
	ErrResponse    = errors.New("instrument: unexpected response shape")
)

// Sender performs one request/response exchange. *session.Session
// implements it.
type Sender interface {
	Send(ctx context.Context, command string, values []codec.Value, tags []codec.Tag, respTags []codec.Tag) ([]codec.Value, error)
}

type Client struct {
	sender Sender
	poll   time.Duration
}

func New(sender Sender) *Client {
	return &Client{sender: sender, poll: DefaultPollInterval}
}

// WithPollInterval sets the retry interval used by the waiting helpers.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	if d > 0 {
		c.poll = d
	}
	return c
}

func (c *Client) call(ctx context.Context, command string, args []arg, resp ...codec.Tag) ([]codec.Value, error) {
	values := make([]codec.Value, len(args))
	tags := make([]codec.Tag, len(args))
	for i, a := range args {
		values[i], tags[i] = a.v, a.t
	}
	out, err := c.sender.Send(ctx, command, values, tags, resp)
	if err != nil {
		return out, err
	}
	if len(out) != len(resp) {
		return nil, fmt.Errorf("%w: %s returned %d values, want %d", ErrResponse, command, len(out), len(resp))
	}
	return out, nil
}

type arg struct {
	v codec.Value
	t codec.Tag
}

func f32(v float32) arg { return arg{codec.F32(v), codec.TagF32} }
func f64(v float64) arg { return arg{codec.F64(v), codec.TagF64} }
func i32(v int32) arg { return arg{codec.I32(v), codec.TagI32} }
func u32(v uint32) arg { return arg{codec.U32(v), codec.TagU32} }
func u16(v uint16) arg { return arg{codec.U16(v), codec.TagU16} }
func flag32(b bool) arg { return u32(boolWord(b)) }
func flag16(b bool) arg { return u16(uint16(boolWord(b))) }
func none() []arg { return nil }
func args(a ...arg) []arg { return a }

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func checkSignal(index int) error {
	if index < 0 || index > MaxSignalIndex {
		return fmt.Errorf("%w: %d", ErrSignalIndex, index)
	}
	return nil
}

func toFloat(v codec.Value, command string) (float64, error) {
	f, err := codec.Float(v)
	if err != nil {
		return 0, fmt.Errorf("instrument: %s: %w", command, err)
	}
	return f, nil
}
