package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/spmctl/internal/protocol/codec"
	"github.com/danmuck/spmctl/internal/protocol/session"
)

// SetBias sets the tip-sample bias in volts.
func (c *Client) SetBias(ctx context.Context, volts float32) error {
	_, err := c.call(ctx, "Bias.Set", args(f32(volts)))
	return err
}

func (c *Client) Bias(ctx context.Context) (float32, error) {
	out, err := c.call(ctx, "Bias.Get", none(), codec.TagF32)
	if err != nil {
		return 0, err
	}
	v, err := toFloat(out[0], "Bias.Get")
	return float32(v), err
}

// Pulse describes one bias pulse.
type Pulse struct {
	Width    time.Duration
	Volts    float32
	Wait     bool
	ZHold    uint16
	Relative bool
}

// BiasPulse applies a bias pulse. With Wait set the instrument replies after
// the pulse completes.
func (c *Client) BiasPulse(ctx context.Context, p Pulse) error {
	mode := uint16(2)
	if p.Relative {
		mode = 1
	}
	_, err := c.call(ctx, "Bias.Pulse", args(
		flag32(p.Wait),
		f32(float32(p.Width.Seconds())),
		f32(p.Volts),
		u16(p.ZHold),
		u16(mode),
	))
	return err
}

// SetZSetpoint sets the Z-controller setpoint.
func (c *Client) SetZSetpoint(ctx context.Context, setpoint float32) error {
	_, err := c.call(ctx, "ZCtrl.SetpntSet", args(f32(setpoint)))
	return err
}

func (c *Client) OpenAutoApproach(ctx context.Context) error {
	_, err := c.call(ctx, "AutoApproach.Open", none())
	return err
}

func (c *Client) SetAutoApproach(ctx context.Context, on bool) error {
	_, err := c.call(ctx, "AutoApproach.OnOffSet", args(flag16(on)))
	return err
}

// AutoApproachRunning reports whether the approach procedure is active.
func (c *Client) AutoApproachRunning(ctx context.Context) (bool, error) {
	out, err := c.call(ctx, "AutoApproach.OnOffGet", none(), codec.TagU16)
	if err != nil {
		return false, err
	}
	n, err := codec.Int(out[0])
	if err != nil {
		return false, fmt.Errorf("instrument: AutoApproach.OnOffGet: %w", err)
	}
	return n != 0, nil
}

// AutoApproach opens the approach module, starts it, and waits until it
// reports stopped or timeout elapses.
func (c *Client) AutoApproach(ctx context.Context, timeout time.Duration) error {
	if err := c.OpenAutoApproach(ctx); err != nil {
		return err
	}
	if err := c.SetAutoApproach(ctx, true); err != nil {
		return err
	}
	return session.Poll(ctx, c.poll, timeout, func(ctx context.Context) (bool, error) {
		running, err := c.AutoApproachRunning(ctx)
		return !running, err
	})
}

// Position is a tip position in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (c *Client) Position(ctx context.Context) (Position, error) {
	out, err := c.call(ctx, "FolMe.XYPosGet", args(flag32(true)), codec.TagF64, codec.TagF64)
	if err != nil {
		return Position{}, err
	}
	x, err := toFloat(out[0], "FolMe.XYPosGet")
	if err != nil {
		return Position{}, err
	}
	y, err := toFloat(out[1], "FolMe.XYPosGet")
	if err != nil {
		return Position{}, err
	}
	return Position{X: x, Y: y}, nil
}

func (c *Client) MoveTo(ctx context.Context, p Position, wait bool) error {
	_, err := c.call(ctx, "FolMe.XYPosSet", args(f64(p.X), f64(p.Y), flag32(wait)))
	return err
}

// MoveBy moves the tip relative to its current position and returns the new
// position.
func (c *Client) MoveBy(ctx context.Context, dx, dy float64) (Position, error) {
	p, err := c.Position(ctx)
	if err != nil {
		return Position{}, err
	}
	next := Position{X: p.X + dx, Y: p.Y + dy}
	if err := c.MoveTo(ctx, next, true); err != nil {
		return Position{}, err
	}
	return next, nil
}

// SignalValue reads one signal by its instrument-side index.
func (c *Client) SignalValue(ctx context.Context, index int, waitNewest bool) (float32, error) {
	if err := checkSignal(index); err != nil {
		return 0, err
	}
	out, err := c.call(ctx, "Signals.ValGet", args(i32(int32(index)), flag32(waitNewest)), codec.TagF32)
	if err != nil {
		return 0, err
	}
	v, err := toFloat(out[0], "Signals.ValGet")
	return float32(v), err
}

func (c *Client) SignalNames(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, "Signals.NamesGet", none(), codec.TagPrefixedStrs)
	if err != nil {
		return nil, err
	}
	names, ok := out[0].(codec.StrArray)
	if !ok {
		return nil, fmt.Errorf("%w: Signals.NamesGet returned %T", ErrResponse, out[0])
	}
	return []string(names), nil
}

// SetLogChannels selects which signals the data stream carries, in order.
func (c *Client) SetLogChannels(ctx context.Context, signals []int) error {
	idx := make(codec.I32Array, len(signals))
	for i, s := range signals {
		if err := checkSignal(s); err != nil {
			return err
		}
		idx[i] = int32(s)
	}
	_, err := c.call(ctx, "TCPLog.ChsSet", args(
		i32(int32(len(idx))),
		arg{idx, codec.ArrayTag(codec.ElemI32, false)},
	))
	return err
}

func (c *Client) SetLogOversampling(ctx context.Context, n int32) error {
	_, err := c.call(ctx, "TCPLog.OversamplSet", args(i32(n)))
	return err
}

func (c *Client) StartLog(ctx context.Context) error {
	_, err := c.call(ctx, "TCPLog.Start", none())
	return err
}

func (c *Client) StopLog(ctx context.Context) error {
	_, err := c.call(ctx, "TCPLog.Stop", none())
	return err
}

// LogStatus is the data-stream logger state.
type LogStatus int32

const (
	LogDisconnected LogStatus = iota
	LogIdle
	LogStarting
	LogStopping
	LogRunning
	LogConnecting
	LogDisconnecting
	LogOverflow
)

// Transient reports states the logger passes through on its own.
func (s LogStatus) Transient() bool {
	switch s {
	case LogStarting, LogStopping, LogConnecting, LogDisconnecting:
		return true
	default:
		return false
	}
}

func (s LogStatus) String() string {
	switch s {
	case LogDisconnected:
		return "disconnected"
	case LogIdle:
		return "idle"
	case LogStarting:
		return "starting"
	case LogStopping:
		return "stopping"
	case LogRunning:
		return "running"
	case LogConnecting:
		return "connecting"
	case LogDisconnecting:
		return "disconnecting"
	case LogOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (c *Client) LogStatus(ctx context.Context) (LogStatus, error) {
	out, err := c.call(ctx, "TCPLog.StatusGet", none(), codec.TagI32)
	if err != nil {
		return 0, err
	}
	n, err := codec.Int(out[0])
	if err != nil {
		return 0, fmt.Errorf("instrument: TCPLog.StatusGet: %w", err)
	}
	return LogStatus(n), nil
}

// WaitLogIdle polls until the logger leaves any transient state.
func (c *Client) WaitLogIdle(ctx context.Context, timeout time.Duration) (LogStatus, error) {
	var last LogStatus
	err := session.Poll(ctx, c.poll, timeout, func(ctx context.Context) (bool, error) {
		s, err := c.LogStatus(ctx)
		if err != nil {
			return false, err
		}
		last = s
		return !s.Transient(), nil
	})
	return last, err
}
