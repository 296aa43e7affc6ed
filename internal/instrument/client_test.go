package instrument

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/spmctl/internal/protocol/codec"
	"github.com/danmuck/spmctl/internal/protocol/session"
	"github.com/danmuck/spmctl/internal/testutil/fakespm"
	"github.com/danmuck/spmctl/internal/testutil/testlog"
)

func connect(t *testing.T, srv *fakespm.Server) *Client {
	t.Helper()
	s, err := session.Dial(context.Background(), session.Config{Address: srv.Addr()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s).WithPollInterval(time.Millisecond)
}

func TestBiasSetAndGet(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	var bias atomic.Value
	bias.Store(float32(0))
	srv.Handle("Bias.Set", func(req fakespm.Request) fakespm.Response {
		vals := fakespm.Decode(t, req, []codec.Tag{codec.TagF32})
		if len(vals) == 1 {
			bias.Store(float32(vals[0].(codec.F32)))
		}
		return fakespm.Response{}
	})
	srv.Handle("Bias.Get", func(fakespm.Request) fakespm.Response {
		return fakespm.Response{Body: fakespm.Body(t, []codec.Value{codec.F32(bias.Load().(float32))}, []codec.Tag{codec.TagF32})}
	})
	c := connect(t, srv)

	if err := c.SetBias(context.Background(), 0.75); err != nil {
		t.Fatalf("set bias: %v", err)
	}
	got, err := c.Bias(context.Background())
	if err != nil {
		t.Fatalf("get bias: %v", err)
	}
	if got != 0.75 {
		t.Fatalf("bias=%v want=0.75", got)
	}
}

func TestBiasPulseEncoding(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	got := make(chan []codec.Value, 1)
	srv.Handle("Bias.Pulse", func(req fakespm.Request) fakespm.Response {
		got <- fakespm.Decode(t, req, []codec.Tag{codec.TagU32, codec.TagF32, codec.TagF32, codec.TagU16, codec.TagU16})
		return fakespm.Response{}
	})
	c := connect(t, srv)

	err := c.BiasPulse(context.Background(), Pulse{Width: 100 * time.Millisecond, Volts: 3, Wait: true})
	if err != nil {
		t.Fatalf("pulse: %v", err)
	}
	vals := <-got
	if len(vals) != 5 {
		t.Fatalf("decoded %d values", len(vals))
	}
	if vals[0] != codec.U32(1) || vals[1] != codec.F32(0.1) || vals[2] != codec.F32(3) || vals[4] != codec.U16(2) {
		t.Fatalf("unexpected pulse fields: %#v", vals)
	}
}

func TestSignalIndexValidatedBeforeIO(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	c := connect(t, srv)

	if _, err := c.SignalValue(context.Background(), MaxSignalIndex+1, true); !errors.Is(err, ErrSignalIndex) {
		t.Fatalf("expected ErrSignalIndex, got %v", err)
	}
	if err := c.SetLogChannels(context.Background(), []int{0, -1}); !errors.Is(err, ErrSignalIndex) {
		t.Fatalf("expected ErrSignalIndex, got %v", err)
	}
	if srv.Calls("Signals.ValGet")+srv.Calls("TCPLog.ChsSet") != 0 {
		t.Fatalf("invalid request reached the instrument")
	}
}

func TestSetLogChannelsSendsCountThenArray(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	got := make(chan []codec.Value, 1)
	srv.Handle("TCPLog.ChsSet", func(req fakespm.Request) fakespm.Response {
		got <- fakespm.Decode(t, req, []codec.Tag{codec.TagI32, codec.ArrayTag(codec.ElemI32, false)})
		return fakespm.Response{}
	})
	c := connect(t, srv)

	if err := c.SetLogChannels(context.Background(), []int{0, 30, 74}); err != nil {
		t.Fatalf("set channels: %v", err)
	}
	vals := <-got
	arr, ok := vals[1].(codec.I32Array)
	if vals[0] != codec.I32(3) || !ok || len(arr) != 3 || arr[1] != 30 {
		t.Fatalf("unexpected channel request: %#v", vals)
	}
}

func TestSignalNames(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	body := fakespm.Body(t,
		[]codec.Value{codec.StrArray{"Bias (V)", "Current (A)", "OC M1 Freq. Shift (Hz)"}},
		[]codec.Tag{codec.TagPrefixedStrs})
	srv.Handle("Signals.NamesGet", fakespm.Reply(body))
	c := connect(t, srv)

	names, err := c.SignalNames(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 3 || names[2] != "OC M1 Freq. Shift (Hz)" {
		t.Fatalf("unexpected names: %q", names)
	}
}

func TestAutoApproachPollsUntilStopped(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	var polls atomic.Int32
	srv.Handle("AutoApproach.Open", fakespm.Reply(nil))
	srv.Handle("AutoApproach.OnOffSet", fakespm.Reply(nil))
	srv.Handle("AutoApproach.OnOffGet", func(fakespm.Request) fakespm.Response {
		state := codec.U16(1)
		if polls.Add(1) >= 3 {
			state = 0
		}
		return fakespm.Response{Body: fakespm.Body(t, []codec.Value{state}, []codec.Tag{codec.TagU16})}
	})
	c := connect(t, srv)

	if err := c.AutoApproach(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("auto approach: %v", err)
	}
	if polls.Load() != 3 {
		t.Fatalf("polls=%d want=3", polls.Load())
	}
	if srv.Calls("AutoApproach.OnOffSet") != 1 {
		t.Fatalf("approach started %d times", srv.Calls("AutoApproach.OnOffSet"))
	}
}

func TestAutoApproachTimeout(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	srv.Handle("AutoApproach.Open", fakespm.Reply(nil))
	srv.Handle("AutoApproach.OnOffSet", fakespm.Reply(nil))
	srv.Handle("AutoApproach.OnOffGet", fakespm.Reply(
		fakespm.Body(t, []codec.Value{codec.U16(1)}, []codec.Tag{codec.TagU16})))
	c := connect(t, srv)

	err := c.AutoApproach(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, session.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitLogIdle(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	var polls atomic.Int32
	srv.Handle("TCPLog.StatusGet", func(fakespm.Request) fakespm.Response {
		status := codec.I32(LogStopping)
		if polls.Add(1) > 2 {
			status = codec.I32(LogIdle)
		}
		return fakespm.Response{Body: fakespm.Body(t, []codec.Value{status}, []codec.Tag{codec.TagI32})}
	})
	c := connect(t, srv)

	status, err := c.WaitLogIdle(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if status != LogIdle || status.String() != "idle" {
		t.Fatalf("status=%v", status)
	}
}

func TestMoveByAddsOffset(t *testing.T) {
	testlog.Start(t)
	srv := fakespm.Start(t)
	moved := make(chan []codec.Value, 1)
	srv.Handle("FolMe.XYPosGet", fakespm.Reply(fakespm.Body(t,
		[]codec.Value{codec.F64(1e-9), codec.F64(2e-9)},
		[]codec.Tag{codec.TagF64, codec.TagF64})))
	srv.Handle("FolMe.XYPosSet", func(req fakespm.Request) fakespm.Response {
		moved <- fakespm.Decode(t, req, []codec.Tag{codec.TagF64, codec.TagF64, codec.TagU32})
		return fakespm.Response{}
	})
	c := connect(t, srv)

	p, err := c.MoveBy(context.Background(), 1e-9, 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if p.X != 2e-9 || p.Y != 2e-9 {
		t.Fatalf("position=%+v", p)
	}
	vals := <-moved
	if vals[0] != codec.F64(2e-9) || vals[2] != codec.U32(1) {
		t.Fatalf("unexpected move request: %#v", vals)
	}
}

type emptySender struct{}

func (emptySender) Send(context.Context, string, []codec.Value, []codec.Tag, []codec.Tag) ([]codec.Value, error) {
	return nil, nil
}

func TestResponseShapeChecked(t *testing.T) {
	testlog.Start(t)
	c := New(emptySender{})
	if _, err := c.Bias(context.Background()); !errors.Is(err, ErrResponse) {
		t.Fatalf("expected ErrResponse, got %v", err)
	}
}
