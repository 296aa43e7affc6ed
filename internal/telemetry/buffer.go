package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/spmctl/internal/observability"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 100 * time.Millisecond

var (
	ErrCapacity     = errors.New("telemetry: capacity must be positive")
	ErrBufferPanic  = errors.New("telemetry: buffer goroutine panicked")
	ErrChannelIndex = errors.New("telemetry: channel index out of range")
	ErrNoFrames     = errors.New("telemetry: no frames")
)

// TimestampedFrame is a buffered sample. Timestamp is relative to buffer start.
type TimestampedFrame struct {
	Timestamp time.Duration `json:"timestamp"`
	Counter   uint64        `json:"counter"`
	Values    []float32     `json:"values"`
}

// Stats summarizes buffer contents and lifetime counters.
type Stats struct {
	Frames   int           `json:"frames"`
	Capacity int           `json:"capacity"`
	Oldest   time.Duration `json:"oldest"`
	Newest   time.Duration `json:"newest"`
	Span     time.Duration `json:"span"`
	Received uint64        `json:"received"`
	Metadata uint64        `json:"metadata"`
	Evicted  uint64        `json:"evicted"`
	Channels int           `json:"channels"`
}

type Option func(*Buffer)

// WithPollInterval bounds how long the goroutine waits on the source before
// re-checking the stop flag.
func WithPollInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.poll = d
		}
	}
}

// WithClock replaces time.Now for timestamping.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// WithObserver is called on the buffering goroutine after each sample is
// stored. A panicking observer stops the buffer; Stop reports it.
func WithObserver(fn func(TimestampedFrame)) Option {
	return func(b *Buffer) {
		b.observe = fn
	}
}

// Buffer drains a frame channel on its own goroutine into a bounded ring and
// serves time-windowed copies to readers.
type Buffer struct {
	src     <-chan Frame
	poll    time.Duration
	now     func() time.Time
	observe func(TimestampedFrame)
	start   time.Time

	mu       sync.RWMutex
	ring     *ring[TimestampedFrame]
	channels []int
	received uint64
	metadata uint64
	evicted  uint64

	stopping atomic.Bool
	done     chan struct{}
	err      error
}

// NewBuffer starts buffering frames from src. The goroutine exits when src is
// closed or Stop is called.
func NewBuffer(src <-chan Frame, capacity int, opts ...Option) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	b := &Buffer{
		src:  src,
		poll: DefaultPollInterval,
		now:  time.Now,
		ring: newRing[TimestampedFrame](capacity),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.start = b.now()
	go b.run()
	return b, nil
}

func (b *Buffer) run() {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			b.err = fmt.Errorf("%w: %v", ErrBufferPanic, r)
			log.Error().Interface("panic", r).Msg("telemetry: buffer stopped")
		}
	}()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		if b.stopping.Load() {
			return
		}
		select {
		case f, ok := <-b.src:
			if !ok {
				log.Debug().Msg("telemetry: source closed")
				return
			}
			b.ingest(f)
		case <-ticker.C:
		}
	}
}

func (b *Buffer) ingest(f Frame) {
	if f.IsMetadata() {
		chans := make([]int, len(f.Values))
		for i, v := range f.Values {
			chans[i] = int(v)
		}
		b.mu.Lock()
		b.channels = chans
		b.metadata++
		b.mu.Unlock()
		observability.RecordFrame("metadata", b.FrameCount())
		log.Debug().Ints("channels", chans).Msg("telemetry: channel map")
		return
	}

	tf := TimestampedFrame{
		Timestamp: b.now().Sub(b.start),
		Counter:   f.Counter,
		Values:    f.Values,
	}
	b.mu.Lock()
	evicted := b.ring.push(tf)
	b.received++
	if evicted {
		b.evicted++
	}
	n := b.ring.len()
	b.mu.Unlock()

	observability.RecordFrame("sample", n)
	if evicted {
		observability.RecordFrame("evicted", n)
	}
	if b.observe != nil {
		b.observe(clone(tf))
	}
}

// Stop asks the goroutine to exit and waits for it. A recovered panic is
// returned as an error. Stop is safe to call more than once.
func (b *Buffer) Stop() error {
	b.stopping.Store(true)
	<-b.done
	return b.err
}

// Done is closed when the buffering goroutine has exited.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	b.ring.clear()
	b.mu.Unlock()
	observability.RecordBufferFill(0)
}

// Elapsed is the time since the buffer started.
func (b *Buffer) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// Channels returns the signal indices from the latest metadata frame.
func (b *Buffer) Channels() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.channels)
}

func (b *Buffer) FrameCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring.len()
}

func (b *Buffer) HasFrames(want int) bool {
	return b.FrameCount() >= want
}

// All returns every buffered frame, oldest first.
func (b *Buffer) All() []TimestampedFrame {
	return b.collect(func(TimestampedFrame) bool { return true })
}

// Since returns frames with Timestamp >= t.
func (b *Buffer) Since(t time.Duration) []TimestampedFrame {
	return b.collect(func(f TimestampedFrame) bool { return f.Timestamp >= t })
}

// Between returns frames with start <= Timestamp <= end.
func (b *Buffer) Between(start, end time.Duration) []TimestampedFrame {
	return b.collect(func(f TimestampedFrame) bool {
		return f.Timestamp >= start && f.Timestamp <= end
	})
}

// Recent returns frames received within d of now.
func (b *Buffer) Recent(d time.Duration) []TimestampedFrame {
	return b.Since(b.Elapsed() - d)
}

// RecentFrames returns up to n newest frames, oldest first.
func (b *Buffer) RecentFrames(n int) []TimestampedFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := b.ring.len()
	n = min(max(n, 0), size)
	return b.copyRange(size-n, n)
}

// OldestFrames returns up to n oldest frames.
func (b *Buffer) OldestFrames(n int) []TimestampedFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyRange(0, min(max(n, 0), b.ring.len()))
}

// FrameRange returns up to count frames starting at position start (0 is the
// oldest). Out-of-range requests are clipped.
func (b *Buffer) FrameRange(start, count int) []TimestampedFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := b.ring.len()
	if start < 0 || start >= size || count <= 0 {
		return nil
	}
	return b.copyRange(start, min(count, size-start))
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{
		Frames:   b.ring.len(),
		Capacity: len(b.ring.items),
		Received: b.received,
		Metadata: b.metadata,
		Evicted:  b.evicted,
		Channels: len(b.channels),
	}
	if s.Frames > 0 {
		s.Oldest = b.ring.at(0).Timestamp
		s.Newest = b.ring.at(s.Frames - 1).Timestamp
		s.Span = s.Newest - s.Oldest
	}
	return s
}

func (b *Buffer) collect(keep func(TimestampedFrame) bool) []TimestampedFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []TimestampedFrame
	for i := 0; i < b.ring.len(); i++ {
		if f := b.ring.at(i); keep(f) {
			out = append(out, clone(f))
		}
	}
	return out
}

// copyRange must be called with mu held.
func (b *Buffer) copyRange(start, n int) []TimestampedFrame {
	if n <= 0 {
		return nil
	}
	out := make([]TimestampedFrame, n)
	for i := range out {
		out[i] = clone(b.ring.at(start + i))
	}
	return out
}

func clone(f TimestampedFrame) TimestampedFrame {
	f.Values = slices.Clone(f.Values)
	return f
}

// ChannelMean averages channel ch over frames.
func ChannelMean(frames []TimestampedFrame, ch int) (float64, error) {
	if len(frames) == 0 {
		return 0, ErrNoFrames
	}
	var sum float64
	for _, f := range frames {
		if ch < 0 || ch >= len(f.Values) {
			return 0, fmt.Errorf("%w: %d of %d", ErrChannelIndex, ch, len(f.Values))
		}
		sum += float64(f.Values[ch])
	}
	return sum / float64(len(frames)), nil
}
