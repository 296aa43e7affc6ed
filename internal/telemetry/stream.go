package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Stream reads frames from the instrument's data socket and publishes them on
// a channel that is closed when the socket ends.
type Stream struct {
	conn   net.Conn
	frames chan Frame
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// DialStream connects to the stream port and starts reading.
func DialStream(ctx context.Context, addr string, timeout time.Duration, queue int) (*Stream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", addr).Msg("telemetry: stream connected")
	return NewStream(conn, queue), nil
}

func NewStream(conn net.Conn, queue int) *Stream {
	if queue < 0 {
		queue = 0
	}
	s := &Stream{
		conn:   conn,
		frames: make(chan Frame, queue),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Err reports why the read loop ended; nil for EOF or Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts the socket and waits for the read loop to exit.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.conn.Close()
	})
	s.wg.Wait()
	return err
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)
	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			s.finish(err)
			return
		}
		select {
		case s.frames <- f:
		case <-s.quit:
			return
		}
	}
}

func (s *Stream) finish(err error) {
	select {
	case <-s.quit:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		log.Info().Msg("telemetry: stream closed by instrument")
		return
	}
	log.Error().Err(err).Msg("telemetry: stream read failed")
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
