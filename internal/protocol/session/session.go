package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/spmctl/internal/observability"
	"github.com/danmuck/spmctl/internal/protocol/codec"
	"github.com/danmuck/spmctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Session is one control-socket connection to the instrument.
type Session struct {
	cfg  Config
	conn net.Conn

	mu     sync.Mutex
	broken error
	closed bool
}

// Dial connects to cfg.Address, retrying with backoff up to
// cfg.MaxConnectAttempts.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}

	var attempt int
	for {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err == nil {
			log.Info().Str("addr", cfg.Address).Int("attempt", attempt).Msg("session: connected")
			return New(conn, cfg), nil
		}
		err = classify("connect", err)
		log.Warn().Str("addr", cfg.Address).Int("attempt", attempt).Err(err).Msg("session: dial failed")
		if attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := sleep(ctx, cfg.Backoff.Delay(attempt, rng)); err != nil {
			return nil, err
		}
	}
}

// New wraps an established connection.
func New(conn net.Conn, cfg Config) *Session {
	return &Session{cfg: cfg.WithDefaults(), conn: conn}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Send performs one request/response round trip. values[i] is encoded with
// tags[i]; the response body is decoded with respTags. When the instrument
// appends an error trailer, the decoded values are returned together with a
// *frame.ServerError.
func (s *Session) Send(ctx context.Context, command string, values []codec.Value, tags []codec.Tag, respTags []codec.Tag) ([]codec.Value, error) {
	if len(values) != len(tags) {
		return nil, fmt.Errorf("%w: command=%s values=%d tags=%d", codec.ErrArity, command, len(values), len(tags))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := codec.Encode(values, tags)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s: %w", command, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrBroken, s.broken)
	}

	start := time.Now()
	out, err := s.roundTrip(ctx, command, body, respTags)
	observability.RecordRequest(command, outcome(err), time.Since(start))
	return out, err
}

func (s *Session) roundTrip(ctx context.Context, command string, body []byte, respTags []codec.Tag) ([]codec.Value, error) {
	if err := s.conn.SetWriteDeadline(deadline(ctx, s.cfg.WriteTimeout)); err != nil {
		return nil, s.fail(classify("set write deadline "+command, err))
	}
	if err := frame.WriteMessage(s.conn, command, body); err != nil {
		return nil, s.fail(classify("write "+command, err))
	}

	if err := s.conn.SetReadDeadline(deadline(ctx, s.cfg.ReadTimeout)); err != nil {
		return nil, s.fail(classify("set read deadline "+command, err))
	}
	h, err := frame.ReadHeader(s.conn)
	if err != nil {
		return nil, s.fail(classify("read header "+command, err))
	}
	if err := frame.ValidateResponse(h, command); err != nil {
		return nil, s.fail(err)
	}
	if h.BodySize > s.cfg.MaxBodySize {
		return nil, s.fail(fmt.Errorf("%w: %s declared %d bytes", frame.ErrBodyTooLarge, command, h.BodySize))
	}

	resp, eof, err := s.readBody(command, int(h.BodySize))
	if err != nil {
		return nil, s.fail(err)
	}
	if eof {
		s.fail(fmt.Errorf("session: %s: %w", command, io.ErrUnexpectedEOF))
	}

	values, n, err := codec.Decode(resp, respTags)
	if err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", command, err)
	}
	if n == len(resp) {
		return values, nil
	}
	trailer, err := frame.DecodeTrailer(resp[n:])
	if err != nil {
		return values, fmt.Errorf("session: %s: %w", command, err)
	}
	if err := trailer.Err(); err != nil {
		var se *frame.ServerError
		if errors.As(err, &se) {
			se.Command = command
		}
		return values, err
	}
	return values, nil
}

// readBody accumulates up to size bytes over at most MaxReadAttempts reads.
// A body cut short by EOF is returned truncated to what arrived and decoding
// reports the gap. Running out of attempts before EOF leaves unread bytes on
// the socket, so it is an error.
func (s *Session) readBody(command string, size int) (body []byte, eof bool, err error) {
	buf := make([]byte, size)
	got, attempts := 0, 0
	for ; attempts < s.cfg.MaxReadAttempts && got < size; attempts++ {
		n, err := s.conn.Read(buf[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			return nil, false, classify("read body "+command, err)
		}
	}
	if got < size {
		log.Warn().
			Str("command", command).
			Int("declared", size).
			Int("received", got).
			Int("reads", attempts).
			Bool("eof", eof).
			Msg("session: short response body")
		observability.RecordShortRead(command)
		if !eof {
			return nil, false, fmt.Errorf("%w: %s body incomplete after %d reads (%d of %d bytes)",
				codec.ErrTruncated, command, attempts, got, size)
		}
	}
	return buf[:got], eof, nil
}

func (s *Session) fail(err error) error {
	s.broken = err
	return err
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		return dl
	}
	return t
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case frame.IsServerError(err):
		return "server_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case codec.IsProtocolError(err):
		return "protocol"
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
