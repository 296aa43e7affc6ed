// Package fakespm serves the instrument control protocol in-process for tests.
package fakespm

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/spmctl/internal/protocol/codec"
	"github.com/danmuck/spmctl/internal/protocol/frame"
)

// Request is one decoded request as seen by a handler.
type Request struct {
	Command string
	Body    []byte
}

// Response describes what the server writes back. Zero fields mean "echo the
// command and declare len(Body)".
type Response struct {
	Command      string
	Body         []byte
	DeclaredSize int
	Trailer      *frame.Trailer
	Delay        time.Duration
	Hangup       bool
}

type Handler func(Request) Response

type Server struct {
	t  testing.TB
	ln net.Listener

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// Start listens on a loopback port and closes the server on test cleanup.
func Start(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakespm listen: %v", err)
	}
	s := &Server{
		t:        t,
		ln:       ln,
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Calls reports how many requests for command have been served.
func (s *Server) Calls(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[command]
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		h, err := frame.ReadHeader(conn)
		if err != nil {
			return
		}
		body := make([]byte, h.BodySize)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		s.mu.Lock()
		handler, ok := s.handlers[h.Command]
		s.calls[h.Command]++
		s.mu.Unlock()

		resp := Response{Trailer: &frame.Trailer{Status: -1, Message: "unknown command " + h.Command}}
		if ok {
			resp = handler(Request{Command: h.Command, Body: body})
		}
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		if err := write(conn, h.Command, resp); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.t.Logf("fakespm write %s: %v", h.Command, err)
			}
			return
		}
		if resp.Hangup {
			return
		}
	}
}

func write(conn net.Conn, command string, resp Response) error {
	echo := command
	if resp.Command != "" {
		echo = resp.Command
	}
	payload := resp.Body
	if resp.Trailer != nil {
		payload = append(append([]byte(nil), payload...), frame.EncodeTrailer(*resp.Trailer)...)
	}
	size := len(payload)
	if resp.DeclaredSize > 0 {
		size = resp.DeclaredSize
	}
	h := frame.NewHeader(echo, size)
	h.SendResponse = false
	msg := append(frame.EncodeHeader(h), payload...)
	_, err := conn.Write(msg)
	return err
}

// Body encodes response fields, failing the test on a bad value/tag pair.
func Body(t testing.TB, values []codec.Value, tags []codec.Tag) []byte {
	t.Helper()
	b, err := codec.Encode(values, tags)
	if err != nil {
		t.Fatalf("fakespm encode: %v", err)
	}
	return b
}

// Reply returns a handler that always answers with body.
func Reply(body []byte) Handler {
	return func(Request) Response {
		return Response{Body: body}
	}
}

// Decode parses request fields inside a handler. Handlers run off the test
// goroutine, so failures are reported with Errorf and a nil result.
func Decode(t testing.TB, req Request, tags []codec.Tag) []codec.Value {
	t.Helper()
	vals, _, err := codec.Decode(req.Body, tags)
	if err != nil {
		t.Errorf("fakespm decode %s: %v", req.Command, err)
		return nil
	}
	return vals
}
