package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/spmctl/internal/conditioning"
	"github.com/danmuck/spmctl/internal/telemetry"
	"github.com/danmuck/spmctl/internal/testutil/testlog"
)

type fakeStatus struct {
	snap conditioning.Snapshot
}

func (f fakeStatus) Snapshot() conditioning.Snapshot { return f.snap }

type fakeTelemetry struct {
	frames []telemetry.TimestampedFrame
	asked  int
}

func (f *fakeTelemetry) Stats() telemetry.Stats {
	return telemetry.Stats{Frames: len(f.frames), Capacity: 100, Channels: 1}
}

func (f *fakeTelemetry) Channels() []int { return []int{76} }

func (f *fakeTelemetry) RecentFrames(n int) []telemetry.TimestampedFrame {
	f.asked = n
	if n > len(f.frames) {
		n = len(f.frames)
	}
	return f.frames[len(f.frames)-n:]
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v body=%s", path, err, rr.Body.String())
	}
	return rr.Code, body
}

func TestStatusReportsSnapshot(t *testing.T) {
	testlog.Start(t)
	status := fakeStatus{snap: conditioning.Snapshot{
		Shape:        conditioning.Sharp,
		Cycle:        4,
		PulseVoltage: 2.5,
		Histories:    map[int][]float64{76: {-1, -3}},
	}}
	s := New("127.0.0.1:0", "run-1", nil, status, nil)

	code, body := get(t, s, "/status")
	if code != http.StatusOK {
		t.Fatalf("status code=%d", code)
	}
	if body["run_id"] != "run-1" {
		t.Fatalf("run_id=%v", body["run_id"])
	}
	snap, ok := body["snapshot"].(map[string]any)
	if !ok {
		t.Fatalf("snapshot missing: %#v", body)
	}
	if snap["shape"] != "sharp" || snap["cycle"] != float64(4) || snap["pulse_voltage"] != 2.5 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", "run-1", []string{"http://example.test"}, fakeStatus{}, nil)

	code, body := get(t, s, "/health")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health code=%d body=%#v", code, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics code=%d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "abc" {
		t.Fatalf("request id=%q", got)
	}

	rr = httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id not assigned")
	}
}

func TestTelemetryRoutes(t *testing.T) {
	testlog.Start(t)
	tel := &fakeTelemetry{frames: []telemetry.TimestampedFrame{
		{Timestamp: 10 * time.Millisecond, Counter: 1, Values: []float32{1}},
		{Timestamp: 20 * time.Millisecond, Counter: 2, Values: []float32{2}},
		{Timestamp: 30 * time.Millisecond, Counter: 3, Values: []float32{3}},
	}}
	s := New("127.0.0.1:0", "run-1", nil, fakeStatus{}, tel)

	code, body := get(t, s, "/telemetry")
	if code != http.StatusOK {
		t.Fatalf("telemetry code=%d", code)
	}
	stats := body["stats"].(map[string]any)
	if stats["frames"] != float64(3) {
		t.Fatalf("frames=%v", stats["frames"])
	}

	code, body = get(t, s, "/telemetry/frames?n=2")
	if code != http.StatusOK {
		t.Fatalf("frames code=%d", code)
	}
	if frames := body["frames"].([]any); len(frames) != 2 {
		t.Fatalf("frames len=%d", len(frames))
	}

	get(t, s, "/telemetry/frames?n=999999")
	if tel.asked != MaxRecentFrames {
		t.Fatalf("asked=%d want cap %d", tel.asked, MaxRecentFrames)
	}

	code, _ = get(t, s, "/telemetry/frames?n=zero")
	if code != http.StatusBadRequest {
		t.Fatalf("bad n code=%d", code)
	}
}

func TestTelemetryDisabled(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", "run-1", nil, fakeStatus{}, nil)
	code, body := get(t, s, "/telemetry")
	if code != http.StatusNotFound || body["error"] == nil {
		t.Fatalf("code=%d body=%#v", code, body)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := New(addr, "run-1", nil, fakeStatus{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("monitor never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
