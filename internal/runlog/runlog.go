// Package runlog persists conditioning events as newline-delimited JSON.
//
// A clean shutdown may rewrite the file as one indented JSON array. Readers
// accept either form, a missing file, or an NDJSON file cut short mid-line.
package runlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrClosed = errors.New("runlog: writer closed")

// Record is one controller event.
type Record struct {
	Time         time.Time      `json:"time"`
	RunID        string         `json:"run_id,omitempty"`
	Event        string         `json:"event"`
	Cycle        int            `json:"cycle"`
	Loop         string         `json:"loop,omitempty"`
	Shape        string         `json:"shape,omitempty"`
	PulseVoltage float64        `json:"pulse_voltage,omitempty"`
	Signal       *float64       `json:"signal,omitempty"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

type Writer struct {
	mu     sync.Mutex
	path   string
	runID  string
	f      *os.File
	buf    *bufio.Writer
	closed bool
}

// Create truncates path and returns a writer stamping runID on every record.
func Create(path, runID string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runlog: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open: %w", err)
	}
	return &Writer{path: path, runID: runID, f: f, buf: bufio.NewWriter(f)}, nil
}

func (w *Writer) Path() string { return w.path }

// Append writes r as one line and flushes it to the file.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	if r.RunID == "" {
		r.RunID = w.runID
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("runlog: encode: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("runlog: write: %w", err)
	}
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	if w.closed {
		return nil
	}
	w.closed = true
	ferr := w.buf.Flush()
	serr := w.f.Sync()
	cerr := w.f.Close()
	return errors.Join(ferr, serr, cerr)
}

// Finalize closes the writer and replaces the file with an indented JSON
// array of its records.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.closeLocked(); err != nil {
		return err
	}
	records, err := ReadFile(w.path)
	if err != nil {
		return err
	}
	if records == nil {
		records = []Record{}
	}
	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("runlog: encode array: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("runlog: write array: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("runlog: replace: %w", err)
	}
	return nil
}

// ReadFile loads records from either form. A missing file yields nil, nil.
// An undecodable final NDJSON line without a trailing newline is dropped.
func ReadFile(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runlog: read: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("runlog: decode array: %w", err)
		}
		return records, nil
	}

	complete := bytes.HasSuffix(raw, []byte("\n"))
	lines := bytes.Split(bytes.TrimRight(raw, "\n"), []byte("\n"))
	var records []Record
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			if i == len(lines)-1 && !complete {
				break
			}
			return records, fmt.Errorf("runlog: decode line %d: %w", i+1, err)
		}
		records = append(records, r)
	}
	return records, nil
}
