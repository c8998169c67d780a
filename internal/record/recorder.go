// Package record appends every routed trade to a JSONL file so detector
// changes can be replayed offline against real flow.
package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"polymarket-sentry/pkg/types"
)

// Recorder writes one JSON object per line, buffered. Record never blocks
// the trade path on fsync; Flush and Close drain the buffer.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// Open appends to (or creates) the recording file.
func Open(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create recorder dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open recorder file: %w", err)
	}
	return &Recorder{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// Record appends one trade line.
func (r *Recorder) Record(t types.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(data); err != nil {
		return fmt.Errorf("write trade: %w", err)
	}
	return r.w.WriteByte('\n')
}

// Flush drains the buffer to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.f.Close()
}
