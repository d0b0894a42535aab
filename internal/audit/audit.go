// Package audit implements the append-only JSON-line audit sink described
// in spec.md §6, ported from
// original_source/orchestrator/github_webhook.py's WebhookAuditLogger.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Sink appends JSON-line records. A Sink with no path configured is a
// no-op, matching the original's path=None behavior.
type Sink struct {
	mu   sync.Mutex
	path string
}

// NewSink builds a Sink writing to path, creating its parent directory. An
// empty path yields a no-op sink.
func NewSink(path string) (*Sink, error) {
	if path == "" {
		return &Sink{}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "audit: create log directory")
		}
	}
	return &Sink{path: path}, nil
}

// Append writes one JSON-encoded record followed by a newline. Keys are
// sorted by encoding/json's map-marshaling behavior, matching the
// original's sort_keys=True.
func (s *Sink) Append(record map[string]any) error {
	if s.path == "" {
		return nil
	}
	line, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "audit: marshal record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "audit: open log file")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "audit: write record")
	}
	return nil
}
