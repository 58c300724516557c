package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// SSEWriter encodes events as text/event-stream frames. Headers are sent
// lazily on the first frame, so a caller can still answer with a plain
// HTTP error while nothing has been written.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	opened  bool
}

var ErrFlushUnsupported = errors.New("stream: response writer does not support flushing")

func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlushUnsupported
	}
	return &SSEWriter{w: w, flusher: f}, nil
}

// Opened reports whether headers have been committed.
func (s *SSEWriter) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *SSEWriter) open() {
	if s.opened {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
}

func (s *SSEWriter) WriteEvent(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.open()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind(), b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line. It is dropped until the stream is open.
func (s *SSEWriter) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
