package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// sseStream serializes events from the stdout and stderr writers onto one
// response.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEStream returns nil if the ResponseWriter does not support flushing.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

// Writer returns an io.Writer that sends each write as an event of type event.
func (s *sseStream) Writer(event string) *SSEWriter {
	return &SSEWriter{stream: s, event: event}
}

func (s *sseStream) send(event string, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Each line of a multi-line payload needs its own "data:" prefix, otherwise
	// a newline in user output would end the event early.
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) sendJSON(event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"error":"encoding failed"}`)
	}
	_ = s.send(event, string(b))
}

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
type SSEWriter struct {
	stream *sseStream
	event  string // "stdout" or "stderr"
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.stream.send(s.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
