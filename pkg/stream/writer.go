package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrFlushUnsupported is returned when the ResponseWriter cannot flush.
var ErrFlushUnsupported = errors.New("streaming unsupported")

// DefaultKeepAlive is the interval between comment pings while the turn is
// still aggregating context.
const DefaultKeepAlive = 15 * time.Second

// SetHeaders configures the response for server-sent events.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Writer frames events onto an HTTP response. Safe for concurrent use.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewWriter sets the SSE headers and wraps w. It fails before anything is
// written when w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlushUnsupported
	}
	SetHeaders(w)
	return &Writer{w: w, flusher: flusher}, nil
}

// Write sends one `data: <json>` frame and flushes it.
func (w *Writer) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Ping writes an SSE comment so proxies keep the connection open.
func (w *Writer) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Relay copies the session's events to the client until the session ends
// or ctx is cancelled. Pings are sent until the first event after the
// conversation id arrives. A failed write cancels the session.
func (w *Writer) Relay(ctx context.Context, s *Session, keepAlive time.Duration) error {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	ping := ticker.C

	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return ctx.Err()
		case <-ping:
			if err := w.Ping(); err != nil {
				s.Cancel()
				return err
			}
		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			if err := w.Write(ev); err != nil {
				s.Cancel()
				return err
			}
			if ev.Type != TypeConversationID {
				ping = nil
			}
		}
	}
}
