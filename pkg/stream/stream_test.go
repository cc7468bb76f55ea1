package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRelayFramesEventsInOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	s := NewSession(context.Background(), "c1", true)
	go func() {
		defer s.Close()
		s.Emit(ConversationID("c1"))
		s.Emit(HistoryUsed())
		s.Append("Hola")
		s.Append(", \"Ana\"")
		s.Emit(Title("Saludo"))
		s.Emit(Done())
	}()
	if err := w.Relay(context.Background(), s, time.Hour); err != nil {
		t.Fatalf("relay: %v", err)
	}

	want := "data: {\"type\":\"conversation_id\",\"id\":\"c1\"}\n\n" +
		"data: {\"type\":\"history_used\"}\n\n" +
		"data: {\"type\":\"delta\",\"text\":\"Hola\"}\n\n" +
		"data: {\"type\":\"delta\",\"text\":\", \\\"Ana\\\"\"}\n\n" +
		"data: {\"type\":\"title\",\"title\":\"Saludo\"}\n\n" +
		"data: {\"type\":\"done\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream:\n%s\nwant\n%s", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("proxy buffering not disabled")
	}
	if s.Text() != "Hola, \"Ana\"" {
		t.Fatalf("unexpected accumulated text %q", s.Text())
	}
}

func TestRelayClientDisconnectCancelsSession(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := NewWriter(rec)
	s := NewSession(context.Background(), "c1", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Relay(ctx, s, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
	if !s.Cancelled() {
		t.Fatalf("session not cancelled")
	}
	if s.Emit(Delta("late")) || s.Append("late") {
		t.Fatalf("emit succeeded after cancellation")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("unexpected output %q", rec.Body.String())
	}
}

func TestRelayPingsWhileWaiting(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := NewWriter(rec)
	s := NewSession(context.Background(), "c1", false)
	release := make(chan struct{})
	s.Emit(ConversationID("c1"))
	go func() {
		defer s.Close()
		<-release
		s.Emit(Done())
	}()
	go func() {
		time.Sleep(60 * time.Millisecond)
		close(release)
	}()
	if err := w.Relay(context.Background(), s, 10*time.Millisecond); err != nil {
		t.Fatalf("relay: %v", err)
	}
	body := rec.Body.String()
	if want := "data: {\"type\":\"conversation_id\",\"id\":\"c1\"}\n\n"; !strings.HasPrefix(body, want) {
		t.Fatalf("conversation id must come first: %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("expected keep-alive pings: %q", body)
	}
}

type plainWriter struct{ http.ResponseWriter }

func TestNewWriterRequiresFlusher(t *testing.T) {
	if _, err := NewWriter(plainWriter{httptest.NewRecorder()}); err != ErrFlushUnsupported {
		t.Fatalf("expected ErrFlushUnsupported, got %v", err)
	}
}

func TestSessionTransitions(t *testing.T) {
	s := NewSession(context.Background(), "c1", false)
	for _, next := range []State{StateRouting, StateAggregating, StateStreaming, StateDone} {
		if err := s.Advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if !s.State().Terminal() {
		t.Fatalf("done must be terminal")
	}
	if err := s.Advance(StateStreaming); err == nil {
		t.Fatalf("expected error leaving a terminal state")
	}

	s = NewSession(context.Background(), "c2", false)
	if err := s.Advance(StateStreaming); err == nil {
		t.Fatalf("expected error skipping routing")
	}
	if err := s.Advance(StateCancelled); err != nil {
		t.Fatalf("cancel from idle: %v", err)
	}
}
