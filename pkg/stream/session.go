package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// State is the lifecycle position of one chat turn.
type State int

const (
	StateIdle State = iota
	StateRouting
	StateAggregating
	StateStreaming
	StateDone
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRouting:
		return "routing"
	case StateAggregating:
		return "aggregating"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the turn has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

var transitions = map[State][]State{
	StateIdle:        {StateRouting, StateError, StateCancelled},
	StateRouting:     {StateAggregating, StateError, StateCancelled},
	StateAggregating: {StateStreaming, StateError, StateCancelled},
	StateStreaming:   {StateDone, StateError, StateCancelled},
}

// Session is the live state of one chat turn: the events still to be sent,
// the text generated so far and the cancellation handle of the model call.
type Session struct {
	ConversationID string
	// IsNew is set when the turn created the conversation; a title is
	// generated once the answer completes.
	IsNew bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu    sync.Mutex
	state State
	text  strings.Builder
	once  sync.Once
}

// NewSession starts a turn bound to parent. Cancelling parent cancels the
// turn.
func NewSession(parent context.Context, conversationID string, isNew bool) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ConversationID: conversationID,
		IsNew:          isNew,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan Event, 16),
	}
}

// Context is cancelled when the client goes away or Cancel is called.
func (s *Session) Context() context.Context { return s.ctx }

// Events is closed after the last event of the turn.
func (s *Session) Events() <-chan Event { return s.events }

// Cancel aborts the turn. Nothing is emitted afterwards.
func (s *Session) Cancel() { s.cancel() }

// Cancelled reports whether the turn was aborted.
func (s *Session) Cancelled() bool { return s.ctx.Err() != nil }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the turn to next, rejecting transitions the lifecycle does
// not allow.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid turn transition %s -> %s", s.state, next)
}

// Emit queues ev for the client. It returns false once the turn is
// cancelled.
func (s *Session) Emit(ev Event) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Append records a generated delta and relays it.
func (s *Session) Append(delta string) bool {
	s.mu.Lock()
	s.text.WriteString(delta)
	s.mu.Unlock()
	return s.Emit(Delta(delta))
}

// Text returns everything appended so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Close ends the event sequence and releases the context. Only the
// producer calls Close; it is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.events)
		s.cancel()
	})
}
