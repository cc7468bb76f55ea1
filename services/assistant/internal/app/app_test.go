package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arisbot/pkg/ai"
	"arisbot/pkg/domain"
	"arisbot/pkg/sources/ticketing"
	"arisbot/pkg/store"
	"arisbot/pkg/stream"
)

// fakeModel streams fixed deltas. When hold is set, it waits on hold after
// the last delta so tests can act while the turn is still streaming.
type fakeModel struct {
	deltas []string
	hold   chan struct{}
	title  string

	mu        sync.Mutex
	prompts   []string
	histories [][]ai.ChatMessage
}

func (m *fakeModel) StreamChat(ctx context.Context, systemPrompt string, history []ai.ChatMessage) (ai.ChatStream, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, systemPrompt)
	m.histories = append(m.histories, history)
	m.mu.Unlock()
	return &fakeStream{ctx: ctx, deltas: append([]string(nil), m.deltas...), hold: m.hold}, nil
}

func (m *fakeModel) GenerateText(context.Context, string, string) (string, error) {
	if m.title == "" {
		return "", errors.New("no title")
	}
	return m.title, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *fakeModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

func (m *fakeModel) lastHistory() []ai.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.histories) == 0 {
		return nil
	}
	return m.histories[len(m.histories)-1]
}

type fakeStream struct {
	ctx    context.Context
	deltas []string
	hold   chan struct{}
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

var testUser = domain.User{ID: "user-1", Name: "Ana", Department: "Soporte", Site: "Madrid", Role: domain.RoleUser, Active: true}

func newTestApp(t *testing.T, model *fakeModel, mutate func(*Config)) (*App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutUser(testUser)
	cfg := Config{
		Store:      st,
		Models:     ai.Provider{Default: model, Titles: model},
		BasePrompt: "Eres ARIS.",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st
}

func drain(t *testing.T, s *stream.Session) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("turn did not finish, got %v", events)
		}
	}
}

func next(t *testing.T, s *stream.Session) stream.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("session closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no event")
	}
	return stream.Event{}
}

func types(events []stream.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return out
}

func TestNewRequiresStoreAndModel(t *testing.T) {
	if _, err := New(Config{Models: ai.Provider{Default: &fakeModel{}}}); err == nil {
		t.Fatalf("expected missing store to fail")
	}
	if _, err := New(Config{Store: store.NewMemoryStore()}); err == nil {
		t.Fatalf("expected missing model to fail")
	}
}

func TestChatNewConversationOrdersTitleBeforeDone(t *testing.T) {
	model := &fakeModel{deltas: []string{"Hola", ", Ana"}, title: "\"Saludo inicial\""}
	a, st := newTestApp(t, model, nil)

	s, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "  hola  "})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	events := drain(t, s)
	got := strings.Join(types(events), ",")
	if got != "conversation_id,delta,delta,title,done" {
		t.Fatalf("unexpected event order %s", got)
	}
	if events[0].ID != s.ConversationID || events[3].Title != "Saludo inicial" {
		t.Fatalf("unexpected events %+v", events)
	}

	conversation, ok, _ := st.GetConversation(s.ConversationID)
	if !ok || conversation.UserID != testUser.ID || conversation.Title != "Saludo inicial" {
		t.Fatalf("unexpected conversation %+v", conversation)
	}
	if conversation.Department != "Soporte" || conversation.Site != "Madrid" {
		t.Fatalf("user snapshot missing: %+v", conversation)
	}
	messages, _ := st.ListMessages(s.ConversationID)
	if len(messages) != 2 || messages[0].Content != "hola" || messages[1].Content != "Hola, Ana" {
		t.Fatalf("unexpected messages %+v", messages)
	}
	if !strings.HasPrefix(model.lastPrompt(), "Eres ARIS.") {
		t.Fatalf("base prompt missing: %q", model.lastPrompt())
	}
}

func TestChatExistingConversationReplaysHistoryWithoutTitle(t *testing.T) {
	model := &fakeModel{deltas: []string{"Sí"}, title: "Otro"}
	a, st := newTestApp(t, model, nil)
	first, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "primera"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	drain(t, first)

	second, err := a.Chat(context.Background(), testUser, ChatRequest{ConversationID: first.ConversationID, Message: "segunda"})
	if err != nil {
		t.Fatalf("chat again: %v", err)
	}
	if got := strings.Join(types(drain(t, second)), ","); got != "conversation_id,delta,done" {
		t.Fatalf("unexpected event order %s", got)
	}
	history := model.lastHistory()
	if len(history) != 3 || history[0].Content != "primera" || history[1].Role != "assistant" || history[2].Content != "segunda" {
		t.Fatalf("unexpected history %+v", history)
	}
	messages, _ := st.ListMessages(first.ConversationID)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
}

func TestChatDisconnectPersistsNothing(t *testing.T) {
	hold := make(chan struct{})
	model := &fakeModel{deltas: []string{"Respuesta parcial"}, hold: hold, title: "Nunca"}
	a, st := newTestApp(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := a.Chat(ctx, testUser, ChatRequest{Message: "explícame la VPN"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if ev := next(t, s); ev.Type != stream.TypeConversationID {
		t.Fatalf("expected conversation_id first, got %s", ev.Type)
	}
	if ev := next(t, s); ev.Type != stream.TypeDelta {
		t.Fatalf("expected delta, got %s", ev.Type)
	}
	cancel()
	for _, ev := range drain(t, s) {
		if ev.Type == stream.TypeDone || ev.Type == stream.TypeError || ev.Type == stream.TypeTitle {
			t.Fatalf("unexpected %s after disconnect", ev.Type)
		}
	}

	messages, _ := st.ListMessages(s.ConversationID)
	if len(messages) != 1 || messages[0].Role != domain.MessageRoleUser {
		t.Fatalf("expected only the user message, got %+v", messages)
	}
	conversation, _, _ := st.GetConversation(s.ConversationID)
	if conversation.Title != domain.DefaultConversationTitle {
		t.Fatalf("title should not change, got %q", conversation.Title)
	}
	if s.State() != stream.StateCancelled {
		t.Fatalf("expected cancelled state, got %s", s.State())
	}
}

func TestChatRejectsOverlappingTurn(t *testing.T) {
	hold := make(chan struct{})
	model := &fakeModel{deltas: []string{"uno"}, hold: hold}
	a, _ := newTestApp(t, model, nil)

	first, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "primera"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	next(t, first)
	_, err = a.Chat(context.Background(), testUser, ChatRequest{ConversationID: first.ConversationID, Message: "segunda"})
	if !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	close(hold)
	drain(t, first)

	// The lock is released once the turn finishes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := a.Chat(context.Background(), testUser, ChatRequest{ConversationID: first.ConversationID, Message: "tercera"})
		if err == nil {
			drain(t, s)
			break
		}
		if !errors.Is(err, ErrTurnInProgress) || time.Now().After(deadline) {
			t.Fatalf("expected turn to be released, got %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatValidation(t *testing.T) {
	model := &fakeModel{deltas: []string{"x"}}
	a, st := newTestApp(t, model, nil)
	if err := st.CreateConversation(domain.Conversation{ID: "conv-other", UserID: "user-2", Title: "ajena"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		req  ChatRequest
		want error
	}{
		{"empty", ChatRequest{Message: "   "}, ErrEmptyMessage},
		{"unknown conversation", ChatRequest{ConversationID: "missing", Message: "hola"}, ErrConversationNotFound},
		{"foreign conversation", ChatRequest{ConversationID: "conv-other", Message: "hola"}, ErrConversationForbidden},
		{"image without vision", ChatRequest{Message: "mira", Attachments: []domain.Attachment{{IsImage: true, Base64: "AAAA", MediaType: "image/png"}}}, ErrVisionUnavailable},
	}
	for _, tc := range cases {
		if _, err := a.Chat(context.Background(), testUser, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if model.calls() != 0 {
		t.Fatalf("model should not be called on rejected turns")
	}
	if messages, _ := st.ListMessages("conv-other"); len(messages) != 0 {
		t.Fatalf("foreign conversation was modified")
	}
}

func TestChatRateLimited(t *testing.T) {
	a, _ := newTestApp(t, &fakeModel{}, func(cfg *Config) { cfg.Limiter = denyLimiter{} })
	if _, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "hola"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestChatAttachments(t *testing.T) {
	text := &fakeModel{deltas: []string{"texto"}}
	vision := &fakeModel{deltas: []string{"imagen"}}
	a, st := newTestApp(t, text, func(cfg *Config) { cfg.Models.Vision = vision })

	s, err := a.Chat(context.Background(), testUser, ChatRequest{
		Message: "revisa esto",
		Attachments: []domain.Attachment{
			{OriginalName: "notas.txt", IsText: true, TextContent: "router reiniciado"},
			{OriginalName: "foto.png", IsImage: true, Base64: "iVBORw0KGgo=", MediaType: "image/png"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	drain(t, s)

	if text.calls() != 0 || vision.calls() != 1 {
		t.Fatalf("expected the vision model, got text=%d vision=%d", text.calls(), vision.calls())
	}
	history := vision.lastHistory()
	last := history[len(history)-1]
	if len(last.Images) != 1 || last.Images[0].MediaType != "image/png" {
		t.Fatalf("image not attached to the last user message: %+v", last)
	}
	messages, _ := st.ListMessages(s.ConversationID)
	stored := messages[0].Content
	if !strings.Contains(stored, "--- Archivo adjunto: notas.txt ---\nrouter reiniciado\n--- Fin del archivo ---") {
		t.Fatalf("text attachment not inlined: %q", stored)
	}
	if strings.Contains(stored, "iVBORw0KGgo=") {
		t.Fatalf("image data should not be stored in the message")
	}
	if got := len(st.Attachments(s.ConversationID)); got != 2 {
		t.Fatalf("expected 2 attachment records, got %d", got)
	}
}

func TestChatModelFailureEmitsError(t *testing.T) {
	a, st := newTestApp(t, &fakeModel{deltas: []string{"x"}}, func(cfg *Config) {
		cfg.Models = ai.Provider{Vision: &fakeModel{}}
	})
	s, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "hola"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	events := drain(t, s)
	last := events[len(events)-1]
	if last.Type != stream.TypeError || last.Message == "" {
		t.Fatalf("expected error event, got %+v", events)
	}
	if s.State() != stream.StateError {
		t.Fatalf("expected error state, got %s", s.State())
	}
	if messages, _ := st.ListMessages(s.ConversationID); len(messages) != 1 {
		t.Fatalf("expected only the user message, got %d", len(messages))
	}
}

// newFakeCRM serves the ticketing fixtures behind a session login.
type fakeCRM struct {
	*httptest.Server
	listCalls atomic.Int32
	listDelay time.Duration
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	crm := &fakeCRM{}
	fixtures := filepath.Join("..", "..", "..", "..", "pkg", "sources", "ticketing", "testdata")
	serve := func(w http.ResponseWriter, name string) {
		raw, err := os.ReadFile(filepath.Join(fixtures, name))
		if err != nil {
			t.Errorf("read fixture %s: %v", name, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/Inicio.jsp":
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "sess-1"})
			w.Header().Set("Location", "/Principal.jsp")
			w.WriteHeader(http.StatusFound)
		case "/aServerSide.jsp":
			switch r.URL.Query().Get("FCT") {
			case "TKT_LISTA":
				crm.listCalls.Add(1)
				time.Sleep(crm.listDelay)
				if r.PostForm.Get("CndCERRADO") == "1" {
					serve(w, "tkt_lista_closed.json")
					return
				}
				serve(w, "tkt_lista_open.json")
			case "TKT_FICHA":
				if r.PostForm.Get("TKID") == "16648" {
					serve(w, "tkt_ficha_16648.json")
					return
				}
				w.Write([]byte(`{"respuesta":"-Ticket no encontrado"}`))
			case "CLI_LISTA":
				serve(w, "cli_lista.json")
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	crm.Server = srv
	return crm
}

func TestChatTicketQuestionIncludesTicketDetail(t *testing.T) {
	srv := newFakeCRM(t)
	model := &fakeModel{deltas: []string{"El ticket está abierto."}}
	a, _ := newTestApp(t, model, func(cfg *Config) {
		cfg.Adapters.Tickets = ticketing.New(ticketing.Config{
			BaseURL:    srv.URL,
			User:       "agent",
			Password:   "secret",
			HTTPClient: srv.Client(),
		})
	})

	s, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "¿cómo está el ticket 16648?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := strings.Join(types(drain(t, s)), ","); !strings.HasSuffix(got, "done") {
		t.Fatalf("turn did not complete: %s", got)
	}
	prompt := model.lastPrompt()
	if !strings.Contains(prompt, "Detalle completo del Ticket #16648") {
		t.Fatalf("ticket detail missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Ana") {
		t.Fatalf("user profile missing from prompt:\n%s", prompt)
	}
}

func TestChatRespectsDisabledSource(t *testing.T) {
	srv := newFakeCRM(t)
	model := &fakeModel{deltas: []string{"No tengo acceso."}}
	a, st := newTestApp(t, model, func(cfg *Config) {
		cfg.Adapters.Tickets = ticketing.New(ticketing.Config{
			BaseURL:    srv.URL,
			User:       "agent",
			Password:   "secret",
			HTTPClient: srv.Client(),
		})
	})
	if err := st.SetUserSourceOverride(testUser.ID, domain.SourceTicketing, false); err != nil {
		t.Fatalf("override: %v", err)
	}
	s, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "¿cómo está el ticket 16648?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	drain(t, s)
	if strings.Contains(model.lastPrompt(), "Detalle completo del Ticket") {
		t.Fatalf("disabled source reached the prompt")
	}
}

func TestConversationOwnership(t *testing.T) {
	a, st := newTestApp(t, &fakeModel{}, nil)
	st.CreateConversation(domain.Conversation{ID: "mine", UserID: testUser.ID, Title: "mía"})
	st.CreateConversation(domain.Conversation{ID: "theirs", UserID: "user-2", Title: "ajena"})
	st.AppendMessage(domain.Message{ConversationID: "mine", Role: domain.MessageRoleUser, Content: "hola"})

	conversation, messages, err := a.ConversationMessages(testUser, "mine")
	if err != nil || conversation.ID != "mine" || len(messages) != 1 {
		t.Fatalf("unexpected %+v %+v %v", conversation, messages, err)
	}
	if _, _, err := a.ConversationMessages(testUser, "theirs"); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, _, err := a.ConversationMessages(testUser, "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := a.DeleteConversation(testUser, "theirs"); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden delete, got %v", err)
	}
	if err := a.DeleteConversation(testUser, "mine"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := a.ListConversations(testUser, 0)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no conversations, got %+v %v", list, err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	a, _ := newTestApp(t, &fakeModel{}, nil)
	bad := []domain.Feedback{
		{ConversationID: "c", Rating: 1},
		{MessageID: "m", Rating: 1},
		{MessageID: "m", ConversationID: "c", Rating: 0},
		{MessageID: "m", ConversationID: "c", Rating: 2},
	}
	for _, fb := range bad {
		if err := a.SubmitFeedback(fb); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("%+v: expected ErrInvalidRating, got %v", fb, err)
		}
	}
	if err := a.SubmitFeedback(domain.Feedback{MessageID: "m1", ConversationID: "c", Rating: 1}); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if err := a.SubmitFeedback(domain.Feedback{MessageID: "m1", ConversationID: "c", Rating: -1}); err != nil {
		t.Fatalf("feedback update: %v", err)
	}
	stats, err := a.FeedbackStats()
	if err != nil || stats.Total != 1 || stats.Negative != 1 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestSourceAdministration(t *testing.T) {
	a, _ := newTestApp(t, &fakeModel{}, nil)

	access, err := a.SetRoleSources(domain.RoleUser, map[string]bool{"wiki": false})
	if err != nil {
		t.Fatalf("role sources: %v", err)
	}
	if access.Enabled(domain.SourceWiki) || !access.Enabled(domain.SourceTicketing) {
		t.Fatalf("unexpected role access %+v", access)
	}
	access, err = a.SetUserSources(testUser.ID, map[string]bool{"wiki": true, "connectivity": false})
	if err != nil {
		t.Fatalf("user sources: %v", err)
	}
	if !access.Enabled(domain.SourceWiki) || access.Enabled(domain.SourceConnectivity) {
		t.Fatalf("override should win over the role default: %+v", access)
	}

	if _, err := a.SetRoleSources(domain.RoleUser, map[string]bool{"bogus": true}); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	if _, err := a.SetRoleSources("guest", map[string]bool{"wiki": true}); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource for unknown role, got %v", err)
	}
	if _, err := a.SetUserSources("ghost", map[string]bool{"wiki": true}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	a, _ := newTestApp(t, &fakeModel{}, nil)
	user, err := a.Authenticate("user-1")
	if err != nil || user.Name != "Ana" {
		t.Fatalf("unexpected %+v %v", user, err)
	}
	if _, err := a.Authenticate("nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestKnowledgeWithoutIndex(t *testing.T) {
	a, _ := newTestApp(t, &fakeModel{}, nil)
	if _, err := a.KnowledgeStats(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := a.RequestReindex(context.Background(), ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if a.LinesConfigured() {
		t.Fatalf("lines should not be configured")
	}
}

func TestInlineAttachmentsSkipsBinary(t *testing.T) {
	got := inlineAttachments("hola", []domain.Attachment{
		{OriginalName: "a.txt", IsText: true, TextContent: "uno"},
		{OriginalName: "b.pdf"},
		{OriginalName: "c.txt", IsText: true},
	})
	want := fmt.Sprintf("hola\n\n--- Archivo adjunto: %s ---\n%s\n--- Fin del archivo ---", "a.txt", "uno")
	if got != want {
		t.Fatalf("unexpected body %q", got)
	}
}

type failingAssistantStore struct {
	*store.MemoryStore
}

func (s failingAssistantStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	if msg.Role == domain.MessageRoleAssistant {
		return domain.Message{}, errors.New("database unavailable")
	}
	return s.MemoryStore.AppendMessage(msg)
}

func TestChatAssistantSaveFailureStillCompletes(t *testing.T) {
	model := &fakeModel{deltas: []string{"Hola"}, title: "Saludo"}
	var mem *store.MemoryStore
	a, _ := newTestApp(t, model, func(cfg *Config) {
		mem = cfg.Store.(*store.MemoryStore)
		cfg.Store = failingAssistantStore{mem}
	})

	s, err := a.Chat(context.Background(), testUser, ChatRequest{Message: "hola"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	got := strings.Join(types(drain(t, s)), ",")
	if got != "conversation_id,delta,title,done" {
		t.Fatalf("unexpected event order %s", got)
	}
	if s.State() != stream.StateDone {
		t.Fatalf("expected done, got %s", s.State())
	}
	messages, _ := mem.ListMessages(s.ConversationID)
	if len(messages) != 1 || messages[0].Role != domain.MessageRoleUser {
		t.Fatalf("expected only the user message stored, got %+v", messages)
	}
}

func TestConcurrentTurnsShareTicketListFetch(t *testing.T) {
	crm := newFakeCRM(t)
	crm.listDelay = 200 * time.Millisecond
	model := &fakeModel{deltas: []string{"Hay 3 tickets."}}
	other := domain.User{ID: "user-2", Name: "Luis", Department: "Ventas", Site: "Sevilla", Role: domain.RoleUser, Active: true}
	a, st := newTestApp(t, model, func(cfg *Config) {
		cfg.Adapters.Tickets = ticketing.New(ticketing.Config{
			BaseURL:    crm.URL,
			User:       "agent",
			Password:   "secret",
			HTTPClient: crm.Client(),
		})
	})
	st.PutUser(other)

	// Turns run in the background once Chat returns, so both overlap.
	var turns []*stream.Session
	for _, u := range []domain.User{testUser, other} {
		s, err := a.Chat(context.Background(), u, ChatRequest{Message: "¿cuántos tickets abiertos hay?"})
		if err != nil {
			t.Fatalf("chat %s: %v", u.ID, err)
		}
		turns = append(turns, s)
	}
	for _, s := range turns {
		if got := strings.Join(types(drain(t, s)), ","); !strings.HasSuffix(got, "done") {
			t.Fatalf("turn did not complete: %s", got)
		}
	}

	if n := crm.listCalls.Load(); n != 1 {
		t.Fatalf("expected one shared ticket list fetch, got %d", n)
	}
	model.mu.Lock()
	defer model.mu.Unlock()
	if len(model.prompts) != 2 {
		t.Fatalf("expected two model calls, got %d", len(model.prompts))
	}
	for i, prompt := range model.prompts {
		if !strings.Contains(prompt, "**Total de tickets abiertos:** 3") {
			t.Fatalf("prompt %d missing ticket stats:\n%s", i, prompt)
		}
	}
}
