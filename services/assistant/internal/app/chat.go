package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"arisbot/internal/util"
	"arisbot/pkg/aggregate"
	"arisbot/pkg/ai"
	"arisbot/pkg/domain"
	"arisbot/pkg/router"
	"arisbot/pkg/store"
	"arisbot/pkg/stream"
)

// ChatRequest is one user turn. Attachments arrive already processed by
// the upload step.
type ChatRequest struct {
	ConversationID string              `json:"conversationId"`
	Message        string              `json:"message"`
	Attachments    []domain.Attachment `json:"attachments"`
}

type turn struct {
	user    domain.User
	message string
	images  []ai.Image
	release func()
}

// Chat validates the request, persists the user message and starts the
// turn. The returned session yields conversation_id first, then the
// generated events, and is closed after done or error. Validation
// failures are returned before any event is produced.
func (a *App) Chat(ctx context.Context, user domain.User, req ChatRequest) (*stream.Session, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	images := imagesOf(req.Attachments)
	if len(images) > 0 && a.models.Vision == nil {
		return nil, ErrVisionUnavailable
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, user.ID) {
		chatRejectedTotal.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	conversation, isNew, err := a.resolveConversation(user, req.ConversationID)
	if err != nil {
		return nil, err
	}
	release, err := a.guard.Acquire(ctx, conversation.ID, a.turnTimeout)
	if err != nil {
		if errors.Is(err, store.ErrTurnActive) {
			chatRejectedTotal.WithLabelValues("turn_in_progress").Inc()
			return nil, ErrTurnInProgress
		}
		return nil, err
	}
	if isNew {
		if err := a.store.CreateConversation(conversation); err != nil {
			release()
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}
	if _, err := a.store.AppendMessage(domain.Message{
		ConversationID: conversation.ID,
		Role:           domain.MessageRoleUser,
		Content:        inlineAttachments(message, req.Attachments),
	}); err != nil {
		release()
		return nil, fmt.Errorf("save user message: %w", err)
	}
	for _, att := range req.Attachments {
		if err := a.store.AddAttachment(conversation.ID, att); err != nil {
			util.LoggerFromContext(ctx).Warn("attachment_save_failed", "conversation_id", conversation.ID, "name", att.OriginalName, "err", err)
		}
	}

	s := stream.NewSession(ctx, conversation.ID, isNew)
	s.Emit(stream.ConversationID(conversation.ID))
	go a.run(s, turn{user: user, message: message, images: images, release: release})
	return s, nil
}

func (a *App) resolveConversation(user domain.User, conversationID string) (domain.Conversation, bool, error) {
	if strings.TrimSpace(conversationID) != "" {
		conversation, err := a.ownedConversation(user, conversationID)
		return conversation, false, err
	}
	now := time.Now().UTC()
	return domain.Conversation{
		ID:         util.NewUUID(),
		UserID:     user.ID,
		Title:      domain.DefaultConversationTitle,
		UserName:   user.Name,
		Department: user.Department,
		Site:       user.Site,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, true, nil
}

// run drives the turn through routing, aggregation and streaming. A
// cancelled turn stops silently and persists nothing.
func (a *App) run(s *stream.Session, t turn) {
	defer t.release()
	defer s.Close()
	logger := util.LoggerFromContext(s.Context()).With("conversation_id", s.ConversationID)
	ctx := util.ContextWithLogger(s.Context(), logger)
	start := time.Now()

	finish := func() {
		state := s.State()
		chatTurnsTotal.WithLabelValues(state.String()).Inc()
		chatTurnDuration.Observe(time.Since(start).Seconds())
	}
	defer finish()

	fail := func(err error) {
		if s.Cancelled() {
			_ = s.Advance(stream.StateCancelled)
			logger.Info("chat_turn_cancelled", "duration_ms", time.Since(start).Milliseconds())
			return
		}
		state := s.State()
		_ = s.Advance(stream.StateError)
		logger.Error("chat_turn_failed", "state", state.String(), "err", err)
		s.Emit(stream.Error(err.Error()))
	}
	cancelled := func() { fail(context.Canceled) }

	_ = s.Advance(stream.StateRouting)
	policy, err := a.store.EffectiveSourceAccess(t.user.ID, t.user.Role)
	if err != nil {
		fail(fmt.Errorf("load source access: %w", err))
		return
	}
	invocations := router.Route(t.message, policy, a.adapters)

	if err := s.Advance(stream.StateAggregating); err != nil {
		fail(err)
		return
	}
	prompt := a.aggregator.Build(ctx, aggregate.Request{
		Message:        t.message,
		UserID:         t.user.ID,
		ConversationID: s.ConversationID,
		BasePrompt:     a.basePrompt,
		Profile:        aggregate.ProfileFromUser(t.user),
		Invocations:    invocations,
		SearchHistory:  router.NeedsHistory(t.message),
	})
	if s.Cancelled() {
		cancelled()
		return
	}
	logger.Info("chat_context_built", "sources", prompt.Sources, "history_used", prompt.HistoryUsed)
	if prompt.HistoryUsed && !s.Emit(stream.HistoryUsed()) {
		cancelled()
		return
	}

	if err := s.Advance(stream.StateStreaming); err != nil {
		fail(err)
		return
	}
	streamer, err := a.models.Streamer(len(t.images) > 0)
	if err != nil {
		fail(err)
		return
	}
	history, err := a.replay(s.ConversationID, t.images)
	if err != nil {
		fail(err)
		return
	}
	cs, err := streamer.StreamChat(ctx, prompt.Text, history)
	if err != nil {
		fail(err)
		return
	}
	defer cs.Close()
	for {
		delta, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(err)
			return
		}
		if delta == "" {
			continue
		}
		if !s.Append(delta) {
			cancelled()
			return
		}
	}
	if s.Cancelled() {
		cancelled()
		return
	}

	if text := s.Text(); text != "" {
		if _, err := a.store.AppendMessage(domain.Message{
			ConversationID: s.ConversationID,
			Role:           domain.MessageRoleAssistant,
			Content:        text,
		}); err != nil {
			// Deltas already reached the client; the turn still completes.
			logger.Error("save_assistant_message_failed", "err", err)
		}
	}
	if s.IsNew {
		a.emitTitle(ctx, s, t.message)
	}
	if s.Cancelled() {
		cancelled()
		return
	}
	_ = s.Advance(stream.StateDone)
	s.Emit(stream.Done())
	logger.Info("chat_turn_done", "duration_ms", time.Since(start).Milliseconds(), "chars", len(s.Text()))
}

func (a *App) emitTitle(ctx context.Context, s *stream.Session, message string) {
	title, err := ai.GenerateTitle(ctx, a.models.Titles, message)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("title_generation_failed", "err", err)
		return
	}
	if err := a.store.UpdateConversationTitle(s.ConversationID, title); err != nil {
		util.LoggerFromContext(ctx).Warn("title_save_failed", "err", err)
		return
	}
	s.Emit(stream.Title(title))
}

// replay loads the conversation for the model. Images ride on the last
// user message, which is the one this turn stored.
func (a *App) replay(conversationID string, images []ai.Image) ([]ai.ChatMessage, error) {
	messages, err := a.store.ListMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]ai.ChatMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, ai.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	if len(images) > 0 {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == string(domain.MessageRoleUser) {
				history[i].Images = images
				break
			}
		}
	}
	return history, nil
}

// inlineAttachments appends text attachments to the message body.
func inlineAttachments(message string, attachments []domain.Attachment) string {
	var b strings.Builder
	b.WriteString(message)
	for _, att := range attachments {
		if att.IsText && att.TextContent != "" {
			fmt.Fprintf(&b, "\n\n--- Archivo adjunto: %s ---\n%s\n--- Fin del archivo ---", att.OriginalName, att.TextContent)
		}
	}
	return b.String()
}

func imagesOf(attachments []domain.Attachment) []ai.Image {
	var out []ai.Image
	for _, att := range attachments {
		if att.IsImage && att.Base64 != "" && att.MediaType != "" {
			out = append(out, ai.Image{MediaType: att.MediaType, Data: att.Base64})
		}
	}
	return out
}
