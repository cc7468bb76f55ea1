package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arisbot/pkg/aggregate"
	"arisbot/pkg/ai"
	"arisbot/pkg/domain"
	"arisbot/pkg/queue"
	"arisbot/pkg/store"
)

const defaultTurnTimeout = 10 * time.Minute

// Limiter caps chat turns per user.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// JobQueue schedules knowledge reindex jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, reason string) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store    store.Store
	Guard    store.TurnGuard
	Adapters Adapters
	Models   ai.Provider
	// BasePrompt is the assistant persona the user context is appended to.
	BasePrompt    string
	SourceTimeout time.Duration
	HistoryLimit  int
	// TurnTimeout bounds how long a conversation stays locked by one turn.
	TurnTimeout time.Duration
	Limiter     Limiter
	Jobs        JobQueue
}

// App is the core application service wiring together storage, context
// sources and the chat models.
type App struct {
	store       store.Store
	guard       store.TurnGuard
	adapters    Adapters
	aggregator  *aggregate.Aggregator
	models      ai.Provider
	basePrompt  string
	turnTimeout time.Duration
	limiter     Limiter
	jobs        JobQueue
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Models.Default == nil && cfg.Models.Vision == nil {
		return nil, errors.New("chat model required")
	}
	guard := cfg.Guard
	if guard == nil {
		guard = store.NewMemoryTurnGuard()
	}
	turnTimeout := cfg.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	return &App{
		store:    cfg.Store,
		guard:    guard,
		adapters: cfg.Adapters,
		aggregator: aggregate.New(cfg.Adapters.Fetchers(), cfg.Store, aggregate.Options{
			Timeout:      cfg.SourceTimeout,
			HistoryLimit: cfg.HistoryLimit,
		}),
		models:      cfg.Models,
		basePrompt:  cfg.BasePrompt,
		turnTimeout: turnTimeout,
		limiter:     cfg.Limiter,
		jobs:        cfg.Jobs,
	}, nil
}

// Authenticate loads the user behind a verified token subject.
func (a *App) Authenticate(userID string) (domain.User, error) {
	user, ok, err := a.store.GetUser(strings.TrimSpace(userID))
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// ListConversations lists the caller's conversations, most recent first.
func (a *App) ListConversations(user domain.User, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(user.ID) == "" {
		return nil, fmt.Errorf("user id required")
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	items, err := a.store.ListConversations(user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ConversationMessages returns a conversation and its messages in order.
func (a *App) ConversationMessages(user domain.User, conversationID string) (domain.Conversation, []domain.Message, error) {
	conversation, err := a.ownedConversation(user, conversationID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	items, err := a.store.ListMessages(conversation.ID)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("list messages: %w", err)
	}
	return conversation, items, nil
}

// DeleteConversation removes one of the caller's conversations.
func (a *App) DeleteConversation(user domain.User, conversationID string) error {
	conversation, err := a.ownedConversation(user, conversationID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(conversation.ID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (a *App) ownedConversation(user domain.User, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conversation.UserID != "" && conversation.UserID != user.ID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

// SubmitFeedback records a thumbs up (1) or down (-1) for a message.
func (a *App) SubmitFeedback(fb domain.Feedback) error {
	if strings.TrimSpace(fb.MessageID) == "" || strings.TrimSpace(fb.ConversationID) == "" {
		return ErrInvalidRating
	}
	if fb.Rating != 1 && fb.Rating != -1 {
		return ErrInvalidRating
	}
	if err := a.store.UpsertFeedback(fb); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// Feedback lists the ratings of a conversation.
func (a *App) Feedback(conversationID string) ([]domain.Feedback, error) {
	return a.store.ListFeedback(strings.TrimSpace(conversationID))
}

// FeedbackStats totals every rating.
func (a *App) FeedbackStats() (domain.FeedbackStats, error) {
	return a.store.FeedbackStats()
}

// SourceAccess returns the sources the user may query.
func (a *App) SourceAccess(user domain.User) (domain.SourceAccess, error) {
	access, err := a.store.EffectiveSourceAccess(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("load source access: %w", err)
	}
	return access, nil
}

// SetRoleSources stores the default access of a role.
func (a *App) SetRoleSources(role domain.UserRole, access map[string]bool) (domain.SourceAccess, error) {
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidSource, role)
	}
	keys, err := sourceKeys(access)
	if err != nil {
		return nil, err
	}
	for key, enabled := range keys {
		if err := a.store.SetRoleSourceDefault(role, key, enabled); err != nil {
			return nil, fmt.Errorf("save role default: %w", err)
		}
	}
	return a.store.EffectiveSourceAccess("", role)
}

// SetUserSources stores per-user overrides and returns the effective access.
func (a *App) SetUserSources(userID string, access map[string]bool) (domain.SourceAccess, error) {
	user, err := a.Authenticate(userID)
	if err != nil {
		return nil, err
	}
	keys, err := sourceKeys(access)
	if err != nil {
		return nil, err
	}
	for key, enabled := range keys {
		if err := a.store.SetUserSourceOverride(user.ID, key, enabled); err != nil {
			return nil, fmt.Errorf("save user override: %w", err)
		}
	}
	return a.SourceAccess(user)
}

func sourceKeys(access map[string]bool) (map[domain.SourceKey]bool, error) {
	if len(access) == 0 {
		return nil, fmt.Errorf("%w: sources required", ErrInvalidSource)
	}
	out := make(map[domain.SourceKey]bool, len(access))
	for raw, enabled := range access {
		key := domain.SourceKey(strings.TrimSpace(raw))
		known := false
		for _, k := range domain.SourceKeys {
			if k == key {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSource, raw)
		}
		out[key] = enabled
	}
	return out, nil
}
