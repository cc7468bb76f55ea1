package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"arisbot/pkg/domain"
)

// ErrTurnActive indicates another chat turn holds the conversation.
var ErrTurnActive = errors.New("conversation turn already in progress")

// Store defines persistence operations for conversations, messages,
// feedback, source access policies and knowledge chunks.
type Store interface {
	// users (owned by the account subsystem, read only here)
	GetUser(id string) (domain.User, bool, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversations(userID string, limit int) ([]domain.Conversation, error)
	UpdateConversationTitle(id, title string) error
	DeleteConversation(id string) error

	// messages
	AppendMessage(msg domain.Message) (domain.Message, error)
	ListMessages(conversationID string) ([]domain.Message, error)
	SearchMessages(query, userID, excludeConversationID string, limit int) ([]domain.PastMessage, error)
	AddAttachment(conversationID string, att domain.Attachment) error

	// feedback
	UpsertFeedback(domain.Feedback) error
	ListFeedback(conversationID string) ([]domain.Feedback, error)
	FeedbackStats() (domain.FeedbackStats, error)

	// source access
	EffectiveSourceAccess(userID string, role domain.UserRole) (domain.SourceAccess, error)
	SetRoleSourceDefault(role domain.UserRole, key domain.SourceKey, enabled bool) error
	SetUserSourceOverride(userID string, key domain.SourceKey, enabled bool) error

	// knowledge chunks
	ReplaceChunks(chunks []domain.Chunk) error
	ListChunks() ([]domain.Chunk, error)
}

// TurnGuard admits at most one in-flight chat turn per conversation.
type TurnGuard interface {
	// Acquire returns ErrTurnActive when the conversation is busy. The
	// returned release func is safe to call more than once.
	Acquire(ctx context.Context, conversationID string, ttl time.Duration) (release func(), err error)
}

// searchTerms splits a free-text query into the words used for LIKE matching.
func searchTerms(query string) []string {
	var terms []string
	for _, word := range strings.Fields(query) {
		if len([]rune(word)) > 2 {
			terms = append(terms, word)
		}
	}
	return terms
}
