package app

import "errors"

var (
	ErrEmptyMessage          = errors.New("message is required")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	// ErrTurnInProgress indicates the conversation is already streaming a turn.
	ErrTurnInProgress    = errors.New("a reply is already being generated for this conversation")
	ErrInvalidRating     = errors.New("messageId, conversationId, and rating (1 or -1) required")
	ErrVisionUnavailable = errors.New("image attachments need a vision model")
	ErrRateLimited       = errors.New("too many messages, try again shortly")
	ErrNotConfigured     = errors.New("source not configured")
	ErrInvalidSource     = errors.New("unknown source key")
	ErrUserNotFound      = errors.New("user not found")
)
