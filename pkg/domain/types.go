package domain

import "time"

// DefaultConversationTitle is the placeholder title until title generation runs.
const DefaultConversationTitle = "Nueva conversación"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the account record owned by the external account subsystem.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	Site       string    `json:"sede"`
	Role       UserRole  `json:"role"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	UserName   string    `json:"userName,omitempty"`
	Department string    `json:"department,omitempty"`
	Site       string    `json:"sede,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Seq            int64       `json:"seq"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// PastMessage is a message surfaced by full-text search over earlier conversations.
type PastMessage struct {
	ConversationID string      `json:"conversationId"`
	Title          string      `json:"title"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
}

// Attachment is produced by the upload step and referenced by a chat turn.
type Attachment struct {
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	IsText       bool   `json:"isText"`
	IsImage      bool   `json:"isImage"`
	TextContent  string `json:"textContent,omitempty"`
	Base64       string `json:"base64,omitempty"`
	MediaType    string `json:"mediaType,omitempty"`
}

type Feedback struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Rating         int       `json:"rating"`
	CreatedAt      time.Time `json:"createdAt"`
}

type FeedbackStats struct {
	Total    int64 `json:"total"`
	Positive int64 `json:"positive"`
	Negative int64 `json:"negative"`
}

// SourceKey names one external context source in access policies.
type SourceKey string

const (
	SourceWiki          SourceKey = "wiki"
	SourceDocumentIndex SourceKey = "document-index"
	SourceTicketing     SourceKey = "ticketing"
	SourceConnectivity  SourceKey = "connectivity"
	SourceDiversion     SourceKey = "diversion-portal"
)

// SourceKeys lists every policy key in display order.
var SourceKeys = []SourceKey{
	SourceWiki,
	SourceDocumentIndex,
	SourceTicketing,
	SourceConnectivity,
	SourceDiversion,
}

// SourceAccess maps a source to whether the user may query it.
type SourceAccess map[SourceKey]bool

// Enabled reports access for key; keys without an entry are enabled.
func (a SourceAccess) Enabled(key SourceKey) bool {
	if a == nil {
		return true
	}
	enabled, ok := a[key]
	if !ok {
		return true
	}
	return enabled
}

// Chunk is one embedded slice of a knowledge document.
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
