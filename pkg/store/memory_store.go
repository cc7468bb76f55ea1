package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"arisbot/internal/util"
	"arisbot/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	attachments   map[string][]domain.Attachment
	feedback      map[string]domain.Feedback // key: message ID
	roleDefaults  map[domain.UserRole]domain.SourceAccess
	userOverrides map[string]domain.SourceAccess
	chunks        []domain.Chunk
	seq           int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		attachments:   make(map[string][]domain.Attachment),
		feedback:      make(map[string]domain.Feedback),
		roleDefaults:  make(map[domain.UserRole]domain.SourceAccess),
		userOverrides: make(map[string]domain.SourceAccess),
	}
}

// PutUser stores or replaces a user record.
func (m *MemoryStore) PutUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (m *MemoryStore) ListConversations(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	items := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			items = append(items, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) UpdateConversationTitle(id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	c.Title = strings.TrimSpace(title)
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) DeleteConversation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.attachments, id)
	for key, fb := range m.feedback {
		if fb.ConversationID == id {
			delete(m.feedback, key)
		}
	}
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = util.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.Seq = m.seq
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
		m.conversations[msg.ConversationID] = c
	}
	return msg, nil
}

func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Message(nil), m.messages[conversationID]...), nil
}

// SearchMessages mirrors the SQL search: any word longer than two
// characters, case-insensitive, newest first.
func (m *MemoryStore) SearchMessages(query, userID, excludeConversationID string, limit int) ([]domain.PastMessage, error) {
	terms := searchTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return []domain.PastMessage{}, nil
	}
	for i, term := range terms {
		terms[i] = strings.ToLower(term)
	}
	m.mu.RLock()
	var hits []domain.Message
	for convID, msgs := range m.messages {
		if convID == excludeConversationID {
			continue
		}
		if c, ok := m.conversations[convID]; !ok || c.UserID != userID {
			continue
		}
		for _, msg := range msgs {
			content := strings.ToLower(msg.Content)
			for _, term := range terms {
				if strings.Contains(content, term) {
					hits = append(hits, msg)
					break
				}
			}
		}
	}
	m.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool { return hits[i].Seq > hits[j].Seq })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PastMessage, 0, len(hits))
	for _, msg := range hits {
		out = append(out, domain.PastMessage{
			ConversationID: msg.ConversationID,
			Title:          m.conversations[msg.ConversationID].Title,
			Role:           msg.Role,
			Content:        msg.Content,
		})
	}
	return out, nil
}

func (m *MemoryStore) AddAttachment(conversationID string, att domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	att.TextContent = ""
	att.Base64 = ""
	m.attachments[conversationID] = append(m.attachments[conversationID], att)
	return nil
}

// Attachments returns the stored reference rows of a conversation.
func (m *MemoryStore) Attachments(conversationID string) []domain.Attachment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Attachment(nil), m.attachments[conversationID]...)
}

func (m *MemoryStore) UpsertFeedback(fb domain.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.feedback[fb.MessageID]; ok {
		prev.Rating = fb.Rating
		m.feedback[fb.MessageID] = prev
		return nil
	}
	m.feedback[fb.MessageID] = fb
	return nil
}

func (m *MemoryStore) ListFeedback(conversationID string) ([]domain.Feedback, error) {
	m.mu.RLock()
	out := make([]domain.Feedback, 0)
	for _, fb := range m.feedback {
		if fb.ConversationID == conversationID {
			out = append(out, fb)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FeedbackStats() (domain.FeedbackStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats domain.FeedbackStats
	for _, fb := range m.feedback {
		stats.Total++
		switch fb.Rating {
		case 1:
			stats.Positive++
		case -1:
			stats.Negative++
		}
	}
	return stats, nil
}

func (m *MemoryStore) EffectiveSourceAccess(userID string, role domain.UserRole) (domain.SourceAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	access := make(domain.SourceAccess, len(domain.SourceKeys))
	for _, key := range domain.SourceKeys {
		access[key] = true
	}
	for key, enabled := range m.roleDefaults[role] {
		access[key] = enabled
	}
	for key, enabled := range m.userOverrides[userID] {
		access[key] = enabled
	}
	return access, nil
}

func (m *MemoryStore) SetRoleSourceDefault(role domain.UserRole, key domain.SourceKey, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleDefaults[role] == nil {
		m.roleDefaults[role] = make(domain.SourceAccess)
	}
	m.roleDefaults[role][key] = enabled
	return nil
}

func (m *MemoryStore) SetUserSourceOverride(userID string, key domain.SourceKey, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userOverrides[userID] == nil {
		m.userOverrides[userID] = make(domain.SourceAccess)
	}
	m.userOverrides[userID][key] = enabled
	return nil
}

func (m *MemoryStore) ReplaceChunks(chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append([]domain.Chunk(nil), chunks...)
	return nil
}

func (m *MemoryStore) ListChunks() ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Chunk(nil), m.chunks...), nil
}
