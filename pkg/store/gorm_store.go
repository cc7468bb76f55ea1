package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"arisbot/internal/util"
	"arisbot/pkg/domain"
)

const migrateLockID int64 = 41782203

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ConversationModel{},
			&MessageModel{},
			&AttachmentModel{},
			&FeedbackModel{},
			&RoleSourceDefaultModel{},
			&UserSourceOverrideModel{},
			&ChunkModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure conversation foreign keys: %w", err)
		}
		return seedRoleDefaults(tx)
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// seedRoleDefaults enables every source for the built-in roles on first run.
func seedRoleDefaults(tx *gorm.DB) error {
	var count int64
	if err := tx.Model(&RoleSourceDefaultModel{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count role defaults: %w", err)
	}
	if count > 0 {
		return nil
	}
	rows := make([]RoleSourceDefaultModel, 0, 2*len(domain.SourceKeys))
	for _, role := range []domain.UserRole{domain.RoleAdmin, domain.RoleUser} {
		for _, key := range domain.SourceKeys {
			rows = append(rows, RoleSourceDefaultModel{Role: string(role), SourceKey: string(key), Enabled: true})
		}
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(conversation domain.Conversation) error {
	model := conversationToModel(conversation)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversations returns the latest conversations of a user.
func (s *GormStore) ListConversations(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// UpdateConversationTitle sets the title and touches updated_at.
func (s *GormStore) UpdateConversationTitle(id, title string) error {
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
		"title":      strings.TrimSpace(title),
		"updated_at": time.Now().UTC(),
	}).Error
}

// DeleteConversation removes a conversation with its messages, attachments and feedback.
func (s *GormStore) DeleteConversation(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&FeedbackModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&AttachmentModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
}

// AppendMessage records a message and touches the conversation. The
// returned message carries the assigned sequence number.
func (s *GormStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = util.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	model := messageToModel(msg)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(model), nil
}

// ListMessages returns all messages of a conversation in creation order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// SearchMessages finds past messages of userID containing any query word
// longer than two characters, newest first.
func (s *GormStore) SearchMessages(query, userID, excludeConversationID string, limit int) ([]domain.PastMessage, error) {
	terms := searchTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return []domain.PastMessage{}, nil
	}
	like := s.db.Where("m.content ILIKE ?", "%"+terms[0]+"%")
	for _, term := range terms[1:] {
		like = like.Or("m.content ILIKE ?", "%"+term+"%")
	}
	tx := s.db.Table("message_models AS m").
		Select("m.conversation_id, m.role, m.content, c.title").
		Joins("JOIN conversation_models AS c ON c.id = m.conversation_id").
		Where(like).
		Where("c.user_id = ?", userID)
	if excludeConversationID != "" {
		tx = tx.Where("m.conversation_id <> ?", excludeConversationID)
	}
	var rows []struct {
		ConversationID string
		Role           string
		Content        string
		Title          string
	}
	if err := tx.Order("m.created_at DESC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.PastMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.PastMessage{
			ConversationID: row.ConversationID,
			Title:          row.Title,
			Role:           domain.MessageRole(row.Role),
			Content:        row.Content,
		})
	}
	return out, nil
}

// AddAttachment stores the reference row of an uploaded file.
func (s *GormStore) AddAttachment(conversationID string, att domain.Attachment) error {
	meta, _ := json.Marshal(map[string]any{
		"isText":  att.IsText,
		"isImage": att.IsImage,
	})
	model := AttachmentModel{
		ID:             util.NewID(),
		ConversationID: conversationID,
		OriginalName:   att.OriginalName,
		StoredName:     att.StoredName,
		MimeType:       att.MimeType,
		Size:           att.Size,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	return s.db.Create(&model).Error
}

// UpsertFeedback records or replaces the rating of a message.
func (s *GormStore) UpsertFeedback(fb domain.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	model := FeedbackModel{
		MessageID:      fb.MessageID,
		ConversationID: fb.ConversationID,
		Rating:         fb.Rating,
		CreatedAt:      fb.CreatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating"}),
	}).Create(&model).Error
}

// ListFeedback returns the ratings given inside one conversation.
func (s *GormStore) ListFeedback(conversationID string) ([]domain.Feedback, error) {
	var models []FeedbackModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Feedback, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Feedback{
			MessageID:      m.MessageID,
			ConversationID: m.ConversationID,
			Rating:         m.Rating,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}

// FeedbackStats aggregates every rating.
func (s *GormStore) FeedbackStats() (domain.FeedbackStats, error) {
	var stats domain.FeedbackStats
	err := s.db.Model(&FeedbackModel{}).
		Select("COUNT(*) AS total, " +
			"COUNT(CASE WHEN rating = 1 THEN 1 END) AS positive, " +
			"COUNT(CASE WHEN rating = -1 THEN 1 END) AS negative").
		Scan(&stats).Error
	return stats, err
}

// EffectiveSourceAccess merges the role defaults with the user's overrides.
func (s *GormStore) EffectiveSourceAccess(userID string, role domain.UserRole) (domain.SourceAccess, error) {
	var defaults []RoleSourceDefaultModel
	if err := s.db.Where("role = ?", string(role)).Find(&defaults).Error; err != nil {
		return nil, err
	}
	var overrides []UserSourceOverrideModel
	if err := s.db.Where("user_id = ?", userID).Find(&overrides).Error; err != nil {
		return nil, err
	}
	access := make(domain.SourceAccess, len(domain.SourceKeys))
	for _, key := range domain.SourceKeys {
		access[key] = true
	}
	for _, d := range defaults {
		access[domain.SourceKey(d.SourceKey)] = d.Enabled
	}
	for _, o := range overrides {
		access[domain.SourceKey(o.SourceKey)] = o.Enabled
	}
	return access, nil
}

// SetRoleSourceDefault stores the default access of a role to a source.
func (s *GormStore) SetRoleSourceDefault(role domain.UserRole, key domain.SourceKey, enabled bool) error {
	model := RoleSourceDefaultModel{Role: string(role), SourceKey: string(key), Enabled: enabled}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "role"}, {Name: "source_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
	}).Create(&model).Error
}

// SetUserSourceOverride stores a per-user exception to the role default.
func (s *GormStore) SetUserSourceOverride(userID string, key domain.SourceKey, enabled bool) error {
	model := UserSourceOverrideModel{UserID: userID, SourceKey: string(key), Enabled: enabled}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "source_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
	}).Create(&model).Error
}

// ReplaceChunks swaps the whole knowledge index in one transaction.
func (s *GormStore) ReplaceChunks(chunks []domain.Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ChunkModel{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			models = append(models, chunkToModel(chunk))
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunks returns every stored chunk.
func (s *GormStore) ListChunks() ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.Order("source ASC").Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

func userFromModel(m UserModel) domain.User {
	role := domain.UserRole(m.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.User{
		ID:         m.ID,
		Email:      m.Email,
		Name:       m.Name,
		Department: m.Department,
		Site:       m.Site,
		Role:       role,
		Active:     m.Active,
		CreatedAt:  m.CreatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:         c.ID,
		UserID:     c.UserID,
		Title:      c.Title,
		UserName:   c.UserName,
		Department: c.Department,
		Site:       c.Site,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:         m.ID,
		UserID:     m.UserID,
		Title:      m.Title,
		UserName:   m.UserName,
		Department: m.Department,
		Site:       m.Site,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Role:           domain.MessageRole(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	embedding, _ := json.Marshal(chunk.Embedding)
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ChunkModel{
		ID:        chunk.ID,
		Source:    chunk.Source,
		Content:   chunk.Text,
		Embedding: embedding,
		CreatedAt: createdAt,
	}
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var embedding []float32
	if len(model.Embedding) > 0 {
		_ = json.Unmarshal(model.Embedding, &embedding)
	}
	return domain.Chunk{
		ID:        model.ID,
		Source:    model.Source,
		Text:      model.Content,
		Embedding: embedding,
		CreatedAt: model.CreatedAt,
	}
}
