package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID         string `gorm:"primaryKey"`
	Email      string `gorm:"uniqueIndex;not null"`
	Name       string `gorm:"not null"`
	Department string
	Site       string
	Role       string `gorm:"not null;default:user"`
	Active     bool   `gorm:"not null;default:true"`
	CreatedAt  time.Time
}

type ConversationModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	Title      string `gorm:"not null"`
	UserName   string
	Department string
	Site       string
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	Seq            int64     `gorm:"autoIncrement;uniqueIndex"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

type AttachmentModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	OriginalName   string `gorm:"not null"`
	StoredName     string `gorm:"not null"`
	MimeType       string
	Size           int64
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null"`
}

type FeedbackModel struct {
	MessageID      string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	Rating         int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

type RoleSourceDefaultModel struct {
	Role      string `gorm:"primaryKey"`
	SourceKey string `gorm:"primaryKey"`
	Enabled   bool   `gorm:"not null"`
}

type UserSourceOverrideModel struct {
	UserID    string `gorm:"primaryKey"`
	SourceKey string `gorm:"primaryKey"`
	Enabled   bool   `gorm:"not null"`
}

type ChunkModel struct {
	ID        string         `gorm:"primaryKey"`
	Source    string         `gorm:"not null;index"`
	Content   string         `gorm:"type:text;not null"`
	Embedding datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}
