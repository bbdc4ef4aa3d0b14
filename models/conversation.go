package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation statuses
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusMuted    = "muted"
)

// Conversation represents one thread scoped to an Account. The
// (account_id, external_id) pair is unique; creation is first-seen-wins and
// idempotent under concurrent webhook delivery. The unread counter is
// adjusted only by the ingest pipeline.
type Conversation struct {
	gorm.Model
	AccountID  uint   `gorm:"not null;index;uniqueIndex:uk_conversations_account_external,priority:1" json:"account_id"`
	ExternalID string `gorm:"not null;uniqueIndex:uk_conversations_account_external,priority:2" json:"external_id"`

	// Denormalized owner, so inbox queries and fan-out never need a join.
	UserID uint `gorm:"not null;index" json:"user_id"`

	Title   string `json:"title"`
	IsGroup bool   `gorm:"default:false" json:"is_group"`

	LastMessageAt *time.Time `gorm:"index" json:"last_message_at,omitempty"`
	UnreadCount   int        `gorm:"default:0" json:"unread_count"`
	Status        string     `gorm:"default:'active'" json:"status"` // active, archived, muted

	// Provider-specific metadata blob (JSON)
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`

	// Relations
	Account  Account   `json:"-"`
	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}
