package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Message directions
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message delivery statuses
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
	MessageStatusReceived  = "received"
)

// Message sync statuses
const (
	MessageSyncPending  = "pending"
	MessageSyncSynced   = "synced"
	MessageSyncFailed   = "failed"
	MessageSyncRetrying = "retrying"
)

// StringList stores a list of strings as a JSON text column so it works the
// same on postgres and sqlite.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Message represents one inbound or outbound item inside a Conversation.
// The (conversation_id, external_id) pair is unique and is the idempotency
// arbiter for webhook redelivery: a second insert with the same external id
// hits the unique index and is treated as a duplicate, never re-applied.
// Messages are soft-deleted only.
type Message struct {
	gorm.Model
	ConversationID uint   `gorm:"not null;index;uniqueIndex:uk_messages_conversation_external,priority:1" json:"conversation_id"`
	ExternalID     string `gorm:"not null;uniqueIndex:uk_messages_conversation_external,priority:2" json:"external_id"`

	Direction   string     `gorm:"not null" json:"direction"` // in, out
	Body        string     `gorm:"type:text" json:"body"`
	Subject     string     `json:"subject,omitempty"`
	Attachments StringList `gorm:"type:text" json:"attachments"`
	SenderName  string     `json:"sender_name,omitempty"`
	SentAt      time.Time  `gorm:"not null;index" json:"sent_at"`

	Status string     `gorm:"default:'received'" json:"status"` // pending, sent, delivered, read, failed, received
	ReadAt *time.Time `json:"read_at,omitempty"`

	// Provider-specific metadata blob (JSON)
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`

	// Reply linkage
	ParentID   *uint `gorm:"index" json:"parent_id,omitempty"`
	IsReply    bool  `gorm:"default:false" json:"is_reply"`
	ReplyCount int   `gorm:"default:0" json:"reply_count"`

	SyncStatus   string `gorm:"default:'synced'" json:"sync_status"` // pending, synced, failed, retrying
	SyncAttempts int    `gorm:"default:0" json:"sync_attempts"`

	IsRemoved bool `gorm:"default:false" json:"is_removed"`

	// Relations
	Conversation Conversation `json:"-"`
	Parent       *Message     `json:"-"`
}

// statusRank orders delivery statuses so redelivered status updates that do
// not advance the state are no-ops.
var statusRank = map[string]int{
	MessageStatusPending:   0,
	MessageStatusReceived:  0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusFailed:    4,
}

// StatusAdvances reports whether moving to next is a forward transition
// from the message's current delivery status.
func (m *Message) StatusAdvances(next string) bool {
	nr, ok := statusRank[next]
	if !ok {
		return false
	}
	return nr > statusRank[m.Status]
}
