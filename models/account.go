package models

import (
	"time"

	"gorm.io/gorm"
)

// Account connection statuses
const (
	AccountStatusConnected    = "connected"
	AccountStatusNeedsAction  = "needs_action"
	AccountStatusDisconnected = "disconnected"
)

// Account sync statuses
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSynced  = "synced"
	SyncStatusFailed  = "failed"
)

// Account represents one connected external identity for a (user, provider)
// pair. Chat providers are reached through the relay API; the email provider
// carries its own IMAP/SMTP connection settings.
type Account struct {
	gorm.Model
	UserID     uint   `gorm:"not null;index;uniqueIndex:uk_accounts_user_provider_external,priority:1" json:"user_id"`
	Provider   string `gorm:"not null;uniqueIndex:uk_accounts_user_provider_external,priority:2" json:"provider"` // whatsapp, telegram, instagram, email, ...
	ExternalID string `gorm:"not null;uniqueIndex:uk_accounts_user_provider_external,priority:3" json:"external_id"`

	DisplayName string `json:"display_name"`
	Status      string `gorm:"default:'connected'" json:"status"` // connected, needs_action, disconnected

	// Opaque connection credentials blob (relay session token, OAuth
	// material, ...). Never exposed over the API.
	Credentials string `gorm:"type:text" json:"-"`

	SyncStatus   string     `gorm:"default:'pending'" json:"sync_status"` // pending, syncing, synced, failed
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastSyncErr  string     `json:"last_sync_error,omitempty"`

	// ========= Email provider connection =========
	IMAPHost     string `json:"imap_host,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPUsername string `json:"imap_username,omitempty"`
	IMAPPassword string `json:"-"`
	IMAPMailbox  string `json:"imap_mailbox,omitempty"`

	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPUsername string `json:"smtp_username,omitempty"`
	SMTPPassword string `json:"-"`
	FromName     string `json:"from_name,omitempty"`

	// Relations
	User          User           `json:"-"`
	Conversations []Conversation `gorm:"foreignKey:AccountID" json:"conversations,omitempty"`
}

// IsEmail reports whether the account is the email provider (synced over
// IMAP rather than relay webhooks).
func (a *Account) IsEmail() bool {
	return a.Provider == ProviderEmail
}

// ProviderEmail is the provider tag for IMAP/SMTP accounts. Chat providers
// are free-form tags assigned by the relay API.
const ProviderEmail = "email"
