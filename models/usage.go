package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Entitlement sources
const (
	EntitlementSourcePlan  = "plan"
	EntitlementSourceAddon = "addon"
)

// LimitMessagesPerPeriod is the limits-map key for the per-period send ceiling.
const LimitMessagesPerPeriod = "messages_per_period"

// MetricMap stores a free-form string-to-int metric map as a JSON text column.
type MetricMap map[string]int

func (m MetricMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *MetricMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for MetricMap", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// UsageCounter holds one row per (user, provider, calendar period). Counters
// are strictly non-negative and monotonically increasing within a period; a
// new row is created lazily at the start of a period. Rows are mutated only
// through atomic increment statements, never application-level
// read-modify-write.
type UsageCounter struct {
	gorm.Model
	UserID   uint   `gorm:"not null;index;uniqueIndex:uk_usage_user_provider_period,priority:1" json:"user_id"`
	Provider string `gorm:"not null;uniqueIndex:uk_usage_user_provider_period,priority:2" json:"provider"`
	Period   string `gorm:"not null;uniqueIndex:uk_usage_user_provider_period,priority:3" json:"period"` // e.g. "2026-08"

	SentCount     int `gorm:"default:0" json:"sent_count"`
	ReceivedCount int `gorm:"default:0" json:"received_count"`

	Metrics MetricMap `gorm:"type:text" json:"metrics,omitempty"`
}

// Entitlement grants a provider to a user and sets its limits, from a plan
// or an add-on. Usage and entitlements are keyed by provider independently
// of Account lifecycle, so usage survives reconnects.
type Entitlement struct {
	gorm.Model
	UserID   uint   `gorm:"not null;index" json:"user_id"`
	Provider string `gorm:"not null;index" json:"provider"`
	Source   string `gorm:"not null;default:'plan'" json:"source"` // plan, addon

	IsActive  bool       `gorm:"default:true" json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Limits MetricMap `gorm:"type:text" json:"limits"`

	// Relations
	User User `json:"-"`
}

// Valid reports whether the entitlement counts toward the computed limits
// at the given instant.
func (e *Entitlement) Valid(now time.Time) bool {
	if !e.IsActive {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// MessageLimit returns the per-period send ceiling this entitlement grants.
func (e *Entitlement) MessageLimit() int {
	return e.Limits[LimitMessagesPerPeriod]
}
