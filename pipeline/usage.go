package pipeline

import (
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"omnibox/models"
)

// UsageLedger tracks per-user-per-provider counters against entitlement
// limits. All counter mutations are single atomic UPDATE statements so
// concurrent sends for one user cannot pass a stale check; rows are created
// lazily at the start of each calendar-month period.
type UsageLedger struct {
	db     *gorm.DB
	logger *log.Logger
	now    func() time.Time
}

func NewUsageLedger(db *gorm.DB, logger *log.Logger) *UsageLedger {
	return &UsageLedger{db: db, logger: logger, now: time.Now}
}

// PeriodKey returns the calendar-month bucket for t, e.g. "2026-08".
func (ul *UsageLedger) PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentPeriod returns the key for the period containing now.
func (ul *UsageLedger) CurrentPeriod() string {
	return ul.PeriodKey(ul.now())
}

// RecordReceived increments the receive counter for the current period.
// Inbound traffic is never refused for quota reasons, so this neither
// blocks nor rejects.
func (ul *UsageLedger) RecordReceived(userID uint, provider string) error {
	period := ul.CurrentPeriod()
	return withRetry("record received", func() error {
		return ul.increment(userID, provider, period, "received_count")
	})
}

// increment bumps one counter column atomically, creating the period row if
// it does not exist yet. A create race is resolved by the unique index and
// a second update attempt.
func (ul *UsageLedger) increment(userID uint, provider, period, column string) error {
	update := func() (int64, error) {
		res := ul.db.Model(&models.UsageCounter{}).
			Where("user_id = ? AND provider = ? AND period = ?", userID, provider, period).
			Update(column, gorm.Expr(column+" + 1"))
		return res.RowsAffected, res.Error
	}

	affected, err := update()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	row := models.UsageCounter{UserID: userID, Provider: provider, Period: period}
	switch column {
	case "received_count":
		row.ReceivedCount = 1
	case "sent_count":
		row.SentCount = 1
	}
	err = ul.db.Create(&row).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to create usage counter: %w", err)
	}

	// Lost the lazy-creation race; the row exists now.
	affected, err = update()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("usage counter vanished for user %d %s %s", userID, provider, period)
	}
	return nil
}

// MessageLimit computes the active per-period send ceiling for a
// (user, provider): the max across active, unexpired entitlements. No
// entitlement means the provider is not enabled, i.e. a zero limit.
func (ul *UsageLedger) MessageLimit(userID uint, provider string) (int, error) {
	var ents []models.Entitlement
	err := withRetry("load entitlements", func() error {
		return ul.db.Where("user_id = ? AND provider = ?", userID, provider).Find(&ents).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load entitlements: %w", err)
	}

	now := ul.now()
	limit := 0
	for i := range ents {
		if !ents[i].Valid(now) {
			continue
		}
		if l := ents[i].MessageLimit(); l > limit {
			limit = l
		}
	}
	return limit, nil
}

// ReserveSend checks the current-period sent counter against the computed
// limit and increments it, as one conditional UPDATE per counter row. On
// success it returns the counter value after the increment; at the ceiling
// it returns ErrLimitExceeded without mutating state.
func (ul *UsageLedger) ReserveSend(userID uint, provider string) (int, error) {
	limit, err := ul.MessageLimit(userID, provider)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("%w: provider %s not enabled", ErrLimitExceeded, provider)
	}

	period := ul.CurrentPeriod()
	if err := ul.ensureRow(userID, provider, period); err != nil {
		return 0, err
	}

	var reserved bool
	err = withRetry("reserve send", func() error {
		res := ul.db.Model(&models.UsageCounter{}).
			Where("user_id = ? AND provider = ? AND period = ? AND sent_count < ?",
				userID, provider, period, limit).
			Update("sent_count", gorm.Expr("sent_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		reserved = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reserve send: %w", err)
	}
	if !reserved {
		return 0, fmt.Errorf("%w: %d messages this period", ErrLimitExceeded, limit)
	}

	var row models.UsageCounter
	if err := ul.db.Where("user_id = ? AND provider = ? AND period = ?", userID, provider, period).
		First(&row).Error; err != nil {
		// The reservation itself committed; the count is informational.
		ul.logger.Printf("failed to read back usage counter: %v", err)
		return 0, nil
	}
	return row.SentCount, nil
}

func (ul *UsageLedger) ensureRow(userID uint, provider, period string) error {
	row := models.UsageCounter{UserID: userID, Provider: provider, Period: period}
	err := ul.db.Where("user_id = ? AND provider = ? AND period = ?", userID, provider, period).
		First(&row).Error
	if err == nil {
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to check usage counter: %w", err)
	}
	if err := ul.db.Create(&row).Error; err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("failed to create usage counter: %w", err)
	}
	return nil
}

// ProviderUsage is one row of a usage summary.
type ProviderUsage struct {
	Provider string `json:"provider"`
	Period   string `json:"period"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
	Limit    int    `json:"limit"`
}

// Summary reports sent/received counts and the applicable limit per
// provider for one period. Providers with an entitlement but no traffic
// still appear with zero counts.
func (ul *UsageLedger) Summary(userID uint, period string) ([]ProviderUsage, error) {
	var ents []models.Entitlement
	if err := ul.db.Where("user_id = ?", userID).Find(&ents).Error; err != nil {
		return nil, fmt.Errorf("failed to load entitlements: %w", err)
	}

	now := ul.now()
	limits := make(map[string]int)
	for i := range ents {
		if !ents[i].Valid(now) {
			continue
		}
		if l := ents[i].MessageLimit(); l > limits[ents[i].Provider] {
			limits[ents[i].Provider] = l
		}
	}

	var counters []models.UsageCounter
	if err := ul.db.Where("user_id = ? AND period = ?", userID, period).Find(&counters).Error; err != nil {
		return nil, fmt.Errorf("failed to load usage counters: %w", err)
	}

	byProvider := make(map[string]ProviderUsage)
	for provider, limit := range limits {
		byProvider[provider] = ProviderUsage{Provider: provider, Period: period, Limit: limit}
	}
	for i := range counters {
		c := counters[i]
		u := byProvider[c.Provider]
		u.Provider = c.Provider
		u.Period = period
		u.Sent = c.SentCount
		u.Received = c.ReceivedCount
		u.Limit = limits[c.Provider]
		byProvider[c.Provider] = u
	}

	out := make([]ProviderUsage, 0, len(byProvider))
	for _, u := range byProvider {
		out = append(out, u)
	}
	return out, nil
}
