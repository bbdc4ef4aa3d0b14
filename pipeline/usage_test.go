package pipeline

import (
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnibox/models"
)

func TestPeriodKey(t *testing.T) {
	ledger := NewUsageLedger(nil, log.New(os.Stdout, "", 0))

	assert.Equal(t, "2026-08", ledger.PeriodKey(time.Date(2026, 8, 31, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t, "2026-09", ledger.PeriodKey(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))

	// A local time just before midnight UTC on a month boundary buckets by UTC
	loc := time.FixedZone("UTC+2", 2*3600)
	assert.Equal(t, "2026-09", ledger.PeriodKey(time.Date(2026, 9, 1, 1, 30, 0, 0, loc)))
}

func TestRecordReceivedCreatesAndIncrements(t *testing.T) {
	db := newTestDB(t)
	ledger := NewUsageLedger(db, log.New(os.Stdout, "LEDGER: ", log.LstdFlags))
	fixed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	user := models.User{Email: "recv@example.com"}
	require.NoError(t, db.Create(&user).Error)

	require.NoError(t, ledger.RecordReceived(user.ID, "whatsapp"))
	require.NoError(t, ledger.RecordReceived(user.ID, "whatsapp"))
	require.NoError(t, ledger.RecordReceived(user.ID, "telegram"))

	var row models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ? AND period = ?", user.ID, "whatsapp", "2026-08").First(&row).Error)
	assert.Equal(t, 2, row.ReceivedCount)
	assert.Equal(t, 0, row.SentCount)

	var tgRow models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ? AND period = ?", user.ID, "telegram", "2026-08").First(&tgRow).Error)
	assert.Equal(t, 1, tgRow.ReceivedCount)
}

func TestMessageLimitPicksMaxValidEntitlement(t *testing.T) {
	db := newTestDB(t)
	ledger := NewUsageLedger(db, log.New(os.Stdout, "LEDGER: ", log.LstdFlags))
	fixed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	user := models.User{Email: "limits@example.com"}
	require.NoError(t, db.Create(&user).Error)

	expired := fixed.Add(-time.Hour)
	future := fixed.Add(24 * time.Hour)
	for _, ent := range []models.Entitlement{
		{UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourcePlan, IsActive: true,
			Limits: models.MetricMap{models.LimitMessagesPerPeriod: 200}},
		{UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourceAddon, IsActive: true, ExpiresAt: &future,
			Limits: models.MetricMap{models.LimitMessagesPerPeriod: 500}},
		{UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourceAddon, IsActive: true, ExpiresAt: &expired,
			Limits: models.MetricMap{models.LimitMessagesPerPeriod: 9000}},
		{UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourceAddon, IsActive: false,
			Limits: models.MetricMap{models.LimitMessagesPerPeriod: 9999}},
	} {
		require.NoError(t, db.Create(&ent).Error)
	}

	limit, err := ledger.MessageLimit(user.ID, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, 500, limit)

	// No entitlement at all means the provider is not enabled
	limit, err = ledger.MessageLimit(user.ID, "telegram")
	require.NoError(t, err)
	assert.Equal(t, 0, limit)
}

func TestReserveSendBoundary(t *testing.T) {
	db := newTestDB(t)
	ledger := NewUsageLedger(db, log.New(os.Stdout, "LEDGER: ", log.LstdFlags))
	fixed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	user := models.User{Email: "boundary@example.com"}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, db.Create(&models.Entitlement{
		UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourcePlan, IsActive: true,
		Limits: models.MetricMap{models.LimitMessagesPerPeriod: 50},
	}).Error)

	// 49 messages already sent this period
	require.NoError(t, db.Create(&models.UsageCounter{
		UserID: user.ID, Provider: "whatsapp", Period: "2026-08", SentCount: 49,
	}).Error)

	count, err := ledger.ReserveSend(user.ID, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	_, err = ledger.ReserveSend(user.ID, "whatsapp")
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// The rejected attempt must not have moved the counter
	var row models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ? AND period = ?", user.ID, "whatsapp", "2026-08").First(&row).Error)
	assert.Equal(t, 50, row.SentCount)
}

func TestReserveSendConcurrentNeverExceedsLimit(t *testing.T) {
	db := newTestDB(t)
	ledger := NewUsageLedger(db, log.New(os.Stdout, "LEDGER: ", log.LstdFlags))
	fixed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	user := models.User{Email: "race@example.com"}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, db.Create(&models.Entitlement{
		UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourcePlan, IsActive: true,
		Limits: models.MetricMap{models.LimitMessagesPerPeriod: 5},
	}).Error)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.ReserveSend(user.ID, "whatsapp"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)

	var row models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ? AND period = ?", user.ID, "whatsapp", "2026-08").First(&row).Error)
	assert.Equal(t, 5, row.SentCount)
}

func TestNewPeriodStartsFresh(t *testing.T) {
	db := newTestDB(t)
	ledger := NewUsageLedger(db, log.New(os.Stdout, "LEDGER: ", log.LstdFlags))
	august := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return august }

	user := models.User{Email: "rollover@example.com"}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, db.Create(&models.Entitlement{
		UserID: user.ID, Provider: "whatsapp", Source: models.EntitlementSourcePlan, IsActive: true,
		Limits: models.MetricMap{models.LimitMessagesPerPeriod: 1},
	}).Error)

	_, err := ledger.ReserveSend(user.ID, "whatsapp")
	require.NoError(t, err)
	_, err = ledger.ReserveSend(user.ID, "whatsapp")
	require.ErrorIs(t, err, ErrLimitExceeded)

	// The calendar flips and the ceiling resets
	ledger.now = func() time.Time { return time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC) }

	count, err := ledger.ReserveSend(user.ID, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var rows int64
	require.NoError(t, db.Model(&models.UsageCounter{}).Where("user_id = ?", user.ID).Count(&rows).Error)
	assert.Equal(t, int64(2), rows)
}

func TestSummaryIncludesIdleProviders(t *testing.T) {
	db := newTestDB(t)
	ledger := NewUsageLedger(db, log.New(os.Stdout, "LEDGER: ", log.LstdFlags))
	fixed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	user := models.User{Email: "summary@example.com"}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, models.SeedFreeEntitlements(db, user.ID))

	require.NoError(t, ledger.RecordReceived(user.ID, "whatsapp"))
	_, err := ledger.ReserveSend(user.ID, "whatsapp")
	require.NoError(t, err)

	summary, err := ledger.Summary(user.ID, "2026-08")
	require.NoError(t, err)

	byProvider := make(map[string]ProviderUsage)
	for _, u := range summary {
		byProvider[u.Provider] = u
	}

	wa := byProvider["whatsapp"]
	assert.Equal(t, 1, wa.Sent)
	assert.Equal(t, 1, wa.Received)
	assert.Equal(t, 200, wa.Limit)

	// Entitled but untouched providers still show up with zero counts
	email := byProvider[models.ProviderEmail]
	assert.Equal(t, 0, email.Sent)
	assert.Equal(t, 500, email.Limit)
}
