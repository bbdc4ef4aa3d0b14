package pipeline

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"omnibox/config"
	"omnibox/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	// One in-memory database per test; a single connection keeps concurrent
	// statements from tripping over sqlite's write lock.
	sqlDB.SetMaxOpenConns(1)
	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// testHub records everything the pipeline publishes.
type testHub struct {
	mu     sync.Mutex
	events []interface{}
}

func (h *testHub) Publish(userID uint, event interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *testHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// fakeSender stands in for the relay client on the outbound path.
type fakeSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSender) Send(account *models.Account, conv *models.Conversation, subject, body string, attachments []string) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &SendResult{ExternalMessageID: fmt.Sprintf("prov-msg-%d", f.calls), Status: models.MessageStatusSent}, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *gorm.DB, *testHub) {
	t.Helper()
	db := newTestDB(t)
	h := &testHub{}
	p := New(db, h, log.New(os.Stdout, "TEST: ", log.LstdFlags))
	return p, db, h
}

func seedUserAccount(t *testing.T, db *gorm.DB, provider, externalID string) *models.Account {
	t.Helper()
	user := models.User{Email: fmt.Sprintf("user-%s@example.com", externalID)}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, models.SeedFreeEntitlements(db, user.ID))

	account := models.Account{
		UserID:     user.ID,
		Provider:   provider,
		ExternalID: externalID,
		Status:     models.AccountStatusConnected,
	}
	require.NoError(t, db.Create(&account).Error)
	return &account
}

func inboundEvent(accountID, chatID, msgID string, at time.Time) *InboundEvent {
	return &InboundEvent{
		ExternalAccountID:      accountID,
		ExternalConversationID: chatID,
		ExternalMessageID:      msgID,
		Direction:              DirectionIn,
		Body:                   "hello there",
		SenderName:             "Ada",
		OccurredAt:             at,
	}
}

func TestProcessWebhookAdmitsMessage(t *testing.T) {
	p, db, h := newTestPipeline(t)
	account := seedUserAccount(t, db, "whatsapp", "wa-1")

	body := []byte(`{
		"event_type": "message_received",
		"event_data": {
			"account_id": "wa-1",
			"chat_id": "chat-9",
			"message_id": "m-1",
			"text": "dinner tonight?",
			"sender_name": "Ada",
			"attachments": [{"url": "https://cdn.example.com/a.jpg"}, "b.pdf"],
			"timestamp": 1700000000
		}
	}`)

	res, err := p.ProcessWebhook("whatsapp", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	require.NotNil(t, res.Message)

	assert.Equal(t, "dinner tonight?", res.Message.Body)
	assert.Equal(t, models.DirectionIn, res.Message.Direction)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg", "b.pdf"}, []string(res.Message.Attachments))
	assert.Equal(t, int64(1700000000), res.Message.SentAt.Unix())

	var conv models.Conversation
	require.NoError(t, db.Where("account_id = ? AND external_id = ?", account.ID, "chat-9").First(&conv).Error)
	assert.Equal(t, "Ada", conv.Title)
	assert.Equal(t, 1, conv.UnreadCount)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, int64(1700000000), conv.LastMessageAt.Unix())

	var counter models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ?", account.UserID, "whatsapp").First(&counter).Error)
	assert.Equal(t, 1, counter.ReceivedCount)

	assert.Equal(t, 1, h.count())
}

func TestProcessWebhookRedeliveryIsDuplicate(t *testing.T) {
	p, db, h := newTestPipeline(t)
	account := seedUserAccount(t, db, "telegram", "tg-1")

	body := []byte(`{
		"event_type": "message_received",
		"event_data": {
			"account_id": "tg-1",
			"chat_id": "chat-1",
			"message_id": "m-1",
			"text": "first",
			"timestamp": 1700000000
		}
	}`)

	first, err := p.ProcessWebhook("telegram", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)

	second, err := p.ProcessWebhook("telegram", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	var msgCount int64
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)
	assert.Equal(t, int64(1), msgCount)

	var conv models.Conversation
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&conv).Error)
	assert.Equal(t, 1, conv.UnreadCount)

	var counter models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ?", account.UserID, "telegram").First(&counter).Error)
	assert.Equal(t, 1, counter.ReceivedCount)

	// Only the admitted delivery fans out
	assert.Equal(t, 1, h.count())
}

func TestConcurrentRedeliveryAdmitsOnce(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	account := seedUserAccount(t, db, "whatsapp", "wa-7")

	at := time.Unix(1700000000, 0).UTC()
	const deliveries = 8

	var wg sync.WaitGroup
	outcomes := make([]Outcome, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.ProcessInbound("whatsapp", inboundEvent("wa-7", "chat-1", "m-1", at))
			if err != nil {
				t.Errorf("delivery %d failed: %v", i, err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == OutcomeProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)

	var convCount, msgCount int64
	require.NoError(t, db.Model(&models.Conversation{}).Count(&convCount).Error)
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)
	assert.Equal(t, int64(1), convCount)
	assert.Equal(t, int64(1), msgCount)

	var conv models.Conversation
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&conv).Error)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestReplyCountIncrementsExactlyOnce(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	seedUserAccount(t, db, "whatsapp", "wa-2")

	at := time.Unix(1700000000, 0).UTC()
	_, err := p.ProcessInbound("whatsapp", inboundEvent("wa-2", "chat-1", "parent-1", at))
	require.NoError(t, err)

	child := inboundEvent("wa-2", "chat-1", "child-1", at.Add(time.Minute))
	child.ParentExternalID = "parent-1"

	res, err := p.ProcessInbound("whatsapp", child)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.True(t, res.Message.IsReply)
	require.NotNil(t, res.Message.ParentID)

	// Redelivering the child must not bump the parent again
	res, err = p.ProcessInbound("whatsapp", child)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	var parent models.Message
	require.NoError(t, db.Where("external_id = ?", "parent-1").First(&parent).Error)
	assert.Equal(t, 1, parent.ReplyCount)
}

func TestOutOfOrderTimestampDoesNotRegress(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	account := seedUserAccount(t, db, "instagram", "ig-1")

	newer := time.Unix(1700005000, 0).UTC()
	older := time.Unix(1700000000, 0).UTC()

	_, err := p.ProcessInbound("instagram", inboundEvent("ig-1", "chat-1", "m-new", newer))
	require.NoError(t, err)

	res, err := p.ProcessInbound("instagram", inboundEvent("ig-1", "chat-1", "m-old", older))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	var conv models.Conversation
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&conv).Error)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, newer.Unix(), conv.LastMessageAt.Unix())

	var msgCount int64
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)
	assert.Equal(t, int64(2), msgCount)

	assert.Equal(t, 2, conv.UnreadCount)
}

func TestStatusUpdateAdvancesAndIsIdempotent(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	seedUserAccount(t, db, "whatsapp", "wa-3")

	// A message sent from another client arrives as an echo
	echo := inboundEvent("wa-3", "chat-1", "m-1", time.Unix(1700000000, 0).UTC())
	echo.Direction = DirectionOut
	_, err := p.ProcessInbound("whatsapp", echo)
	require.NoError(t, err)

	delivered := &StatusEvent{
		ExternalAccountID:      "wa-3",
		ExternalConversationID: "chat-1",
		ExternalMessageID:      "m-1",
		Status:                 models.MessageStatusDelivered,
		OccurredAt:             time.Unix(1700000100, 0).UTC(),
	}

	res, err := p.applyStatusEvent("whatsapp", delivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	// Redelivered receipt is a no-op
	res, err = p.applyStatusEvent("whatsapp", delivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	read := &StatusEvent{
		ExternalAccountID:      "wa-3",
		ExternalConversationID: "chat-1",
		ExternalMessageID:      "m-1",
		Status:                 models.MessageStatusRead,
		OccurredAt:             time.Unix(1700000200, 0).UTC(),
	}
	res, err = p.applyStatusEvent("whatsapp", read)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	var msg models.Message
	require.NoError(t, db.Where("external_id = ?", "m-1").First(&msg).Error)
	assert.Equal(t, models.MessageStatusRead, msg.Status)
	require.NotNil(t, msg.ReadAt)

	// A late delivered receipt must not roll read back
	res, err = p.applyStatusEvent("whatsapp", delivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestReadReceiptRecomputesUnread(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	account := seedUserAccount(t, db, "whatsapp", "wa-8")

	at := time.Unix(1700000000, 0).UTC()
	_, err := p.ProcessInbound("whatsapp", inboundEvent("wa-8", "chat-1", "m-1", at))
	require.NoError(t, err)
	_, err = p.ProcessInbound("whatsapp", inboundEvent("wa-8", "chat-1", "m-2", at.Add(time.Minute)))
	require.NoError(t, err)

	// One of the two read on another device
	res, err := p.applyStatusEvent("whatsapp", &StatusEvent{
		ExternalAccountID:      "wa-8",
		ExternalConversationID: "chat-1",
		ExternalMessageID:      "m-1",
		Status:                 models.MessageStatusRead,
		OccurredAt:             at.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	var conv models.Conversation
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&conv).Error)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestMarkConversationRead(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	account := seedUserAccount(t, db, "telegram", "tg-2")

	at := time.Unix(1700000000, 0).UTC()
	_, err := p.ProcessInbound("telegram", inboundEvent("tg-2", "chat-1", "m-1", at))
	require.NoError(t, err)
	_, err = p.ProcessInbound("telegram", inboundEvent("tg-2", "chat-1", "m-2", at.Add(time.Second)))
	require.NoError(t, err)

	var conv models.Conversation
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&conv).Error)
	require.Equal(t, 2, conv.UnreadCount)

	updated, err := p.MarkConversationRead(account.UserID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.UnreadCount)

	var unreadMsgs int64
	require.NoError(t, db.Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ? AND status <> ?", conv.ID, models.DirectionIn, models.MessageStatusRead).
		Count(&unreadMsgs).Error)
	assert.Equal(t, int64(0), unreadMsgs)
}

func TestUnknownAccountIsDropped(t *testing.T) {
	p, db, h := newTestPipeline(t)

	res, err := p.ProcessInbound("whatsapp", inboundEvent("nobody", "chat-1", "m-1", time.Unix(1700000000, 0).UTC()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownAccount, res.Outcome)

	var convCount int64
	require.NoError(t, db.Model(&models.Conversation{}).Count(&convCount).Error)
	assert.Equal(t, int64(0), convCount)
	assert.Equal(t, 0, h.count())
}

func TestProcessWebhookMalformedPayloads(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"event_type":`},
		{"missing chat id", `{"event_type": "message_received", "event_data": {"account_id": "a", "timestamp": 1700000000}}`},
		{"missing account id", `{"event_type": "message_received", "event_data": {"chat_id": "c", "timestamp": 1700000000}}`},
		{"missing timestamp", `{"event_type": "message_received", "event_data": {"account_id": "a", "chat_id": "c"}}`},
		{"event_data not object", `{"event_type": "message_received", "event_data": 42}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ProcessWebhook("whatsapp", []byte(tc.body))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestProcessWebhookIgnoresUnknownEventTypes(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	res, err := p.ProcessWebhook("whatsapp", []byte(`{"event_type": "chat_typing", "event_data": {}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestSendHappyPath(t *testing.T) {
	p, db, h := newTestPipeline(t)
	account := seedUserAccount(t, db, "whatsapp", "wa-4")

	conv := models.Conversation{
		AccountID:  account.ID,
		UserID:     account.UserID,
		ExternalID: "chat-1",
		Title:      "Ada",
		Status:     models.ConversationStatusActive,
	}
	require.NoError(t, db.Create(&conv).Error)

	sender := &fakeSender{}
	p.RegisterFallbackSender(sender)

	msg, err := p.Send(account.UserID, conv.ID, "", "on my way", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOut, msg.Direction)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	assert.Equal(t, "prov-msg-1", msg.ExternalID)
	assert.Equal(t, 1, sender.calls)

	var counter models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ?", account.UserID, "whatsapp").First(&counter).Error)
	assert.Equal(t, 1, counter.SentCount)

	var fresh models.Conversation
	require.NoError(t, db.First(&fresh, conv.ID).Error)
	require.NotNil(t, fresh.LastMessageAt)
	assert.Equal(t, 0, fresh.UnreadCount)

	assert.Equal(t, 1, h.count())
}

func TestSendFailureRecordsFailedMessage(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	account := seedUserAccount(t, db, "whatsapp", "wa-5")

	conv := models.Conversation{
		AccountID:  account.ID,
		UserID:     account.UserID,
		ExternalID: "chat-1",
		Status:     models.ConversationStatusActive,
	}
	require.NoError(t, db.Create(&conv).Error)

	sender := &fakeSender{err: errors.New("relay unreachable")}
	p.RegisterFallbackSender(sender)

	msg, err := p.Send(account.UserID, conv.ID, "", "will not arrive", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalSend)
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageStatusFailed, msg.Status)
	assert.Equal(t, models.MessageSyncFailed, msg.SyncStatus)
	assert.NotEmpty(t, msg.ExternalID)

	// The reservation is not refunded
	var counter models.UsageCounter
	require.NoError(t, db.Where("user_id = ? AND provider = ?", account.UserID, "whatsapp").First(&counter).Error)
	assert.Equal(t, 1, counter.SentCount)
}

func TestSendRejectsUnentitledProvider(t *testing.T) {
	p, db, _ := newTestPipeline(t)

	user := models.User{Email: "noplan@example.com"}
	require.NoError(t, db.Create(&user).Error)
	account := models.Account{UserID: user.ID, Provider: "whatsapp", ExternalID: "wa-6", Status: models.AccountStatusConnected}
	require.NoError(t, db.Create(&account).Error)
	conv := models.Conversation{AccountID: account.ID, UserID: user.ID, ExternalID: "chat-1", Status: models.ConversationStatusActive}
	require.NoError(t, db.Create(&conv).Error)

	p.RegisterFallbackSender(&fakeSender{})

	_, err := p.Send(user.ID, conv.ID, "", "nope", nil)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	var msgCount int64
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)
	assert.Equal(t, int64(0), msgCount)
}

func TestSendRejectsDisconnectedAccount(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	account := seedUserAccount(t, db, "whatsapp", "wa-9")

	conv := models.Conversation{
		AccountID:  account.ID,
		UserID:     account.UserID,
		ExternalID: "chat-1",
		Status:     models.ConversationStatusActive,
	}
	require.NoError(t, db.Create(&conv).Error)
	require.NoError(t, db.Model(account).Update("status", models.AccountStatusDisconnected).Error)

	sender := &fakeSender{}
	p.RegisterFallbackSender(sender)

	_, err := p.Send(account.UserID, conv.ID, "", "into the void", nil)
	assert.ErrorIs(t, err, ErrAccountDisconnected)
	assert.Equal(t, 0, sender.calls)

	// Refused before any reservation, so no counter row exists
	var counterCount int64
	require.NoError(t, db.Model(&models.UsageCounter{}).Where("user_id = ?", account.UserID).Count(&counterCount).Error)
	assert.Equal(t, int64(0), counterCount)

	// Archived conversations stay sendable once the account is back
	require.NoError(t, db.Model(account).Update("status", models.AccountStatusConnected).Error)
	require.NoError(t, db.Model(&conv).Update("status", models.ConversationStatusArchived).Error)

	msg, err := p.Send(account.UserID, conv.ID, "", "revived thread", nil)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
}

func TestSendRejectsForeignConversation(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	owner := seedUserAccount(t, db, "whatsapp", "wa-owner")

	conv := models.Conversation{
		AccountID:  owner.ID,
		UserID:     owner.UserID,
		ExternalID: "chat-1",
		Status:     models.ConversationStatusActive,
	}
	require.NoError(t, db.Create(&conv).Error)

	p.RegisterFallbackSender(&fakeSender{})

	_, err := p.Send(owner.UserID+100, conv.ID, "", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
