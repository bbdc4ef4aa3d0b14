package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"omnibox/models"
)

// errDuplicateMessage aborts the admission transaction when the unique
// index rejects a second insert of the same external message id.
var errDuplicateMessage = errors.New("duplicate message")

// applyInbound admits the event's message and applies its conversation
// delta. Admission and message creation are a single atomic operation: the
// insert itself is the idempotency check, and a unique-index violation
// means a concurrent or redelivered webhook already won. Callers must hold
// the conversation lock.
func (p *Pipeline) applyInbound(res *Resolution, ev *InboundEvent) (msg *models.Message, created bool, err error) {
	externalID := ev.ExternalMessageID
	if externalID == "" {
		// No provider id means no dedup key; mint one so the unique index
		// stays total.
		externalID = uuid.NewString()
	}

	status := models.MessageStatusReceived
	if ev.Direction == DirectionOut {
		status = models.MessageStatusSent
	}

	record := models.Message{
		ConversationID: res.Conversation.ID,
		ExternalID:     externalID,
		Direction:      string(ev.Direction),
		Body:           ev.Body,
		Subject:        ev.Subject,
		Attachments:    models.StringList(ev.Attachments),
		SenderName:     ev.SenderName,
		SentAt:         ev.OccurredAt,
		Status:         status,
		Metadata:       marshalMetadata(ev.Raw),
		SyncStatus:     models.MessageSyncSynced,
	}

	txErr := p.db.Transaction(func(tx *gorm.DB) error {
		var parent *models.Message
		if ev.ParentExternalID != "" {
			var pm models.Message
			err := tx.Where("conversation_id = ? AND external_id = ?",
				res.Conversation.ID, ev.ParentExternalID).First(&pm).Error
			if err == nil {
				parent = &pm
				record.ParentID = &pm.ID
				record.IsReply = true
			} else if err != gorm.ErrRecordNotFound {
				return fmt.Errorf("failed to look up parent message: %w", err)
			}
		}

		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return errDuplicateMessage
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if err := advanceLastMessageAt(tx, res.Conversation.ID, ev.OccurredAt); err != nil {
			return err
		}

		if ev.Direction == DirectionIn {
			err := tx.Model(&models.Conversation{}).
				Where("id = ?", res.Conversation.ID).
				Update("unread_count", gorm.Expr("unread_count + 1")).Error
			if err != nil {
				return fmt.Errorf("failed to bump unread count: %w", err)
			}
		}

		// Exactly once per admitted child: the duplicate path above never
		// reaches this point.
		if parent != nil {
			err := tx.Model(&models.Message{}).
				Where("id = ?", parent.ID).
				Update("reply_count", gorm.Expr("reply_count + 1")).Error
			if err != nil {
				return fmt.Errorf("failed to bump reply count: %w", err)
			}
		}
		return nil
	})

	if txErr == nil {
		return &record, true, nil
	}
	if !errors.Is(txErr, errDuplicateMessage) {
		return nil, false, txErr
	}

	var existing models.Message
	err = withRetry("load duplicate message", func() error {
		return p.db.Where("conversation_id = ? AND external_id = ?",
			res.Conversation.ID, externalID).First(&existing).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load admitted duplicate: %w", err)
	}
	return &existing, false, nil
}

// applyOutbound appends a sent (or failed) outbound message after an
// external send attempt. Callers must hold the conversation lock.
func (p *Pipeline) applyOutbound(account *models.Account, conv *models.Conversation, subject, body string, attachments []string, sendRes *SendResult, sendErr error) (*models.Message, error) {
	now := time.Now().UTC()

	record := models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOut,
		Body:           body,
		Subject:        subject,
		Attachments:    models.StringList(attachments),
		SenderName:     account.DisplayName,
		SentAt:         now,
	}

	if sendErr == nil && sendRes != nil {
		record.ExternalID = sendRes.ExternalMessageID
		record.Status = models.MessageStatusSent
		if sendRes.Status != "" {
			record.Status = sendRes.Status
		}
		record.SyncStatus = models.MessageSyncSynced
	} else {
		// The provider never saw the message, so mint a local id. The
		// attempt counter only moves on failure.
		record.ExternalID = uuid.NewString()
		record.Status = models.MessageStatusFailed
		record.SyncStatus = models.MessageSyncFailed
		record.SyncAttempts = 1
	}
	if record.ExternalID == "" {
		record.ExternalID = uuid.NewString()
	}

	txErr := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				// Send echo already arrived via webhook; reuse that row.
				return errDuplicateMessage
			}
			return fmt.Errorf("failed to insert outbound message: %w", err)
		}
		return advanceLastMessageAt(tx, conv.ID, now)
	})

	if txErr == nil {
		return &record, nil
	}
	if !errors.Is(txErr, errDuplicateMessage) {
		return nil, txErr
	}

	var existing models.Message
	if err := p.db.Where("conversation_id = ? AND external_id = ?", conv.ID, record.ExternalID).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load echoed outbound message: %w", err)
	}
	return &existing, nil
}

// applyStatusEvent advances a message's delivery status from a provider
// receipt. Redelivered receipts and receipts that do not advance the state
// are no-ops, so processing the same update twice never double-applies.
func (p *Pipeline) applyStatusEvent(provider string, ev *StatusEvent) (*Result, error) {
	var account models.Account
	err := withRetry("resolve account", func() error {
		return p.db.Where("provider = ? AND external_id = ?", provider, ev.ExternalAccountID).
			First(&account).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			p.logger.Printf("dropping status event for unknown account %s/%s", provider, ev.ExternalAccountID)
			return &Result{Outcome: OutcomeUnknownAccount}, nil
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	var conv models.Conversation
	err = p.db.Where("account_id = ? AND external_id = ?", account.ID, ev.ExternalConversationID).
		First(&conv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &Result{Outcome: OutcomeIgnored}, nil
		}
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	unlock := p.lockConversation(conv.ID)
	defer unlock()

	var msg models.Message
	err = p.db.Where("conversation_id = ? AND external_id = ?", conv.ID, ev.ExternalMessageID).
		First(&msg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &Result{Outcome: OutcomeIgnored}, nil
		}
		return nil, fmt.Errorf("failed to look up message: %w", err)
	}

	if !msg.StatusAdvances(ev.Status) {
		return &Result{Outcome: OutcomeIgnored, Message: &msg, Conversation: &conv}, nil
	}

	updates := map[string]interface{}{"status": ev.Status}
	if ev.Status == models.MessageStatusRead {
		updates["read_at"] = ev.OccurredAt
	}
	if err := p.db.Model(&msg).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update message status: %w", err)
	}

	// A read receipt for an inbound message (read on another device) moves
	// the authoritative unread count.
	if msg.Direction == models.DirectionIn && ev.Status == models.MessageStatusRead {
		if err := p.RecomputeUnread(conv.ID); err != nil {
			return nil, err
		}
	}

	p.publishMessage("message_updated", &account, &conv, &msg)
	return &Result{Outcome: OutcomeUpdated, Message: &msg, Conversation: &conv}, nil
}

// RecomputeUnread sets the conversation's unread counter to the one
// authoritative value: the count of inbound messages not yet read.
func (p *Pipeline) RecomputeUnread(convID uint) error {
	var unread int64
	err := p.db.Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ? AND status <> ? AND is_removed = ?",
			convID, models.DirectionIn, models.MessageStatusRead, false).
		Count(&unread).Error
	if err != nil {
		return fmt.Errorf("failed to count unread messages: %w", err)
	}
	err = p.db.Model(&models.Conversation{}).
		Where("id = ?", convID).
		Update("unread_count", unread).Error
	if err != nil {
		return fmt.Errorf("failed to store unread count: %w", err)
	}
	return nil
}

// MarkConversationRead marks every inbound message read and zeroes the
// unread counter. Used by the inbox read endpoint.
func (p *Pipeline) MarkConversationRead(userID, convID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := p.db.Where("id = ? AND user_id = ?", convID, userID).First(&conv).Error
	if err != nil {
		return nil, err
	}

	unlock := p.lockConversation(conv.ID)
	defer unlock()

	now := time.Now().UTC()
	err = p.db.Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ? AND status <> ?",
			conv.ID, models.DirectionIn, models.MessageStatusRead).
		Updates(map[string]interface{}{"status": models.MessageStatusRead, "read_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}

	if err := p.RecomputeUnread(conv.ID); err != nil {
		return nil, err
	}

	if err := p.db.First(&conv, conv.ID).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func advanceLastMessageAt(tx *gorm.DB, convID uint, at time.Time) error {
	// Advance-only: an out-of-order event with an older timestamp leaves
	// the conversation timestamp unchanged but the message is still kept.
	err := tx.Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", convID, at).
		Update("last_message_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to advance conversation timestamp: %w", err)
	}
	return nil
}

func marshalMetadata(raw map[string]interface{}) string {
	if len(raw) == 0 {
		return ""
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(b)
}
