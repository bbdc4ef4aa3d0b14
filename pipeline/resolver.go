package pipeline

import (
	"fmt"

	"gorm.io/gorm"

	"omnibox/models"
)

// Resolution is the outcome of mapping external identifiers to local rows.
type Resolution struct {
	Account      models.Account
	Conversation models.Conversation
}

// resolve maps an event's external identifiers to the local account and
// conversation, creating the conversation on first sight. An unknown
// account cannot be attributed to a user, so the event is dropped with
// ErrUnknownAccount rather than retried.
func (p *Pipeline) resolve(provider string, ev *InboundEvent) (*Resolution, error) {
	var res Resolution

	err := withRetry("resolve account", func() error {
		return p.db.Where("provider = ? AND external_id = ?", provider, ev.ExternalAccountID).
			First(&res.Account).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAccount, provider, ev.ExternalAccountID)
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	conv, err := p.getOrCreateConversation(&res.Account, ev)
	if err != nil {
		return nil, err
	}
	res.Conversation = *conv
	return &res, nil
}

// getOrCreateConversation finds a conversation by (account, external id),
// creating it on first sight. The unique index is the arbiter of a
// duplicate-create race: the loser re-reads and uses the winner's row.
func (p *Pipeline) getOrCreateConversation(account *models.Account, ev *InboundEvent) (*models.Conversation, error) {
	var conv models.Conversation

	lookup := func() error {
		return p.db.Where("account_id = ? AND external_id = ?", account.ID, ev.ExternalConversationID).
			First(&conv).Error
	}

	err := withRetry("resolve conversation", lookup)
	if err == nil {
		return &conv, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	conv = models.Conversation{
		AccountID:  account.ID,
		UserID:     account.UserID,
		ExternalID: ev.ExternalConversationID,
		Title:      conversationTitle(ev),
		IsGroup:    ev.IsGroup,
		Status:     models.ConversationStatusActive,
	}

	err = p.db.Create(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	// Lost the creation race; the winner's row is authoritative.
	conv = models.Conversation{}
	if err := withRetry("re-read conversation", lookup); err != nil {
		return nil, fmt.Errorf("failed to re-read conversation after create race: %w", err)
	}
	return &conv, nil
}

func conversationTitle(ev *InboundEvent) string {
	if ev.SenderName != "" {
		return ev.SenderName
	}
	return ev.ExternalConversationID
}
