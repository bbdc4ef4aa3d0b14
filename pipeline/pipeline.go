package pipeline

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"omnibox/models"
)

// Broadcaster delivers an event to every live session of one user. The
// pipeline publishes only after the durable write commits; publish failures
// never roll back or retry the write.
type Broadcaster interface {
	Publish(userID uint, event interface{})
}

// SendResult is what an external send attempt produced.
type SendResult struct {
	ExternalMessageID string
	Status            string
}

// ProviderSender is the outbound-transport collaborator: the relay client
// for chat providers, the SMTP mailer for email.
type ProviderSender interface {
	Send(account *models.Account, conversation *models.Conversation, subject, body string, attachments []string) (*SendResult, error)
}

// convShards sizes the sharded conversation lock table. Deliveries for
// different conversations run in parallel; deliveries for the same
// conversation are linearized so admission, unread counts and reply counts
// cannot race each other.
const convShards = 64

// Pipeline wires normalization, identity resolution, idempotent admission,
// usage accounting, conversation state and fan-out together.
type Pipeline struct {
	db     *gorm.DB
	ledger *UsageLedger
	hub    Broadcaster
	logger *log.Logger

	senders  map[string]ProviderSender
	fallback ProviderSender

	convMu [convShards]sync.Mutex
}

func New(db *gorm.DB, hub Broadcaster, logger *log.Logger) *Pipeline {
	return &Pipeline{
		db:      db,
		ledger:  NewUsageLedger(db, logger),
		hub:     hub,
		logger:  logger,
		senders: make(map[string]ProviderSender),
	}
}

// Ledger exposes the usage ledger for the usage query endpoint.
func (p *Pipeline) Ledger() *UsageLedger { return p.ledger }

// RegisterSender binds an outbound sender to one provider tag.
func (p *Pipeline) RegisterSender(provider string, s ProviderSender) {
	p.senders[provider] = s
}

// RegisterFallbackSender binds the sender used for providers without an
// explicit binding. The relay speaks for every chat provider, so it is the
// natural fallback.
func (p *Pipeline) RegisterFallbackSender(s ProviderSender) {
	p.fallback = s
}

func (p *Pipeline) senderFor(provider string) (ProviderSender, error) {
	if s, ok := p.senders[provider]; ok {
		return s, nil
	}
	if p.fallback != nil {
		return p.fallback, nil
	}
	return nil, fmt.Errorf("no sender registered for provider %s", provider)
}

// lockConversation serializes processing per conversation id.
func (p *Pipeline) lockConversation(convID uint) func() {
	mu := &p.convMu[convID%convShards]
	mu.Lock()
	return mu.Unlock
}

// ProcessWebhook runs one raw webhook delivery through the full pipeline.
// Every non-error outcome, duplicates and unknown accounts included, is a
// success from the webhook sender's perspective.
func (p *Pipeline) ProcessWebhook(provider string, body []byte) (*Result, error) {
	raw, err := ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	norm, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	switch norm.Kind {
	case KindMessage:
		return p.ProcessInbound(provider, norm.Message)
	case KindStatus:
		return p.applyStatusEvent(provider, norm.Status)
	default:
		return &Result{Outcome: OutcomeIgnored}, nil
	}
}

// ProcessInbound admits one canonical message event. The email sync worker
// calls this directly, bypassing webhook parsing.
func (p *Pipeline) ProcessInbound(provider string, ev *InboundEvent) (*Result, error) {
	res, err := p.resolve(provider, ev)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			p.logger.Printf("dropping orphaned webhook: %v", err)
			return &Result{Outcome: OutcomeUnknownAccount}, nil
		}
		return nil, err
	}

	unlock := p.lockConversation(res.Conversation.ID)
	msg, created, err := p.applyInbound(res, ev)
	unlock()
	if err != nil {
		return nil, err
	}

	if !created {
		return &Result{Outcome: OutcomeDuplicate, Message: msg, Conversation: &res.Conversation}, nil
	}

	if ev.Direction == DirectionIn {
		if err := p.ledger.RecordReceived(res.Account.UserID, provider); err != nil {
			// The message is durably admitted; a lost receive tick is
			// reconciled later rather than failing the webhook.
			p.logger.Printf("failed to record received usage for user %d: %v", res.Account.UserID, err)
		}
	}

	p.publishMessage("new_message", &res.Account, &res.Conversation, msg)
	return &Result{Outcome: OutcomeProcessed, Message: msg, Conversation: &res.Conversation}, nil
}

// Send runs the mirrored outbound path: reserve usage, attempt the external
// send, append the sent message, echo it to the sender's other sessions.
// A reservation is not refunded when the external send fails; the message
// is recorded with status failed and the error surfaced to the caller.
func (p *Pipeline) Send(userID uint, conversationID uint, subject, body string, attachments []string) (*models.Message, error) {
	var conv models.Conversation
	err := p.db.Where("id = ? AND user_id = ?", conversationID, userID).First(&conv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("conversation %d not found", conversationID)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var account models.Account
	if err := p.db.First(&account, conv.AccountID).Error; err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	// A disconnected account has no working transport; refuse before any
	// reservation is consumed. Archived and muted conversations stay
	// sendable: those are view-level states.
	if account.Status == models.AccountStatusDisconnected {
		return nil, fmt.Errorf("%w: account %d", ErrAccountDisconnected, account.ID)
	}

	if _, err := p.ledger.ReserveSend(userID, account.Provider); err != nil {
		return nil, err
	}

	sender, err := p.senderFor(account.Provider)
	if err != nil {
		return nil, err
	}

	sendRes, sendErr := sender.Send(&account, &conv, subject, body, attachments)

	unlock := p.lockConversation(conv.ID)
	msg, err := p.applyOutbound(&account, &conv, subject, body, attachments, sendRes, sendErr)
	unlock()
	if err != nil {
		return nil, err
	}

	p.publishMessage("new_message", &account, &conv, msg)

	if sendErr != nil {
		return msg, fmt.Errorf("%w: %v", ErrExternalSend, sendErr)
	}
	return msg, nil
}

// wireMessage is the shape every live session receives.
type wireMessage struct {
	Type             string          `json:"type"`
	Provider         string          `json:"provider"`
	ConversationID   uint            `json:"conversation_id"`
	Message          *models.Message `json:"message"`
	SenderDisplay    string          `json:"sender_display"`
	RecipientDisplay string          `json:"recipient_display"`
	UnreadCount      int             `json:"unread_count"`
}

func (p *Pipeline) publishMessage(eventType string, account *models.Account, conv *models.Conversation, msg *models.Message) {
	if p.hub == nil {
		return
	}

	senderDisplay := msg.SenderName
	recipientDisplay := account.DisplayName
	if msg.Direction == models.DirectionOut {
		senderDisplay = account.DisplayName
		recipientDisplay = conv.Title
	}

	// Re-read the unread count after the write so clients can render badges
	// without a follow-up request.
	var fresh models.Conversation
	unread := conv.UnreadCount
	if err := p.db.Select("unread_count").First(&fresh, conv.ID).Error; err == nil {
		unread = fresh.UnreadCount
	}

	p.hub.Publish(account.UserID, wireMessage{
		Type:             eventType,
		Provider:         account.Provider,
		ConversationID:   conv.ID,
		Message:          msg,
		SenderDisplay:    senderDisplay,
		RecipientDisplay: recipientDisplay,
		UnreadCount:      unread,
	})
}
