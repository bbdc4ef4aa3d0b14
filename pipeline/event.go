// Package pipeline implements the webhook ingestion and usage-metered
// fan-out path: normalization, identity resolution, idempotent admission,
// usage accounting, conversation state and publishing to live sessions.
package pipeline

import (
	"errors"
	"time"

	"omnibox/models"
)

// Event-type tags recognized from relay webhooks. Anything else is accepted
// and ignored so harmless provider events never abort processing.
const (
	EventMessageReceived  = "message_received"
	EventMessageSent      = "message_sent" // echo of a message sent from another client
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
)

// Processing outcomes reported back to the webhook sender. Everything here
// is a 200-level outcome; webhook retries must never be taught to treat
// business rejections as failures.
type Outcome string

const (
	OutcomeProcessed      Outcome = "processed"
	OutcomeUpdated        Outcome = "updated"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeUnknownAccount Outcome = "unknown_account"
)

// Error taxonomy for the ingest and send paths.
var (
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrLimitExceeded       = errors.New("send limit exceeded")
	ErrExternalSend        = errors.New("provider send failed")
	ErrAccountDisconnected = errors.New("account disconnected")
)

// Direction of a message relative to the local user.
type Direction string

const (
	DirectionIn  Direction = models.DirectionIn
	DirectionOut Direction = models.DirectionOut
)

// RawEvent is the tagged, untyped shape of one webhook delivery: the
// event-type tag plus the raw field map. Both the wrapped
// {event_type, event_data} shape and the legacy flat shape parse into it.
type RawEvent struct {
	Type   string
	Fields map[string]interface{}
}

// InboundEvent is the canonical form of one provider message event.
type InboundEvent struct {
	ExternalAccountID      string
	ExternalConversationID string
	ExternalMessageID      string
	Direction              Direction
	Body                   string
	Subject                string
	Attachments            []string
	SenderName             string
	OccurredAt             time.Time
	IsGroup                bool
	ParentExternalID       string
	Raw                    map[string]interface{}
}

// StatusEvent is the canonical form of a delivery-status update
// (delivered/read receipts) for an already-known message.
type StatusEvent struct {
	ExternalAccountID      string
	ExternalConversationID string
	ExternalMessageID      string
	Status                 string
	OccurredAt             time.Time
}

// EventKind discriminates what a normalized webhook contains.
type EventKind int

const (
	KindNone EventKind = iota // recognized but irrelevant, or unknown type
	KindMessage
	KindStatus
)

// NormalizedEvent is the output of the normalizer: a tagged union of a
// message event, a status event, or nothing.
type NormalizedEvent struct {
	Kind    EventKind
	Message *InboundEvent
	Status  *StatusEvent
}

// Result describes how far one delivery got through the pipeline.
type Result struct {
	Outcome      Outcome              `json:"outcome"`
	Message      *models.Message      `json:"message,omitempty"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
}
