package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParseWebhook decodes one webhook body into a RawEvent. The relay wraps
// events as {"event_type": "...", "event_data": {...}}; older integrations
// post the fields flat with a "type" tag (or no tag at all, which means a
// plain received message).
func ParseWebhook(body []byte) (*RawEvent, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedPayload, err)
	}

	if t, ok := envelope["event_type"].(string); ok {
		data, ok := envelope["event_data"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: event_data missing or not an object", ErrMalformedPayload)
		}
		return &RawEvent{Type: t, Fields: data}, nil
	}

	// Legacy flat shape
	t, _ := envelope["type"].(string)
	if t == "" {
		t = EventMessageReceived
	}
	return &RawEvent{Type: t, Fields: envelope}, nil
}

// Normalize maps a RawEvent into its canonical form. It is a pure mapping
// with no side effects. Unknown event types yield KindNone rather than an
// error; missing mandatory fields (account id, conversation id, occurrence
// timestamp) yield ErrMalformedPayload.
func Normalize(raw *RawEvent) (*NormalizedEvent, error) {
	switch raw.Type {
	case EventMessageReceived, EventMessageSent:
		ev, err := normalizeMessage(raw)
		if err != nil {
			return nil, err
		}
		return &NormalizedEvent{Kind: KindMessage, Message: ev}, nil

	case EventMessageDelivered, EventMessageRead:
		ev, err := normalizeStatus(raw)
		if err != nil {
			return nil, err
		}
		return &NormalizedEvent{Kind: KindStatus, Status: ev}, nil

	default:
		return &NormalizedEvent{Kind: KindNone}, nil
	}
}

func normalizeMessage(raw *RawEvent) (*InboundEvent, error) {
	f := raw.Fields

	ev := &InboundEvent{
		ExternalAccountID:      stringField(f, "account_id"),
		ExternalConversationID: stringField(f, "chat_id", "conversation_id"),
		ExternalMessageID:      stringField(f, "message_id", "id"),
		Body:                   stringField(f, "text", "body"),
		Subject:                stringField(f, "subject"),
		SenderName:             stringField(f, "sender_name", "sender"),
		ParentExternalID:       stringField(f, "reply_to", "parent_id"),
		Attachments:            stringListField(f, "attachments"),
		IsGroup:                boolField(f, "is_group"),
		Raw:                    f,
	}

	ev.Direction = DirectionIn
	if raw.Type == EventMessageSent {
		ev.Direction = DirectionOut
	}

	if ev.ExternalAccountID == "" {
		return nil, fmt.Errorf("%w: missing account_id", ErrMalformedPayload)
	}
	if ev.ExternalConversationID == "" {
		return nil, fmt.Errorf("%w: missing chat_id", ErrMalformedPayload)
	}

	occurredAt, ok := timeField(f, "timestamp", "occurred_at", "date")
	if !ok {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	ev.OccurredAt = occurredAt

	return ev, nil
}

func normalizeStatus(raw *RawEvent) (*StatusEvent, error) {
	f := raw.Fields

	ev := &StatusEvent{
		ExternalAccountID:      stringField(f, "account_id"),
		ExternalConversationID: stringField(f, "chat_id", "conversation_id"),
		ExternalMessageID:      stringField(f, "message_id", "id"),
	}

	switch raw.Type {
	case EventMessageDelivered:
		ev.Status = "delivered"
	case EventMessageRead:
		ev.Status = "read"
	}

	if ev.ExternalAccountID == "" {
		return nil, fmt.Errorf("%w: missing account_id", ErrMalformedPayload)
	}
	if ev.ExternalConversationID == "" {
		return nil, fmt.Errorf("%w: missing chat_id", ErrMalformedPayload)
	}
	if ev.ExternalMessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrMalformedPayload)
	}

	occurredAt, ok := timeField(f, "timestamp", "occurred_at", "date")
	if !ok {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	ev.OccurredAt = occurredAt

	return ev, nil
}

// stringField returns the first present, non-empty string among keys.
func stringField(f map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := f[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func boolField(f map[string]interface{}, key string) bool {
	v, _ := f[key].(bool)
	return v
}

// stringListField accepts either a plain string list or a list of objects
// with a "name"/"url" field, which is how the relay describes attachments.
func stringListField(f map[string]interface{}, key string) []string {
	raw, ok := f[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if name := stringField(v, "url", "name"); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// timeField accepts a unix-seconds number, a stringified unix timestamp, or
// an RFC3339 string.
func timeField(f map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		switch v := f[k].(type) {
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC(), true
			}
		case string:
			if v == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC(), true
			}
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
				return time.Unix(unix, 0).UTC(), true
			}
		}
	}
	return time.Time{}, false
}
