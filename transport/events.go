// Package transport defines the event envelope and client contract shared
// by the relay and direct channels.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventMessage         EventType = "MESSAGE"
	EventDeliveryReceipt EventType = "DELIVERY_RECEIPT"
	EventReadReceipt     EventType = "READ_RECEIPT"
	EventUserPresence    EventType = "USER_PRESENCE"
	EventMediaUpload     EventType = "MEDIA_UPLOAD"
	EventChatUpdate      EventType = "CHAT_UPDATE"
	EventError           EventType = "ERROR"
	EventConnect         EventType = "CONNECT"
	EventDisconnect      EventType = "DISCONNECT"
)

// Event is the envelope exchanged on both channels. Payload stays raw
// until the listener knows the type.
type Event struct {
	EventID   string          `json:"eventId"`
	Type      EventType       `json:"type"`
	SenderID  string          `json:"senderId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an envelope around a marshalable payload.
func NewEvent(eventType EventType, senderID string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = encoded
	}

	return Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		SenderID:  senderID,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// MessagePayload carries one encrypted chat message.
type MessagePayload struct {
	MessageID      string   `json:"messageId"`
	ChatID         string   `json:"chatId"`
	SenderID       string   `json:"senderId"`
	Content        string   `json:"content,omitempty"`
	MediaID        string   `json:"mediaId,omitempty"`
	ReplyToID      string   `json:"replyToId,omitempty"`
	WaitingMembers []string `json:"waitingMembers,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// ReceiptPayload correlates a delivery or read receipt with its message.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// PresencePayload announces a user going online or offline.
type PresencePayload struct {
	UserID    string `json:"userId"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

// ChatUpdatePayload describes a membership or rename change.
type ChatUpdatePayload struct {
	ChatID string `json:"chatId"`
	Action string `json:"action"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Chat update actions.
const (
	ChatActionMemberAdded   = "member_added"
	ChatActionMemberRemoved = "member_removed"
	ChatActionRenamed       = "renamed"
)

// MediaUploadPayload references an uploaded media object by id only; the
// bytes move over the relay's media endpoints.
type MediaUploadPayload struct {
	MediaID   string `json:"mediaId"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	FileName  string `json:"fileName,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// DecodePayload unmarshals an event payload into out.
func DecodePayload(evt Event, out any) error {
	if len(evt.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", evt.EventID)
	}
	if err := json.Unmarshal(evt.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return nil
}
