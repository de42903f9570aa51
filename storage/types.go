package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Message delivery lifecycle states.
const (
	MessageStatePending   = "pending"
	MessageStateSent      = "sent"
	MessageStateDelivered = "delivered"
	MessageStateRead      = "read"
	MessageStateFailed    = "failed"
	MessageStateUnknown   = "unknown"
)

// Chat kinds.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Key record kinds.
const (
	KeyKindRSA = "rsa"
	KeyKindAES = "aes"
)

// User is the SQLite representation of a known contact.
type User struct {
	UserID      string
	DisplayName string
	Phone       *string
	IsOnline    bool
	LastSeen    *int64
	CreatedAt   int64
}

// Chat is the SQLite representation of a conversation.
type Chat struct {
	ChatID        string
	ChatType      string
	Name          string
	Participants  []string
	LastMessageID *string
	UnreadCount   int
	CreatedAt     int64
	UpdatedAt     int64
}

// Message is the SQLite representation of a chat message. Content holds
// the encrypted payload; Unreadable marks rows whose payload could not be
// decrypted with any resolvable key.
type Message struct {
	MessageID      string
	ChatID         string
	SenderID       string
	Content        string
	MediaID        *string
	ReplyToID      *string
	State          string
	WaitingMembers []string
	Unreadable     bool
	CreatedAt      int64
	DeliveredAt    *int64
	ReadAt         *int64
}

// KeyRecord is one entry in the rotating key history of a subject (a user
// for RSA records, a chat for AES records). Private material is stored
// sealed under the local master key.
type KeyRecord struct {
	KeyID              string
	SubjectID          string
	Kind               string
	PublicKey          *string
	PrivateKeySealed   *string
	SymmetricKeySealed *string
	CreatedAt          int64
}

func validateMessageState(state string) error {
	switch state {
	case MessageStatePending, MessageStateSent, MessageStateDelivered,
		MessageStateRead, MessageStateFailed, MessageStateUnknown:
		return nil
	default:
		return fmt.Errorf("invalid message state %q", state)
	}
}

func validateChatType(chatType string) error {
	switch chatType {
	case ChatTypePrivate, ChatTypeGroup:
		return nil
	default:
		return fmt.Errorf("invalid chat type %q", chatType)
	}
}

func validateKeyKind(kind string) error {
	switch kind {
	case KeyKindRSA, KeyKindAES:
		return nil
	default:
		return fmt.Errorf("invalid key kind %q", kind)
	}
}

func encodeStringList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(raw), nil
}

func decodeStringList(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
