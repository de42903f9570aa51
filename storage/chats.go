package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

const chatColumns = `chat_id, chat_type, name, participants, last_message_id,
unread_count, created_at, updated_at`

// SaveChat inserts a chat row. Inserting an existing chat_id is an
// idempotent no-op so repeated private-chat creation converges on one row.
func (s *Store) SaveChat(chat *Chat) error {
	if chat == nil {
		return errors.New("chat is required")
	}
	if chat.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if err := validateChatType(chat.ChatType); err != nil {
		return err
	}
	if len(chat.Participants) == 0 {
		return errors.New("participants are required")
	}
	if chat.CreatedAt == 0 {
		chat.CreatedAt = nowUnixMilli()
	}
	if chat.UpdatedAt == 0 {
		chat.UpdatedAt = chat.CreatedAt
	}

	participants, err := encodeStringList(chat.Participants)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING`,
		chat.ChatID,
		chat.ChatType,
		chat.Name,
		participants,
		nullString(chat.LastMessageID),
		chat.UnreadCount,
		chat.CreatedAt,
		chat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat %q: %w", chat.ChatID, err)
	}

	return nil
}

// GetChatByID returns one chat or ErrNotFound.
func (s *Store) GetChatByID(chatID string) (*Chat, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	row := s.db.QueryRow(
		`SELECT `+chatColumns+` FROM chats WHERE chat_id = ?`,
		chatID,
	)
	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat %q: %w", chatID, err)
	}

	return chat, nil
}

// FindChatByParticipants returns the chat of the given type whose
// participant set matches exactly, or ErrNotFound.
func (s *Store) FindChatByParticipants(chatType string, participants []string) (*Chat, error) {
	if err := validateChatType(chatType); err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, errors.New("participants are required")
	}

	want := normalizeParticipants(participants)

	rows, err := s.db.Query(
		`SELECT `+chatColumns+` FROM chats WHERE chat_type = ?`,
		chatType,
	)
	if err != nil {
		return nil, fmt.Errorf("query chats of type %q: %w", chatType, err)
	}
	defer rows.Close()

	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		if stringSlicesEqual(normalizeParticipants(chat.Participants), want) {
			return chat, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}

	return nil, ErrNotFound
}

// GetChatsForUser returns every chat the user participates in, most
// recently updated first.
func (s *Store) GetChatsForUser(userID string) ([]Chat, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	rows, err := s.db.Query(
		`SELECT ` + chatColumns + ` FROM chats ORDER BY updated_at DESC, chat_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		for _, p := range chat.Participants {
			if p == userID {
				chats = append(chats, *chat)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}

	return chats, nil
}

// UpdateChatName renames a chat.
func (s *Store) UpdateChatName(chatID, name string) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE chats SET name = ?, updated_at = ? WHERE chat_id = ?`,
		name, nowUnixMilli(), chatID,
	)
	if err != nil {
		return fmt.Errorf("rename chat %q: %w", chatID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// AddParticipant adds a user to a chat's participant set. Adding an
// existing participant is a no-op.
func (s *Store) AddParticipant(chatID, userID string) error {
	return s.mutateParticipants(chatID, userID, true)
}

// RemoveParticipant removes a user from a chat's participant set.
func (s *Store) RemoveParticipant(chatID, userID string) error {
	return s.mutateParticipants(chatID, userID, false)
}

func (s *Store) mutateParticipants(chatID, userID string, add bool) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin participant transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var raw string
	err = tx.QueryRow(
		`SELECT participants FROM chats WHERE chat_id = ?`,
		chatID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read participants for %q: %w", chatID, err)
	}

	participants, err := decodeStringList(raw)
	if err != nil {
		return err
	}

	if add {
		for _, p := range participants {
			if p == userID {
				return nil
			}
		}
		participants = append(participants, userID)
	} else {
		filtered := participants[:0]
		for _, p := range participants {
			if p != userID {
				filtered = append(filtered, p)
			}
		}
		participants = filtered
	}

	encoded, err := encodeStringList(participants)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE chats SET participants = ?, updated_at = ? WHERE chat_id = ?`,
		encoded, nowUnixMilli(), chatID,
	); err != nil {
		return fmt.Errorf("update participants for %q: %w", chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit participant transaction: %w", err)
	}

	return nil
}

// UpdateLastMessage records the chat's newest message and optionally bumps
// the unread counter.
func (s *Store) UpdateLastMessage(chatID, messageID string, incrementUnread bool) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}
	if messageID == "" {
		return errors.New("message_id is required")
	}

	bump := 0
	if incrementUnread {
		bump = 1
	}

	res, err := s.db.Exec(
		`UPDATE chats SET last_message_id = ?, unread_count = unread_count + ?, updated_at = ?
		WHERE chat_id = ?`,
		messageID, bump, nowUnixMilli(), chatID,
	)
	if err != nil {
		return fmt.Errorf("update last message for %q: %w", chatID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// ResetUnreadCount zeroes a chat's unread counter.
func (s *Store) ResetUnreadCount(chatID string) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE chats SET unread_count = 0 WHERE chat_id = ?`,
		chatID,
	)
	if err != nil {
		return fmt.Errorf("reset unread count for %q: %w", chatID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanChat(row rowScanner) (*Chat, error) {
	var (
		chat          Chat
		participants  string
		lastMessageID sql.NullString
	)

	err := row.Scan(
		&chat.ChatID,
		&chat.ChatType,
		&chat.Name,
		&participants,
		&lastMessageID,
		&chat.UnreadCount,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	decoded, err := decodeStringList(participants)
	if err != nil {
		return nil, err
	}

	chat.Participants = decoded
	chat.LastMessageID = stringPtr(lastMessageID)
	return &chat, nil
}

func normalizeParticipants(participants []string) []string {
	out := make([]string, len(participants))
	copy(out, participants)
	sort.Strings(out)
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
