package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `message_id, chat_id, sender_id, content, media_id, reply_to_id,
state, waiting_members, unreadable, created_at, delivered_at, read_at`

// SaveMessage inserts a message row. State defaults to pending and
// created_at to now when unset. Message rows are never deleted; terminal
// states are recorded in place.
func (s *Store) SaveMessage(msg *Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.MessageID == "" {
		return errors.New("message_id is required")
	}
	if msg.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if msg.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if msg.State == "" {
		msg.State = MessageStatePending
	}
	if err := validateMessageState(msg.State); err != nil {
		return err
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowUnixMilli()
	}

	waiting, err := encodeStringList(msg.WaitingMembers)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID,
		msg.ChatID,
		msg.SenderID,
		msg.Content,
		nullString(msg.MediaID),
		nullString(msg.ReplyToID),
		msg.State,
		waiting,
		boolToInt(msg.Unreadable),
		msg.CreatedAt,
		nullInt64(msg.DeliveredAt),
		nullInt64(msg.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", msg.MessageID, err)
	}

	return nil
}

// GetMessageByID returns one message or ErrNotFound.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`,
		messageID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}

	return msg, nil
}

// GetMessagesForChat returns a chat's messages in send order.
func (s *Store) GetMessagesForChat(chatID string) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, message_id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// UpdateMessageState overwrites a message's lifecycle state. Transition
// ordering is the delivery engine's responsibility; this layer only
// validates the value.
func (s *Store) UpdateMessageState(messageID, state string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateMessageState(state); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages SET state = ? WHERE message_id = ?`,
		state, messageID,
	)
	if err != nil {
		return fmt.Errorf("update message %q state: %w", messageID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkMessageFailed advances a message to failed. Failed is only
// reachable from pending or sent; a receipt that already advanced the
// row wins, and the return value reports whether the row changed.
func (s *Store) MarkMessageFailed(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET state = ? WHERE message_id = ? AND state IN (?, ?)`,
		MessageStateFailed, messageID, MessageStatePending, MessageStateSent,
	)
	if err != nil {
		return false, fmt.Errorf("mark message %q failed: %w", messageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	return affected > 0, nil
}

// RequeueMessage returns a failed (or still pending) message to the
// pending state for a resend. Rows a receipt already advanced are left
// alone.
func (s *Store) RequeueMessage(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET state = ? WHERE message_id = ? AND state IN (?, ?)`,
		MessageStatePending, messageID, MessageStateFailed, MessageStatePending,
	)
	if err != nil {
		return false, fmt.Errorf("requeue message %q: %w", messageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	return affected > 0, nil
}

// MarkMessageSent advances a message from pending to sent. Rows already
// past pending are left alone so a slow dispatch cannot demote a
// delivered or read message.
func (s *Store) MarkMessageSent(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET state = ? WHERE message_id = ? AND state = ?`,
		MessageStateSent, messageID, MessageStatePending,
	)
	if err != nil {
		return false, fmt.Errorf("mark message %q sent: %w", messageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	return affected > 0, nil
}

// SetMessageDelivered advances a message to delivered and stamps the
// delivery time. Rows already delivered, read, or failed are left alone;
// the return value reports whether the row changed.
func (s *Store) SetMessageDelivered(messageID string, deliveredAt int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if deliveredAt == 0 {
		deliveredAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE messages SET state = ?, delivered_at = ?
		WHERE message_id = ? AND state IN (?, ?)`,
		MessageStateDelivered, deliveredAt,
		messageID, MessageStatePending, MessageStateSent,
	)
	if err != nil {
		return false, fmt.Errorf("mark message %q delivered: %w", messageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	return affected > 0, nil
}

// SetMessageRead advances a message to read, stamps the read time, and
// clears its waiting-member list. Already-read and failed rows are left
// alone.
func (s *Store) SetMessageRead(messageID string, readAt int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if readAt == 0 {
		readAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE messages SET state = ?, read_at = ?, waiting_members = '[]'
		WHERE message_id = ? AND state IN (?, ?, ?)`,
		MessageStateRead, readAt,
		messageID, MessageStatePending, MessageStateSent, MessageStateDelivered,
	)
	if err != nil {
		return false, fmt.Errorf("mark message %q read: %w", messageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	return affected > 0, nil
}

// RemoveWaitingMember removes one reader from a message's waiting list and
// returns how many readers remain. When the list empties the message is
// promoted to read. Removing an absent member is a no-op.
func (s *Store) RemoveWaitingMember(messageID, userID string) (int, error) {
	if messageID == "" {
		return 0, errors.New("message_id is required")
	}
	if userID == "" {
		return 0, errors.New("user_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin waiting-member transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var raw, state string
	err = tx.QueryRow(
		`SELECT waiting_members, state FROM messages WHERE message_id = ?`,
		messageID,
	).Scan(&raw, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read waiting members for %q: %w", messageID, err)
	}

	waiting, err := decodeStringList(raw)
	if err != nil {
		return 0, err
	}

	remaining := waiting[:0]
	for _, member := range waiting {
		if member != userID {
			remaining = append(remaining, member)
		}
	}

	encoded, err := encodeStringList(remaining)
	if err != nil {
		return 0, err
	}

	if len(remaining) == 0 && state != MessageStateRead && state != MessageStateFailed {
		_, err = tx.Exec(
			`UPDATE messages SET waiting_members = ?, state = ?, read_at = ?
			WHERE message_id = ?`,
			encoded, MessageStateRead, nowUnixMilli(), messageID,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE messages SET waiting_members = ? WHERE message_id = ?`,
			encoded, messageID,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("update waiting members for %q: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit waiting-member transaction: %w", err)
	}

	return len(remaining), nil
}

// GetFailedMessages returns this sender's failed messages, oldest first.
func (s *Store) GetFailedMessages(senderID string) ([]Message, error) {
	return s.messagesBySenderState(senderID, MessageStateFailed)
}

// GetPendingMessages returns this sender's pending messages, oldest first.
// Used to drain the outbox after a reconnect.
func (s *Store) GetPendingMessages(senderID string) ([]Message, error) {
	return s.messagesBySenderState(senderID, MessageStatePending)
}

func (s *Store) messagesBySenderState(senderID, state string) ([]Message, error) {
	if senderID == "" {
		return nil, errors.New("sender_id is required")
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		WHERE sender_id = ? AND state = ?
		ORDER BY created_at ASC, message_id ASC`,
		senderID, state,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s messages for %q: %w", state, senderID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// MarkMessageUnreadable flags a stored ciphertext that no resolvable key
// could decrypt.
func (s *Store) MarkMessageUnreadable(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET unreadable = 1 WHERE message_id = ?`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("mark message %q unreadable: %w", messageID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		mediaID     sql.NullString
		replyToID   sql.NullString
		waiting     string
		unreadable  int
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
	)

	err := row.Scan(
		&msg.MessageID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Content,
		&mediaID,
		&replyToID,
		&msg.State,
		&waiting,
		&unreadable,
		&msg.CreatedAt,
		&deliveredAt,
		&readAt,
	)
	if err != nil {
		return nil, err
	}

	members, err := decodeStringList(waiting)
	if err != nil {
		return nil, err
	}

	msg.MediaID = stringPtr(mediaID)
	msg.ReplyToID = stringPtr(replyToID)
	msg.WaitingMembers = members
	msg.Unreadable = unreadable != 0
	msg.DeliveredAt = int64Ptr(deliveredAt)
	msg.ReadAt = int64Ptr(readAt)
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
