package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const userColumns = `user_id, display_name, phone, is_online, last_seen, created_at`

// SaveUser inserts or updates a contact. Presence fields are preserved on
// update; use UpdateUserPresence for those.
func (s *Store) SaveUser(user *User) error {
	if user == nil {
		return errors.New("user is required")
	}
	if user.UserID == "" {
		return errors.New("user_id is required")
	}
	if user.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  display_name = excluded.display_name,
		  phone = excluded.phone`,
		user.UserID,
		user.DisplayName,
		nullString(user.Phone),
		boolToInt(user.IsOnline),
		nullInt64(user.LastSeen),
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", user.UserID, err)
	}

	return nil
}

// GetUserByID returns one contact or ErrNotFound.
func (s *Store) GetUserByID(userID string) (*User, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	row := s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`,
		userID,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}

	return user, nil
}

// ListUsers returns all known contacts ordered by display name.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT ` + userColumns + ` FROM users ORDER BY display_name ASC, user_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	return users, nil
}

// ListOnlineUsers returns contacts currently marked online.
func (s *Store) ListOnlineUsers() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT ` + userColumns + ` FROM users WHERE is_online = 1 ORDER BY display_name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query online users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	return users, nil
}

// UpdateUserPresence records a contact's online flag and last-seen time.
func (s *Store) UpdateUserPresence(userID string, online bool, lastSeen int64) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	if lastSeen == 0 {
		lastSeen = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE users SET is_online = ?, last_seen = ? WHERE user_id = ?`,
		boolToInt(online), lastSeen, userID,
	)
	if err != nil {
		return fmt.Errorf("update presence for %q: %w", userID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user     User
		phone    sql.NullString
		isOnline int
		lastSeen sql.NullInt64
	)

	err := row.Scan(
		&user.UserID,
		&user.DisplayName,
		&phone,
		&isOnline,
		&lastSeen,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.Phone = stringPtr(phone)
	user.IsOnline = isOnline != 0
	user.LastSeen = int64Ptr(lastSeen)
	return &user, nil
}
