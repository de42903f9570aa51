package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const keyColumns = `key_id, subject_id, kind, public_key, private_key_sealed,
symmetric_key_sealed, created_at`

// InsertKey appends a key record to a subject's rotation history. Records
// are never updated or deleted; old keys stay resolvable for old messages.
func (s *Store) InsertKey(rec *KeyRecord) error {
	if rec == nil {
		return errors.New("key record is required")
	}
	if rec.KeyID == "" {
		return errors.New("key_id is required")
	}
	if rec.SubjectID == "" {
		return errors.New("subject_id is required")
	}
	if err := validateKeyKind(rec.Kind); err != nil {
		return err
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO encryption_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.KeyID,
		rec.SubjectID,
		rec.Kind,
		nullString(rec.PublicKey),
		nullString(rec.PrivateKeySealed),
		nullString(rec.SymmetricKeySealed),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert key for subject %q: %w", rec.SubjectID, err)
	}

	return nil
}

// GetKeyValidAt returns the subject's key record whose validity window
// covers the given timestamp: the newest record created at or before ts
// and no older than the validity period. ErrNotFound when no window
// covers ts.
func (s *Store) GetKeyValidAt(subjectID, kind string, ts, validityMillis int64) (*KeyRecord, error) {
	if subjectID == "" {
		return nil, errors.New("subject_id is required")
	}
	if err := validateKeyKind(kind); err != nil {
		return nil, err
	}
	if validityMillis <= 0 {
		return nil, errors.New("validity must be > 0")
	}

	row := s.db.QueryRow(
		`SELECT `+keyColumns+` FROM encryption_keys
		WHERE subject_id = ? AND kind = ? AND created_at <= ? AND created_at > ?
		ORDER BY created_at DESC, key_id DESC
		LIMIT 1`,
		subjectID, kind, ts, ts-validityMillis,
	)
	rec, err := scanKeyRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve key for subject %q at %d: %w", subjectID, ts, err)
	}

	return rec, nil
}

// GetCurrentKey returns the subject's newest key record regardless of
// validity, or ErrNotFound.
func (s *Store) GetCurrentKey(subjectID, kind string) (*KeyRecord, error) {
	if subjectID == "" {
		return nil, errors.New("subject_id is required")
	}
	if err := validateKeyKind(kind); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT `+keyColumns+` FROM encryption_keys
		WHERE subject_id = ? AND kind = ?
		ORDER BY created_at DESC, key_id DESC
		LIMIT 1`,
		subjectID, kind,
	)
	rec, err := scanKeyRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get current key for subject %q: %w", subjectID, err)
	}

	return rec, nil
}

func scanKeyRecord(row rowScanner) (*KeyRecord, error) {
	var (
		rec       KeyRecord
		publicKey sql.NullString
		privSeal  sql.NullString
		symSeal   sql.NullString
	)

	err := row.Scan(
		&rec.KeyID,
		&rec.SubjectID,
		&rec.Kind,
		&publicKey,
		&privSeal,
		&symSeal,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.PublicKey = stringPtr(publicKey)
	rec.PrivateKeySealed = stringPtr(privSeal)
	rec.SymmetricKeySealed = stringPtr(symSeal)
	return &rec, nil
}
