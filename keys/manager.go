// Package keys manages the rotating key material used for message
// confidentiality: an RSA keypair per user and an AES key per group chat.
// Every rotation appends a new record; old records stay resolvable so old
// ciphertexts remain readable.
package keys

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"asiochat/crypto"
	"asiochat/storage"
)

var (
	// ErrKeyNotFound indicates no key record covers the requested
	// subject and timestamp.
	ErrKeyNotFound = errors.New("keys: no key for timestamp")
	// ErrDecryptionFailed indicates a resolvable key could not decrypt
	// the payload.
	ErrDecryptionFailed = errors.New("keys: decryption failed")
)

const (
	sealLabelRSA = "asiochat/rsa-private"
	sealLabelAES = "asiochat/chat-key"

	// defaultRotationCheckInterval is how often the background loop
	// re-checks local key expiry. Rotation itself only happens when a
	// validity window lapses.
	defaultRotationCheckInterval = time.Hour
)

// Options tune the manager; zero values fall back to defaults.
type Options struct {
	ValidityPeriod        time.Duration
	RotationCheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ValidityPeriod <= 0 {
		o.ValidityPeriod = 7 * 24 * time.Hour
	}
	if o.RotationCheckInterval <= 0 {
		o.RotationCheckInterval = defaultRotationCheckInterval
	}
	return o
}

// Manager owns key rotation, timestamp-bound resolution, and the hybrid
// encrypt/decrypt paths.
type Manager struct {
	store       *storage.Store
	localUserID string
	opts        Options
	log         *logrus.Entry

	sealRSA []byte
	sealAES []byte

	lockMu       sync.Mutex
	subjectLocks map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*storage.KeyRecord
}

// NewManager derives the at-rest seal keys from the master secret and
// returns a manager bound to the local user.
func NewManager(store *storage.Store, master []byte, localUserID string, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("keys: store is required")
	}
	if localUserID == "" {
		return nil, errors.New("keys: local user id is required")
	}

	sealRSA, err := crypto.DeriveSealKey(master, sealLabelRSA)
	if err != nil {
		return nil, err
	}
	sealAES, err := crypto.DeriveSealKey(master, sealLabelAES)
	if err != nil {
		return nil, err
	}

	return &Manager{
		store:        store,
		localUserID:  localUserID,
		opts:         opts.withDefaults(),
		log:          logrus.WithField("component", "keys"),
		sealRSA:      sealRSA,
		sealAES:      sealAES,
		subjectLocks: make(map[string]*sync.Mutex),
		cache:        make(map[string]*storage.KeyRecord),
	}, nil
}

// ValidityPeriod returns the configured key validity window.
func (m *Manager) ValidityPeriod() time.Duration {
	return m.opts.ValidityPeriod
}

// EnsureCurrentKeyPair returns the user's current RSA key record, rotating
// first if none exists or the newest one has expired. Only the local
// user's keys can be generated here; remote keys arrive via
// ImportUserPublicKey.
func (m *Manager) EnsureCurrentKeyPair(userID string) (*storage.KeyRecord, error) {
	rec, err := m.currentValid(userID, storage.KeyKindRSA)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	if userID != m.localUserID {
		return nil, fmt.Errorf("%w: no published key for user %s", ErrKeyNotFound, userID)
	}

	return m.RotateKeyPair(userID)
}

// RotateKeyPair generates a fresh RSA keypair for the user and appends it
// to the rotation history. Concurrent callers inside one validity window
// converge on a single new record.
func (m *Manager) RotateKeyPair(userID string) (*storage.KeyRecord, error) {
	lock := m.subjectLock(userID + "/rsa")
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have rotated while we waited for the lock.
	if rec, err := m.currentValid(userID, storage.KeyKindRSA); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	pubEncoded, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	privEncoded, err := crypto.EncodePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privSealed, err := crypto.Seal(m.sealRSA, []byte(privEncoded))
	if err != nil {
		return nil, err
	}

	rec := &storage.KeyRecord{
		KeyID:            uuid.NewString(),
		SubjectID:        userID,
		Kind:             storage.KeyKindRSA,
		PublicKey:        &pubEncoded,
		PrivateKeySealed: &privSealed,
		CreatedAt:        time.Now().UnixMilli(),
	}
	if err := m.store.InsertKey(rec); err != nil {
		return nil, err
	}

	m.invalidate(userID, storage.KeyKindRSA)
	m.log.WithFields(logrus.Fields{
		"subject": userID,
		"kind":    storage.KeyKindRSA,
		"key_id":  rec.KeyID,
	}).Info("rotated keypair")

	return rec, nil
}

// EnsureChatKey returns the chat's current AES key record, rotating first
// if none exists or the newest one has expired.
func (m *Manager) EnsureChatKey(chatID string) (*storage.KeyRecord, error) {
	rec, err := m.currentValid(chatID, storage.KeyKindAES)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	return m.RotateChatKey(chatID)
}

// RotateChatKey generates a fresh AES key for the chat under the same
// single-rotation-per-window rule as RotateKeyPair.
func (m *Manager) RotateChatKey(chatID string) (*storage.KeyRecord, error) {
	lock := m.subjectLock(chatID + "/aes")
	lock.Lock()
	defer lock.Unlock()

	if rec, err := m.currentValid(chatID, storage.KeyKindAES); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(m.sealAES, key)
	if err != nil {
		return nil, err
	}

	rec := &storage.KeyRecord{
		KeyID:              uuid.NewString(),
		SubjectID:          chatID,
		Kind:               storage.KeyKindAES,
		SymmetricKeySealed: &sealed,
		CreatedAt:          time.Now().UnixMilli(),
	}
	if err := m.store.InsertKey(rec); err != nil {
		return nil, err
	}

	m.invalidate(chatID, storage.KeyKindAES)
	m.log.WithFields(logrus.Fields{
		"subject": chatID,
		"kind":    storage.KeyKindAES,
		"key_id":  rec.KeyID,
	}).Info("rotated chat key")

	return rec, nil
}

// ImportUserPublicKey records a remote user's published public key so
// outbound private messages can address them.
func (m *Manager) ImportUserPublicKey(userID, publicKey string, createdAt int64) error {
	if userID == "" || publicKey == "" {
		return errors.New("keys: user id and public key are required")
	}
	if _, err := crypto.DecodePublicKey(publicKey); err != nil {
		return fmt.Errorf("import public key for %s: %w", userID, err)
	}
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	rec := &storage.KeyRecord{
		KeyID:     uuid.NewString(),
		SubjectID: userID,
		Kind:      storage.KeyKindRSA,
		PublicKey: &publicKey,
		CreatedAt: createdAt,
	}
	if err := m.store.InsertKey(rec); err != nil {
		return err
	}

	m.invalidate(userID, storage.KeyKindRSA)
	return nil
}

// ResolveKeyForTimestamp returns the subject's key record whose validity
// window covers ts.
func (m *Manager) ResolveKeyForTimestamp(subjectID, kind string, ts int64) (*storage.KeyRecord, error) {
	rec, err := m.store.GetKeyValidAt(subjectID, kind, ts, m.opts.ValidityPeriod.Milliseconds())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: subject %s at %d", ErrKeyNotFound, subjectID, ts)
		}
		return nil, err
	}
	return rec, nil
}

// EncryptForUser encrypts a payload with the recipient's current public
// key. The result is base64 for transit and storage.
func (m *Manager) EncryptForUser(userID string, plaintext []byte) (string, error) {
	rec, err := m.EnsureCurrentKeyPair(userID)
	if err != nil {
		return "", err
	}
	if rec.PublicKey == nil {
		return "", fmt.Errorf("%w: record %s has no public key", ErrKeyNotFound, rec.KeyID)
	}

	pub, err := crypto.DecodePublicKey(*rec.PublicKey)
	if err != nil {
		return "", err
	}
	ciphertext, err := crypto.EncryptRSA(pub, plaintext)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// EncryptForChat encrypts a payload with the chat's current AES key.
func (m *Manager) EncryptForChat(chatID string, plaintext []byte) (string, error) {
	rec, err := m.EnsureChatKey(chatID)
	if err != nil {
		return "", err
	}

	key, err := m.unsealSymmetric(rec)
	if err != nil {
		return "", err
	}
	blob, err := crypto.EncryptSymmetric(key, plaintext)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptWithPrivateKey decrypts an RSA payload addressed to the local
// user, resolving the keypair that was current at the message timestamp.
func (m *Manager) DecryptWithPrivateKey(ciphertext string, ts int64) ([]byte, error) {
	rec, err := m.ResolveKeyForTimestamp(m.localUserID, storage.KeyKindRSA, ts)
	if err != nil {
		return nil, err
	}

	priv, err := m.unsealPrivate(rec)
	if err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := crypto.DecryptRSA(priv, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// DecryptForChat decrypts an AES payload with the chat key that was
// current at the message timestamp.
func (m *Manager) DecryptForChat(chatID, ciphertext string, ts int64) ([]byte, error) {
	rec, err := m.ResolveKeyForTimestamp(chatID, storage.KeyKindAES, ts)
	if err != nil {
		return nil, err
	}

	key, err := m.unsealSymmetric(rec)
	if err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := crypto.DecryptSymmetric(key, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// CurrentPublicKey returns the local user's current encoded public key,
// rotating first if needed. Published to the relay and in discovery
// records.
func (m *Manager) CurrentPublicKey() (string, error) {
	rec, err := m.EnsureCurrentKeyPair(m.localUserID)
	if err != nil {
		return "", err
	}
	if rec.PublicKey == nil {
		return "", fmt.Errorf("%w: record %s has no public key", ErrKeyNotFound, rec.KeyID)
	}
	return *rec.PublicKey, nil
}

// Run periodically re-checks local key expiry and rotates lapsed keys.
// It blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.RotationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.EnsureCurrentKeyPair(m.localUserID); err != nil {
				m.log.WithError(err).Warn("scheduled key rotation check failed")
			}
		}
	}
}

// currentValid returns the subject's newest record if its validity window
// still covers now, ErrKeyNotFound otherwise. Serves reads from the
// per-subject cache.
func (m *Manager) currentValid(subjectID, kind string) (*storage.KeyRecord, error) {
	now := time.Now().UnixMilli()
	validity := m.opts.ValidityPeriod.Milliseconds()

	if rec := m.cached(subjectID, kind); rec != nil && now-rec.CreatedAt < validity {
		return rec, nil
	}

	rec, err := m.store.GetCurrentKey(subjectID, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: subject %s", ErrKeyNotFound, subjectID)
		}
		return nil, err
	}
	if now-rec.CreatedAt >= validity {
		return nil, fmt.Errorf("%w: subject %s key expired", ErrKeyNotFound, subjectID)
	}

	m.cacheMu.Lock()
	m.cache[subjectID+"/"+kind] = rec
	m.cacheMu.Unlock()

	return rec, nil
}

func (m *Manager) cached(subjectID, kind string) *storage.KeyRecord {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache[subjectID+"/"+kind]
}

func (m *Manager) invalidate(subjectID, kind string) {
	m.cacheMu.Lock()
	delete(m.cache, subjectID+"/"+kind)
	m.cacheMu.Unlock()
}

func (m *Manager) subjectLock(key string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock, ok := m.subjectLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.subjectLocks[key] = lock
	}
	return lock
}

func (m *Manager) unsealPrivate(rec *storage.KeyRecord) (*rsa.PrivateKey, error) {
	if rec.PrivateKeySealed == nil {
		return nil, fmt.Errorf("%w: record %s has no private key", ErrDecryptionFailed, rec.KeyID)
	}

	encoded, err := crypto.Open(m.sealRSA, *rec.PrivateKeySealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	priv, err := crypto.DecodePrivateKey(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return priv, nil
}

func (m *Manager) unsealSymmetric(rec *storage.KeyRecord) ([]byte, error) {
	if rec.SymmetricKeySealed == nil {
		return nil, fmt.Errorf("%w: record %s has no symmetric key", ErrDecryptionFailed, rec.KeyID)
	}

	key, err := crypto.Open(m.sealAES, *rec.SymmetricKeySealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return key, nil
}
