package storage

import (
	"errors"
	"testing"
)

const testValidity = int64(7 * 24 * 60 * 60 * 1000)

func insertTestKey(t *testing.T, store *Store, keyID, subject string, createdAt int64) {
	t.Helper()

	pub := "pub-" + keyID
	priv := "sealed-" + keyID
	err := store.InsertKey(&KeyRecord{
		KeyID:            keyID,
		SubjectID:        subject,
		Kind:             KeyKindRSA,
		PublicKey:        &pub,
		PrivateKeySealed: &priv,
		CreatedAt:        createdAt,
	})
	if err != nil {
		t.Fatalf("InsertKey %q: %v", keyID, err)
	}
}

func TestGetKeyValidAtPicksNewestCovering(t *testing.T) {
	store := newTestStore(t)

	insertTestKey(t, store, "k1", "alice", 1_000)
	insertTestKey(t, store, "k2", "alice", 5_000)
	insertTestKey(t, store, "k3", "alice", 9_000)

	// A timestamp between k2 and k3 resolves to k2, not k1 or k3.
	got, err := store.GetKeyValidAt("alice", KeyKindRSA, 7_000, testValidity)
	if err != nil {
		t.Fatalf("GetKeyValidAt: %v", err)
	}
	if got.KeyID != "k2" {
		t.Fatalf("key_id = %q, want k2", got.KeyID)
	}

	got, err = store.GetKeyValidAt("alice", KeyKindRSA, 9_000, testValidity)
	if err != nil {
		t.Fatalf("GetKeyValidAt: %v", err)
	}
	if got.KeyID != "k3" {
		t.Fatalf("key_id = %q, want k3", got.KeyID)
	}
}

func TestGetKeyValidAtRespectsExpiry(t *testing.T) {
	store := newTestStore(t)

	insertTestKey(t, store, "k1", "alice", 1_000)

	// Inside the window.
	if _, err := store.GetKeyValidAt("alice", KeyKindRSA, 1_000+testValidity-1, testValidity); err != nil {
		t.Fatalf("GetKeyValidAt inside window: %v", err)
	}

	// Past the window.
	if _, err := store.GetKeyValidAt("alice", KeyKindRSA, 1_000+testValidity+1, testValidity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound past expiry", err)
	}

	// Before the key existed.
	if _, err := store.GetKeyValidAt("alice", KeyKindRSA, 500, testValidity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before creation", err)
	}
}

func TestGetCurrentKey(t *testing.T) {
	store := newTestStore(t)

	insertTestKey(t, store, "k1", "alice", 1_000)
	insertTestKey(t, store, "k2", "alice", 2_000)

	got, err := store.GetCurrentKey("alice", KeyKindRSA)
	if err != nil {
		t.Fatalf("GetCurrentKey: %v", err)
	}
	if got.KeyID != "k2" {
		t.Fatalf("key_id = %q, want k2", got.KeyID)
	}

	if _, err := store.GetCurrentKey("bob", KeyKindRSA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
