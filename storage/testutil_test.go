package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func seedChat(t *testing.T, store *Store, chatID string, participants ...string) {
	t.Helper()

	err := store.SaveChat(&Chat{
		ChatID:       chatID,
		ChatType:     ChatTypeGroup,
		Name:         chatID,
		Participants: participants,
	})
	if err != nil {
		t.Fatalf("SaveChat %q: %v", chatID, err)
	}
}

func seedMessage(t *testing.T, store *Store, msg *Message) {
	t.Helper()

	if err := store.SaveMessage(msg); err != nil {
		t.Fatalf("SaveMessage %q: %v", msg.MessageID, err)
	}
}
