package storage

import "testing"

func TestSeenIDLifecycle(t *testing.T) {
	store := newTestStore(t)

	seen, err := store.HasSeenID("m1")
	if err != nil {
		t.Fatalf("HasSeenID: %v", err)
	}
	if seen {
		t.Fatal("unseen id reported seen")
	}

	if err := store.InsertSeenID("m1", 1_000); err != nil {
		t.Fatalf("InsertSeenID: %v", err)
	}
	// Re-insert upserts the timestamp.
	if err := store.InsertSeenID("m1", 2_000); err != nil {
		t.Fatalf("InsertSeenID (repeat): %v", err)
	}

	seen, err = store.HasSeenID("m1")
	if err != nil {
		t.Fatalf("HasSeenID: %v", err)
	}
	if !seen {
		t.Fatal("seen id reported unseen")
	}

	pruned, err := store.PruneSeenIDs(3_000)
	if err != nil {
		t.Fatalf("PruneSeenIDs: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
}

func TestDeleteSeenIDMakesIDReplayable(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertSeenID("m1", 1_000); err != nil {
		t.Fatalf("InsertSeenID: %v", err)
	}
	if err := store.DeleteSeenID("m1"); err != nil {
		t.Fatalf("DeleteSeenID: %v", err)
	}

	seen, err := store.HasSeenID("m1")
	if err != nil {
		t.Fatalf("HasSeenID: %v", err)
	}
	if seen {
		t.Fatal("deleted id still reported seen")
	}

	// Deleting an absent id is a no-op.
	if err := store.DeleteSeenID("m1"); err != nil {
		t.Fatalf("DeleteSeenID (absent): %v", err)
	}
}
