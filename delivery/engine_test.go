package delivery

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asiochat/storage"
	"asiochat/transport"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := NewEngine(store, "alice", Options{
		BaseRetryDelay: 10 * time.Millisecond,
		MaxAttempts:    3,
	})
	require.NoError(t, err)

	require.NoError(t, store.SaveChat(&storage.Chat{
		ChatID:       "chat-1",
		ChatType:     storage.ChatTypeGroup,
		Participants: []string{"alice", "bob", "carol"},
	}))

	return engine, store
}

// countingSender returns a SendFunc that fails the first n calls.
func countingSender(failFirst int) (SendFunc, *sync.Mutex, *int) {
	var mu sync.Mutex
	calls := 0
	fn := func(evt transport.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= failFirst {
			return transport.ErrUnavailable
		}
		return nil
	}
	return fn, &mu, &calls
}

func testMessage(id string) *storage.Message {
	return &storage.Message{
		MessageID:      id,
		ChatID:         "chat-1",
		SenderID:       "alice",
		Content:        "ciphertext",
		WaitingMembers: []string{"bob", "carol"},
	}
}

func TestSubmitSuccessMarksSent(t *testing.T) {
	engine, store := newTestEngine(t)
	reliable, _, _ := countingSender(0)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateSent, msg.State)

	_, inFlight := engine.TicketFor("m1")
	assert.False(t, inFlight, "terminal ticket must be dropped")

	chat, err := store.GetChatByID("chat-1")
	require.NoError(t, err)
	require.NotNil(t, chat.LastMessageID)
	assert.Equal(t, "m1", *chat.LastMessageID)
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	engine, store := newTestEngine(t)

	reliable, mu, calls := countingSender(1000)
	engine.SetSenders(reliable, nil)

	var failedErr error
	engine.OnFailed(func(messageID string, err error) {
		failedErr = err
	})

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	mu.Lock()
	attempts := *calls
	mu.Unlock()
	// Initial attempt plus three scheduled retries.
	assert.Equal(t, 4, attempts)

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateFailed, msg.State)
	assert.ErrorIs(t, failedErr, ErrRetryExhausted)
}

func TestReceiptDuringFinalAttemptKeepsDelivered(t *testing.T) {
	engine, store := newTestEngine(t)

	// The peer confirms via the push copy while the last reliable attempt
	// is still on the wire; exhaustion must not demote the row.
	var mu sync.Mutex
	calls := 0
	engine.SetSenders(func(evt transport.Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 4 {
			assert.NoError(t, engine.HandleDeliveryReceipt("m1", 1000))
		}
		return transport.ErrUnavailable
	}, nil)

	failedCalled := false
	engine.OnFailed(func(string, error) { failedCalled = true })

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateDelivered, msg.State)
	assert.False(t, failedCalled, "exhaustion after a receipt must not fire the failure callback")
}

func TestRetrySucceedsMidSchedule(t *testing.T) {
	engine, store := newTestEngine(t)

	reliable, _, _ := countingSender(2)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateSent, msg.State)
}

func TestDeliveryReceiptCancelsRetries(t *testing.T) {
	engine, store := newTestEngine(t)

	reliable, mu, calls := countingSender(1000)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.Submit(testMessage("m1")))

	// Let the first attempt fail, then confirm delivery out of band (the
	// push path may have gotten through).
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, engine.HandleDeliveryReceipt("m1", 1000))
	engine.Wait()

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateDelivered, msg.State)

	mu.Lock()
	attempts := *calls
	mu.Unlock()
	assert.Less(t, attempts, 4, "receipt must cancel the remaining schedule")
}

func TestDuplicateDeliveryReceiptIsNoOp(t *testing.T) {
	engine, store := newTestEngine(t)
	reliable, _, _ := countingSender(0)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	require.NoError(t, engine.HandleDeliveryReceipt("m1", 1000))
	require.NoError(t, engine.HandleDeliveryReceipt("m1", 9999))

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateDelivered, msg.State)
	require.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, int64(1000), *msg.DeliveredAt, "first receipt wins")
}

func TestUnknownReceiptIsNoOp(t *testing.T) {
	engine, _ := newTestEngine(t)

	assert.NoError(t, engine.HandleDeliveryReceipt("ghost", 1000))
	assert.NoError(t, engine.HandleReadReceipt("ghost", "bob", 1000))
}

func TestReadReceiptsDrainWaitingMembers(t *testing.T) {
	engine, store := newTestEngine(t)
	reliable, _, _ := countingSender(0)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	require.NoError(t, engine.HandleReadReceipt("m1", "bob", 1000))
	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateSent, msg.State, "one reader left")

	require.NoError(t, engine.HandleReadReceipt("m1", "carol", 2000))
	msg, err = store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateRead, msg.State)

	// A late duplicate changes nothing.
	require.NoError(t, engine.HandleReadReceipt("m1", "bob", 3000))
	msg, err = store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateRead, msg.State)
}

func TestReadReceiptOnPendingRecordsDelivery(t *testing.T) {
	engine, store := newTestEngine(t)

	msg := testMessage("m1")
	msg.WaitingMembers = []string{"bob"}
	require.NoError(t, store.SaveMessage(msg))

	// Receipts can outrun the send acknowledgement; the delivery is
	// recorded before the read transition.
	require.NoError(t, engine.HandleReadReceipt("m1", "bob", 1000))

	stored, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateRead, stored.State)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, int64(1000), *stored.DeliveredAt)
}

func TestResendFailedResetsBudget(t *testing.T) {
	engine, store := newTestEngine(t)

	// Exhaust the message first.
	reliable, _, _ := countingSender(1000)
	engine.SetSenders(reliable, nil)
	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	require.Equal(t, storage.MessageStateFailed, msg.State)

	// Channel recovers; resend goes through with a fresh budget.
	ok, _, _ := countingSender(0)
	engine.SetSenders(ok, nil)
	require.NoError(t, engine.ResendFailed("m1"))
	engine.Wait()

	msg, err = store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateSent, msg.State)
}

func TestResendRejectsTerminalStates(t *testing.T) {
	engine, store := newTestEngine(t)
	reliable, _, _ := countingSender(0)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.Submit(testMessage("m1")))
	engine.Wait()
	_, err := store.SetMessageDelivered("m1", 1000)
	require.NoError(t, err)

	assert.Error(t, engine.ResendFailed("m1"))
}

func TestMarkAllReadInChat(t *testing.T) {
	engine, store := newTestEngine(t)

	var receiptMu sync.Mutex
	var receipts []string
	engine.SetSenders(nil, func(evt transport.Event) error {
		if evt.Type == transport.EventReadReceipt {
			var payload transport.ReceiptPayload
			require.NoError(t, transport.DecodePayload(evt, &payload))
			receiptMu.Lock()
			receipts = append(receipts, payload.MessageID)
			receiptMu.Unlock()
		}
		return nil
	})

	// Inbound unread, inbound already read, and an own message.
	require.NoError(t, store.SaveMessage(&storage.Message{
		MessageID: "in-1", ChatID: "chat-1", SenderID: "bob",
		State: storage.MessageStateDelivered,
	}))
	require.NoError(t, store.SaveMessage(&storage.Message{
		MessageID: "in-2", ChatID: "chat-1", SenderID: "carol",
		State: storage.MessageStateRead,
	}))
	require.NoError(t, store.SaveMessage(&storage.Message{
		MessageID: "own-1", ChatID: "chat-1", SenderID: "alice",
		State: storage.MessageStateSent,
	}))

	ok, err := engine.MarkAllReadInChat("chat-1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	receiptMu.Lock()
	defer receiptMu.Unlock()
	assert.Equal(t, []string{"in-1"}, receipts, "only the unread inbound message gets a receipt")

	msg, err := store.GetMessageByID("own-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateSent, msg.State, "own messages untouched")
}

func TestIngestDedupesAndReceipts(t *testing.T) {
	engine, store := newTestEngine(t)

	var receiptMu sync.Mutex
	receiptCount := 0
	engine.SetSenders(nil, func(evt transport.Event) error {
		if evt.Type == transport.EventDeliveryReceipt {
			receiptMu.Lock()
			receiptCount++
			receiptMu.Unlock()
		}
		return nil
	})

	payload := transport.MessagePayload{
		MessageID: "in-1",
		ChatID:    "chat-1",
		SenderID:  "bob",
		Content:   "ciphertext",
		Timestamp: 1000,
	}
	decrypt := func(ciphertext string, ts int64) ([]byte, error) {
		return []byte("plain"), nil
	}

	msg, err := engine.Ingest(payload, decrypt)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, storage.MessageStateDelivered, msg.State)
	assert.False(t, msg.Unreadable)

	// Same payload again: the push and reliable paths can both land.
	dup, err := engine.Ingest(payload, decrypt)
	require.NoError(t, err)
	assert.Nil(t, dup, "duplicate must be dropped")

	receiptMu.Lock()
	defer receiptMu.Unlock()
	assert.Equal(t, 1, receiptCount)

	chat, err := store.GetChatByID("chat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, chat.UnreadCount)
}

func TestIngestUnreadableStillStores(t *testing.T) {
	engine, store := newTestEngine(t)
	engine.SetSenders(nil, func(transport.Event) error { return nil })

	payload := transport.MessagePayload{
		MessageID: "in-1",
		ChatID:    "chat-1",
		SenderID:  "bob",
		Content:   "ciphertext",
		Timestamp: 1000,
	}
	decrypt := func(string, int64) ([]byte, error) {
		return nil, errors.New("no key")
	}

	msg, err := engine.Ingest(payload, decrypt)
	require.NoError(t, err, "decryption failure must not break the pipeline")
	require.NotNil(t, msg)
	assert.True(t, msg.Unreadable)

	stored, err := store.GetMessageByID("in-1")
	require.NoError(t, err)
	assert.True(t, stored.Unreadable)
	assert.Equal(t, "ciphertext", stored.Content, "ciphertext is preserved")
}

func TestIngestRetransmissionSurvivesSaveFailure(t *testing.T) {
	engine, store := newTestEngine(t)
	engine.SetSenders(nil, func(transport.Event) error { return nil })

	payload := transport.MessagePayload{
		MessageID: "in-1",
		ChatID:    "chat-new",
		SenderID:  "bob",
		Content:   "ciphertext",
		Timestamp: 1000,
	}

	// First arrival cannot persist: the chat row does not exist yet.
	_, err := engine.Ingest(payload, nil)
	require.Error(t, err)

	require.NoError(t, store.SaveChat(&storage.Chat{
		ChatID:       "chat-new",
		ChatType:     storage.ChatTypeGroup,
		Participants: []string{"alice", "bob"},
	}))

	// The sender retries; the failed arrival must not have poisoned the
	// dedupe table.
	msg, err := engine.Ingest(payload, nil)
	require.NoError(t, err)
	require.NotNil(t, msg, "retransmission dropped as duplicate")

	stored, err := store.GetMessageByID("in-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStateDelivered, stored.State)
}

func TestCancelAllStopsRetrySchedules(t *testing.T) {
	engine, store := newTestEngine(t)

	reliable, _, _ := countingSender(1000)
	engine.SetSenders(reliable, nil)
	require.NoError(t, engine.Submit(testMessage("m1")))

	engine.CancelAll()

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after CancelAll")
	}

	msg, err := store.GetMessageByID("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageStatePending, msg.State, "canceled messages stay queued for the next drain")
}

func TestDrainPending(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, store.SaveMessage(testMessage("p1")))
	require.NoError(t, store.SaveMessage(testMessage("p2")))

	reliable, mu, calls := countingSender(0)
	engine.SetSenders(reliable, nil)

	require.NoError(t, engine.DrainPending())
	engine.Wait()

	mu.Lock()
	attempts := *calls
	mu.Unlock()
	assert.Equal(t, 2, attempts)

	for _, id := range []string{"p1", "p2"} {
		msg, err := store.GetMessageByID(id)
		require.NoError(t, err)
		assert.Equal(t, storage.MessageStateSent, msg.State)
	}
}
