package connection

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asiochat/delivery"
	"asiochat/health"
	"asiochat/keys"
	"asiochat/storage"
	"asiochat/transport"
	"asiochat/transport/direct"
	"asiochat/transport/relay"
)

// newTestManager builds a manager around a temp store with both clients
// pointed at unreachable endpoints. No mode is started unless the test
// asks for one.
func newTestManager(t *testing.T) *Manager {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	master := bytes.Repeat([]byte{7}, 32)
	keyMgr, err := keys.NewManager(store, master, "alice", keys.Options{})
	require.NoError(t, err)

	engine, err := delivery.NewEngine(store, "alice", delivery.Options{
		BaseRetryDelay: 5 * time.Millisecond,
		MaxAttempts:    1,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Wait)

	monitor, err := health.NewMonitor(
		func(ctx context.Context) error { return transport.ErrUnavailable },
		health.Options{ProbeInterval: 50 * time.Millisecond, ProbeTimeout: 20 * time.Millisecond},
	)
	require.NoError(t, err)
	t.Cleanup(monitor.Stop)

	directClient, err := direct.NewClient(direct.Options{UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)

	// Port 1 is never listening; relay-mode tests exercise the offline
	// paths.
	relayClient, err := relay.NewClient(relay.Options{Addr: "127.0.0.1:1", UserID: "alice"})
	require.NoError(t, err)

	m, err := NewManager(Deps{
		Store:       store,
		Keys:        keyMgr,
		Engine:      engine,
		Monitor:     monitor,
		Direct:      directClient,
		Relay:       relayClient,
		LocalUserID: "alice",
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func importPeerKey(t *testing.T, m *Manager, userID string) {
	t.Helper()

	rec, err := m.keys.RotateKeyPair("alice")
	require.NoError(t, err)
	// Reuse the local public key material as the peer's published key;
	// the manager only needs a valid encodable RSA key on file.
	require.NotNil(t, rec.PublicKey)
	require.NoError(t, m.keys.ImportUserPublicKey(userID, *rec.PublicKey, time.Now().UnixMilli()))
}

func TestPrivateChatIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "alice-bob", PrivateChatID("alice", "bob"))
	assert.Equal(t, "alice-bob", PrivateChatID("bob", "alice"))
}

func TestCreatePrivateChatIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreatePrivateChat(ctx, "bob")
	require.NoError(t, err)
	second, err := m.CreatePrivateChat(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, "alice-bob", first.ChatID)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, storage.ChatTypePrivate, first.ChatType)
	assert.Equal(t, []string{"alice", "bob"}, first.Participants)
}

func TestCreatePrivateChatRejectsSelf(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreatePrivateChat(context.Background(), "alice")
	assert.Error(t, err)
}

func TestCreateGroupChatProvisionsKey(t *testing.T) {
	m := newTestManager(t)

	chat, err := m.CreateGroupChat(context.Background(), "climbing", []string{"bob", "carol"})
	require.NoError(t, err)

	assert.Equal(t, storage.ChatTypeGroup, chat.ChatType)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, chat.Participants)

	rec, err := m.keys.ResolveKeyForTimestamp(chat.ChatID, storage.KeyKindAES, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, chat.ChatID, rec.SubjectID)
}

func TestGroupMutationRejectedWhileOffline(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chat, err := m.CreateGroupChat(ctx, "climbing", []string{"bob"})
	require.NoError(t, err)

	require.NoError(t, m.SetMode(ctx, ModeRelay))
	require.False(t, m.IsOnline())

	err = m.AddMemberToGroup(ctx, chat.ChatID, "carol")
	assert.ErrorIs(t, err, ErrOfflineOperationRejected)
	err = m.RemoveMemberFromGroup(ctx, chat.ChatID, "bob")
	assert.ErrorIs(t, err, ErrOfflineOperationRejected)
	err = m.RenameGroup(ctx, chat.ChatID, "hiking")
	assert.ErrorIs(t, err, ErrOfflineOperationRejected)

	// Nothing was applied locally.
	stored, err := m.GetChatByID(chat.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "climbing", stored.Name)
	assert.ElementsMatch(t, []string{"alice", "bob"}, stored.Participants)
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	m := newTestManager(t)

	err := m.SetMode(context.Background(), Mode("CARRIER_PIGEON"))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestSetModeSameModeIsNoop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetMode(ctx, ModeRelay))
	require.NoError(t, m.SetMode(ctx, ModeRelay))
	assert.Equal(t, ModeRelay, m.Mode())
}

func TestGroupMessageRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chat, err := m.CreateGroupChat(ctx, "climbing", []string{"bob", "carol"})
	require.NoError(t, err)

	msg, err := m.SendMessage(ctx, chat.ChatID, "meet at the wall at six")
	require.NoError(t, err)
	assert.NotEqual(t, "meet at the wall at six", msg.Content)
	assert.ElementsMatch(t, []string{"bob", "carol"}, msg.WaitingMembers)

	stored, err := m.store.GetMessageByID(msg.MessageID)
	require.NoError(t, err)
	plaintext, err := m.DecryptMessage(stored)
	require.NoError(t, err)
	assert.Equal(t, "meet at the wall at six", plaintext)
}

func TestSendPrivateMessageEncryptsForPeer(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chat, err := m.CreatePrivateChat(ctx, "bob")
	require.NoError(t, err)
	importPeerKey(t, m, "bob")

	msg, err := m.SendMessage(ctx, chat.ChatID, "hello bob")
	require.NoError(t, err)
	assert.NotEqual(t, "hello bob", msg.Content)
	assert.Equal(t, []string{"bob"}, msg.WaitingMembers)
}

func TestIngestCreatesPrivateChatOnFirstContact(t *testing.T) {
	m := newTestManager(t)

	var received []storage.Message
	m.OnMessage(func(msg storage.Message) { received = append(received, msg) })

	// Bob encrypts to alice's published key; locally that is the same
	// key EncryptForUser resolves for "alice".
	_, err := m.keys.EnsureCurrentKeyPair("alice")
	require.NoError(t, err)
	ciphertext, err := m.keys.EncryptForUser("alice", []byte("hi from bob"))
	require.NoError(t, err)

	payload := transport.MessagePayload{
		MessageID:      "msg-1",
		ChatID:         PrivateChatID("alice", "bob"),
		SenderID:       "bob",
		Content:        ciphertext,
		WaitingMembers: []string{"alice"},
		Timestamp:      time.Now().UnixMilli(),
	}
	msg, err := m.ingestPayload(payload)
	require.NoError(t, err)
	require.NotNil(t, msg)

	chat, err := m.GetChatByID(payload.ChatID)
	require.NoError(t, err)
	assert.Equal(t, storage.ChatTypePrivate, chat.ChatType)
	assert.Equal(t, []string{"alice", "bob"}, chat.Participants)
	assert.Equal(t, 1, chat.UnreadCount)

	assert.Equal(t, storage.MessageStateDelivered, msg.State)
	assert.False(t, msg.Unreadable)
	plaintext, err := m.DecryptMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "hi from bob", plaintext)

	require.Len(t, received, 1)
	assert.Equal(t, "msg-1", received[0].MessageID)

	// Replay of the same payload is a silent duplicate.
	dup, err := m.ingestPayload(payload)
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.Len(t, received, 1)
}

func TestIngestUnknownGroupBuildsMembershipFromPayload(t *testing.T) {
	m := newTestManager(t)

	payload := transport.MessagePayload{
		MessageID:      "msg-2",
		ChatID:         "group-42",
		SenderID:       "bob",
		Content:        "opaque",
		WaitingMembers: []string{"alice", "carol"},
		Timestamp:      time.Now().UnixMilli(),
	}
	msg, err := m.ingestPayload(payload)
	require.NoError(t, err)
	require.NotNil(t, msg)

	chat, err := m.GetChatByID("group-42")
	require.NoError(t, err)
	assert.Equal(t, storage.ChatTypeGroup, chat.ChatType)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, chat.Participants)

	// No resolvable key for the group: stored, but unreadable.
	assert.True(t, msg.Unreadable)
}

func TestApplyChatUpdateMutatesLocalChat(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chat, err := m.CreateGroupChat(ctx, "climbing", []string{"bob"})
	require.NoError(t, err)

	require.NoError(t, m.applyChatUpdate(transport.ChatUpdatePayload{
		ChatID: chat.ChatID,
		Action: transport.ChatActionMemberAdded,
		UserID: "carol",
	}))
	require.NoError(t, m.applyChatUpdate(transport.ChatUpdatePayload{
		ChatID: chat.ChatID,
		Action: transport.ChatActionRenamed,
		Name:   "bouldering",
	}))

	stored, err := m.GetChatByID(chat.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "bouldering", stored.Name)
	assert.Contains(t, stored.Participants, "carol")

	// Updates for chats this client never heard of are dropped.
	assert.NoError(t, m.applyChatUpdate(transport.ChatUpdatePayload{
		ChatID: "nope",
		Action: transport.ChatActionRenamed,
		Name:   "x",
	}))
}

func TestMarkMessageAsReadSkipsOwnMessages(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chat, err := m.CreateGroupChat(ctx, "climbing", []string{"bob"})
	require.NoError(t, err)
	msg, err := m.SendMessage(ctx, chat.ChatID, "hi")
	require.NoError(t, err)

	require.NoError(t, m.MarkMessageAsRead(msg.MessageID))
	stored, err := m.store.GetMessageByID(msg.MessageID)
	require.NoError(t, err)
	assert.NotEqual(t, storage.MessageStateRead, stored.State)
}
