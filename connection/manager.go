package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"asiochat/delivery"
	"asiochat/health"
	"asiochat/keys"
	"asiochat/storage"
	"asiochat/transport"
	"asiochat/transport/direct"
	"asiochat/transport/relay"
)

// Deps collects everything the manager coordinates. All fields except
// Logger are required.
type Deps struct {
	Store   *storage.Store
	Keys    *keys.Manager
	Engine  *delivery.Engine
	Monitor *health.Monitor
	Direct  *direct.Client
	Relay   *relay.Client

	LocalUserID string
	DisplayName string

	Logger *logrus.Logger
}

// Manager owns the active transport state and routes every chat,
// message, media, and user operation through it. Switching modes tears
// the old transport down, swaps the delivery senders and health probe,
// and starts the new one.
type Manager struct {
	store   *storage.Store
	keys    *keys.Manager
	engine  *delivery.Engine
	monitor *health.Monitor
	direct  *direct.Client
	relay   *relay.Client
	log     *logrus.Entry

	localUserID string
	displayName string

	mu    sync.Mutex
	state modeState

	statusMu     sync.Mutex
	lastOpFailed bool

	observerMu sync.Mutex
	onMessage  []func(storage.Message)
	onOnline   []func(online bool)
}

// NewManager wires the manager into its transports, delivery engine,
// and health monitor. No transport is started until SetMode.
func NewManager(deps Deps) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("connection: store is required")
	case deps.Keys == nil:
		return nil, errors.New("connection: key manager is required")
	case deps.Engine == nil:
		return nil, errors.New("connection: delivery engine is required")
	case deps.Monitor == nil:
		return nil, errors.New("connection: health monitor is required")
	case deps.Direct == nil:
		return nil, errors.New("connection: direct client is required")
	case deps.Relay == nil:
		return nil, errors.New("connection: relay client is required")
	case deps.LocalUserID == "":
		return nil, errors.New("connection: local user id is required")
	}

	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	m := &Manager{
		store:       deps.Store,
		keys:        deps.Keys,
		engine:      deps.Engine,
		monitor:     deps.Monitor,
		direct:      deps.Direct,
		relay:       deps.Relay,
		log:         log.WithField("component", "connection"),
		localUserID: deps.LocalUserID,
		displayName: deps.DisplayName,
	}

	// Both clients feed the same handler; only the active one is
	// connected at a time.
	deps.Direct.AddListener(m.handleEvent)
	deps.Relay.AddListener(m.handleEvent)
	deps.Monitor.OnChange(m.handleReachability)

	return m, nil
}

// Mode returns the active mode, or empty before the first SetMode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.mode()
}

// SetMode switches the active transport. Switching to the current mode
// is a no-op.
func (m *Manager) SetMode(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil && m.state.mode() == mode {
		return nil
	}

	var next modeState
	switch mode {
	case ModeDirect:
		next = newDirectState(m)
	case ModeRelay:
		next = newRelayState(m)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	if m.state != nil {
		if err := m.state.stop(); err != nil {
			m.log.WithError(err).Warn("stop previous transport")
		}
	}

	if err := next.start(ctx); err != nil {
		m.state = nil
		return fmt.Errorf("switch to %s mode: %w", mode, err)
	}

	m.state = next
	m.setOpFailed(false)
	m.monitor.Start()
	m.log.WithField("mode", mode).Info("transport mode active")
	return nil
}

// Shutdown stops the active transport, the health monitor, and waits for
// in-flight delivery work.
func (m *Manager) Shutdown() error {
	m.monitor.Stop()

	m.mu.Lock()
	state := m.state
	m.state = nil
	m.mu.Unlock()

	var err error
	if state != nil {
		err = state.stop()
	}
	m.engine.CancelAll()
	m.engine.Wait()
	return err
}

// IsOnline reports whether the active transport is usable: the probe
// must pass and the most recent transport operation must not have
// failed.
func (m *Manager) IsOnline() bool {
	m.statusMu.Lock()
	failed := m.lastOpFailed
	m.statusMu.Unlock()
	return m.monitor.IsReachable() && !failed
}

// OnMessage registers an observer for every newly ingested message.
func (m *Manager) OnMessage(fn func(storage.Message)) {
	m.observerMu.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.observerMu.Unlock()
}

// OnOnlineChange registers an observer for online status edges.
func (m *Manager) OnOnlineChange(fn func(online bool)) {
	m.observerMu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.observerMu.Unlock()
}

// currentState returns the active state or an error before SetMode.
func (m *Manager) currentState() (modeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, errors.New("connection: no active mode")
	}
	return m.state, nil
}

func (m *Manager) setOpFailed(failed bool) {
	m.statusMu.Lock()
	m.lastOpFailed = failed
	m.statusMu.Unlock()
}

// trackOp records transport operation outcomes so IsOnline can go false
// before the next probe tick.
func (m *Manager) trackOp(err error) {
	if err == nil {
		m.setOpFailed(false)
		return
	}
	if errors.Is(err, transport.ErrUnavailable) || errors.Is(err, ErrOfflineOperationRejected) {
		m.setOpFailed(true)
	}
}

// PrivateChatID derives the deterministic chat id both sides compute for
// a private conversation.
func PrivateChatID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// CreatePrivateChat opens (or returns) the private chat with another
// user. Both sides derive the same chat id, so the create is idempotent
// and concurrent creates converge.
func (m *Manager) CreatePrivateChat(ctx context.Context, otherUserID string) (*storage.Chat, error) {
	if otherUserID == "" || otherUserID == m.localUserID {
		return nil, fmt.Errorf("invalid private chat peer %q", otherUserID)
	}

	chatID := PrivateChatID(m.localUserID, otherUserID)
	chat := &storage.Chat{
		ChatID:       chatID,
		ChatType:     storage.ChatTypePrivate,
		Participants: []string{m.localUserID, otherUserID},
	}
	if err := m.store.SaveChat(chat); err != nil {
		return nil, fmt.Errorf("create private chat: %w", err)
	}

	if _, err := m.keys.EnsureCurrentKeyPair(m.localUserID); err != nil {
		return nil, fmt.Errorf("ensure local key pair: %w", err)
	}
	if err := m.ImportUserKey(ctx, otherUserID); err != nil {
		// The peer's key may arrive later; sending fails cleanly until
		// it does.
		m.log.WithError(err).WithField("user", otherUserID).Debug("peer key not yet available")
	}

	state, err := m.currentState()
	if err == nil {
		if err := state.registerChat(ctx, chat); err != nil {
			m.trackOp(err)
			m.log.WithError(err).WithField("chat", chatID).Warn("register chat")
		}
	}

	return m.store.GetChatByID(chatID)
}

// CreateGroupChat creates a named group including the local user and
// provisions its symmetric key.
func (m *Manager) CreateGroupChat(ctx context.Context, name string, participants []string) (*storage.Chat, error) {
	members := make([]string, 0, len(participants)+1)
	members = append(members, m.localUserID)
	for _, p := range participants {
		if p != "" && p != m.localUserID {
			members = append(members, p)
		}
	}

	chat := &storage.Chat{
		ChatID:       uuid.NewString(),
		ChatType:     storage.ChatTypeGroup,
		Name:         name,
		Participants: members,
	}
	if err := m.store.SaveChat(chat); err != nil {
		return nil, fmt.Errorf("create group chat: %w", err)
	}
	if _, err := m.keys.EnsureChatKey(chat.ChatID); err != nil {
		return nil, fmt.Errorf("provision group key: %w", err)
	}

	state, err := m.currentState()
	if err == nil {
		if err := state.registerChat(ctx, chat); err != nil {
			m.trackOp(err)
			m.log.WithError(err).WithField("chat", chat.ChatID).Warn("register chat")
		}
	}

	return m.store.GetChatByID(chat.ChatID)
}

// RenameGroup renames a group chat through the active mode's authority.
func (m *Manager) RenameGroup(ctx context.Context, chatID, name string) error {
	chat, state, err := m.groupAndState(chatID)
	if err != nil {
		return err
	}

	if err := state.renameGroup(ctx, chat.ChatID, name); err != nil {
		m.trackOp(err)
		return fmt.Errorf("rename group %s: %w", chatID, err)
	}
	return m.store.UpdateChatName(chatID, name)
}

// AddMemberToGroup adds a user to a group chat and rotates the chat key
// so the newcomer cannot read history from before joining.
func (m *Manager) AddMemberToGroup(ctx context.Context, chatID, userID string) error {
	chat, state, err := m.groupAndState(chatID)
	if err != nil {
		return err
	}

	if err := state.addMember(ctx, chat.ChatID, userID); err != nil {
		m.trackOp(err)
		return fmt.Errorf("add member to %s: %w", chatID, err)
	}
	if err := m.store.AddParticipant(chatID, userID); err != nil {
		return err
	}
	if _, err := m.keys.RotateChatKey(chatID); err != nil {
		return fmt.Errorf("rotate group key after join: %w", err)
	}
	return nil
}

// RemoveMemberFromGroup removes a user and rotates the chat key so the
// departed member cannot read future messages.
func (m *Manager) RemoveMemberFromGroup(ctx context.Context, chatID, userID string) error {
	chat, state, err := m.groupAndState(chatID)
	if err != nil {
		return err
	}

	if err := state.removeMember(ctx, chat.ChatID, userID); err != nil {
		m.trackOp(err)
		return fmt.Errorf("remove member from %s: %w", chatID, err)
	}
	if err := m.store.RemoveParticipant(chatID, userID); err != nil {
		return err
	}
	if _, err := m.keys.RotateChatKey(chatID); err != nil {
		return fmt.Errorf("rotate group key after leave: %w", err)
	}
	return nil
}

func (m *Manager) groupAndState(chatID string) (*storage.Chat, modeState, error) {
	chat, err := m.store.GetChatByID(chatID)
	if err != nil {
		return nil, nil, err
	}
	if chat.ChatType != storage.ChatTypeGroup {
		return nil, nil, fmt.Errorf("chat %s is not a group", chatID)
	}
	state, err := m.currentState()
	if err != nil {
		return nil, nil, err
	}
	return chat, state, nil
}

// SendMessage encrypts content for the chat's current key era and hands
// the message to the delivery engine. The returned message is in pending
// state; observers see the transitions.
func (m *Manager) SendMessage(ctx context.Context, chatID, content string) (*storage.Message, error) {
	return m.sendMessage(ctx, chatID, content, nil, nil)
}

// SendReply sends a message referencing an earlier one.
func (m *Manager) SendReply(ctx context.Context, chatID, content, replyToID string) (*storage.Message, error) {
	return m.sendMessage(ctx, chatID, content, nil, &replyToID)
}

func (m *Manager) sendMessage(ctx context.Context, chatID, content string, mediaID, replyToID *string) (*storage.Message, error) {
	chat, err := m.store.GetChatByID(chatID)
	if err != nil {
		return nil, err
	}

	ciphertext, err := m.encryptForChat(chat, []byte(content))
	if err != nil {
		return nil, err
	}

	waiting := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		if p != m.localUserID {
			waiting = append(waiting, p)
		}
	}

	msg := &storage.Message{
		MessageID:      uuid.NewString(),
		ChatID:         chatID,
		SenderID:       m.localUserID,
		Content:        ciphertext,
		MediaID:        mediaID,
		ReplyToID:      replyToID,
		WaitingMembers: waiting,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := m.engine.Submit(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Manager) encryptForChat(chat *storage.Chat, plaintext []byte) (string, error) {
	if chat.ChatType == storage.ChatTypeGroup {
		ciphertext, err := m.keys.EncryptForChat(chat.ChatID, plaintext)
		if err != nil {
			return "", fmt.Errorf("encrypt for group %s: %w", chat.ChatID, err)
		}
		return ciphertext, nil
	}

	recipient := ""
	for _, p := range chat.Participants {
		if p != m.localUserID {
			recipient = p
			break
		}
	}
	if recipient == "" {
		return "", fmt.Errorf("chat %s has no remote participant", chat.ChatID)
	}

	ciphertext, err := m.keys.EncryptForUser(recipient, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", recipient, err)
	}
	return ciphertext, nil
}

// DecryptMessage recovers the plaintext of a stored message using the
// key era its timestamp falls into.
func (m *Manager) DecryptMessage(msg *storage.Message) (string, error) {
	if msg.Unreadable {
		return "", keys.ErrDecryptionFailed
	}

	chat, err := m.store.GetChatByID(msg.ChatID)
	if err != nil {
		return "", err
	}

	var plaintext []byte
	if chat.ChatType == storage.ChatTypeGroup {
		plaintext, err = m.keys.DecryptForChat(msg.ChatID, msg.Content, msg.CreatedAt)
	} else if msg.SenderID == m.localUserID {
		// Own private messages were encrypted to the peer's public key
		// and cannot be recovered locally.
		return "", keys.ErrDecryptionFailed
	} else {
		plaintext, err = m.keys.DecryptWithPrivateKey(msg.Content, msg.CreatedAt)
	}
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SendPendingMessages re-dispatches every locally queued message.
func (m *Manager) SendPendingMessages() error {
	return m.engine.DrainPending()
}

// ResendFailedMessage gives a failed message a fresh retry budget.
func (m *Manager) ResendFailedMessage(messageID string) error {
	return m.engine.ResendFailed(messageID)
}

// MarkMessageAsRead marks a received message read and emits the read
// receipt to its sender.
func (m *Manager) MarkMessageAsRead(messageID string) error {
	msg, err := m.store.GetMessageByID(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == m.localUserID || msg.State == storage.MessageStateRead {
		return nil
	}

	if _, err := m.store.SetMessageRead(messageID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := m.engine.EmitReceipt(transport.EventReadReceipt, messageID, msg.ChatID); err != nil {
		m.log.WithError(err).WithField("message", messageID).Warn("emit read receipt")
	}
	return nil
}

// MarkAllReadInChat marks every received message in a chat read and
// reports whether all receipts went out.
func (m *Manager) MarkAllReadInChat(chatID string) (bool, error) {
	return m.engine.MarkAllReadInChat(chatID, m.localUserID)
}

// GetMessagesForChat returns a chat's messages in timeline order.
func (m *Manager) GetMessagesForChat(chatID string) ([]storage.Message, error) {
	return m.store.GetMessagesForChat(chatID)
}

// GetChatsForUser returns the local user's chats.
func (m *Manager) GetChatsForUser() ([]storage.Chat, error) {
	return m.store.GetChatsForUser(m.localUserID)
}

// GetChatByID returns one chat.
func (m *Manager) GetChatByID(chatID string) (*storage.Chat, error) {
	return m.store.GetChatByID(chatID)
}

// FetchOfflineMessages drains the server-side offline queue and ingests
// each message as if it had arrived live.
func (m *Manager) FetchOfflineMessages(ctx context.Context) (int, error) {
	state, err := m.currentState()
	if err != nil {
		return 0, err
	}

	payloads, err := state.fetchOfflineMessages(ctx)
	if err != nil {
		m.trackOp(err)
		return 0, fmt.Errorf("fetch offline messages: %w", err)
	}

	ingested := 0
	for _, payload := range payloads {
		msg, err := m.ingestPayload(payload)
		if err != nil {
			m.log.WithError(err).WithField("message", payload.MessageID).Warn("ingest offline message")
			continue
		}
		if msg != nil {
			ingested++
		}
	}
	return ingested, nil
}

// SendMediaMessage uploads a media reference through the active mode and
// sends a message pointing at it.
func (m *Manager) SendMediaMessage(ctx context.Context, chatID, caption string, media relay.MediaDTO) (*storage.Message, error) {
	state, err := m.currentState()
	if err != nil {
		return nil, err
	}

	uploaded, err := state.uploadMedia(ctx, media)
	if err != nil {
		m.trackOp(err)
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return m.sendMessage(ctx, chatID, caption, &uploaded.MediaID, nil)
}

// GetMediaMessage resolves a media reference by id.
func (m *Manager) GetMediaMessage(ctx context.Context, mediaID string) (*relay.MediaDTO, error) {
	state, err := m.currentState()
	if err != nil {
		return nil, err
	}

	media, err := state.getMedia(ctx, mediaID)
	if err != nil {
		m.trackOp(err)
		return nil, err
	}
	return media, nil
}

// RegisterLocalUser stores the local profile and mirrors it to the
// active mode's authority.
func (m *Manager) RegisterLocalUser(ctx context.Context) error {
	user := &storage.User{
		UserID:      m.localUserID,
		DisplayName: m.displayName,
	}
	if err := m.store.SaveUser(user); err != nil {
		return err
	}

	state, err := m.currentState()
	if err != nil {
		return nil
	}
	if err := state.registerUser(ctx, user); err != nil {
		m.trackOp(err)
		return fmt.Errorf("register user: %w", err)
	}
	return nil
}

// UpdateUser updates a user profile locally and mirrors the change to
// the active mode's authority.
func (m *Manager) UpdateUser(ctx context.Context, user *storage.User) error {
	if err := m.store.SaveUser(user); err != nil {
		return err
	}

	state, err := m.currentState()
	if err != nil {
		return nil
	}
	if err := state.updateUser(ctx, user); err != nil {
		m.trackOp(err)
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// GetUserByID returns a locally known user.
func (m *Manager) GetUserByID(userID string) (*storage.User, error) {
	return m.store.GetUserByID(userID)
}

// ListUsers returns every locally known contact.
func (m *Manager) ListUsers() ([]storage.User, error) {
	return m.store.ListUsers()
}

// GetOnlineUsers returns the locally cached view of who is online; see
// RefreshOnlineUsers for syncing it with the active mode.
func (m *Manager) GetOnlineUsers() ([]storage.User, error) {
	return m.store.ListOnlineUsers()
}

// RefreshOnlineUsers asks the active mode who is reachable and syncs the
// local contact table.
func (m *Manager) RefreshOnlineUsers(ctx context.Context) ([]storage.User, error) {
	state, err := m.currentState()
	if err != nil {
		return nil, err
	}

	users, err := state.onlineUsers(ctx)
	if err != nil {
		m.trackOp(err)
		return nil, fmt.Errorf("refresh online users: %w", err)
	}
	m.trackOp(nil)

	for i := range users {
		if err := m.store.SaveUser(&users[i]); err != nil {
			return nil, err
		}
		lastSeen := time.Now().UnixMilli()
		if users[i].LastSeen != nil {
			lastSeen = *users[i].LastSeen
		}
		if err := m.store.UpdateUserPresence(users[i].UserID, users[i].IsOnline, lastSeen); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// ImportUserKey fetches and stores a remote user's published public key.
func (m *Manager) ImportUserKey(ctx context.Context, userID string) error {
	state, err := m.currentState()
	if err != nil {
		return err
	}

	key, err := state.lookupPublicKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup key for %s: %w", userID, err)
	}
	return m.keys.ImportUserPublicKey(key.UserID, key.PublicKey, key.CreatedAt)
}

// publishLocalKey ensures the local key pair exists and announces its
// public half through the given state. The state is passed explicitly
// because this runs during start, before the state is installed.
func (m *Manager) publishLocalKey(ctx context.Context, state modeState) error {
	rec, err := m.keys.EnsureCurrentKeyPair(m.localUserID)
	if err != nil {
		return err
	}

	publicKey, err := m.keys.CurrentPublicKey()
	if err != nil {
		return err
	}
	return state.publishPublicKey(ctx, publicKey, rec.CreatedAt)
}

// handleEvent is the single entry point for events from either
// transport.
func (m *Manager) handleEvent(evt transport.Event) {
	switch evt.Type {
	case transport.EventMessage:
		var payload transport.MessagePayload
		if err := transport.DecodePayload(evt, &payload); err != nil {
			m.log.WithError(err).Warn("decode message event")
			return
		}
		if _, err := m.ingestPayload(payload); err != nil {
			m.log.WithError(err).WithField("message", payload.MessageID).Warn("ingest message")
		}

	case transport.EventDeliveryReceipt:
		var payload transport.ReceiptPayload
		if err := transport.DecodePayload(evt, &payload); err != nil {
			m.log.WithError(err).Warn("decode delivery receipt")
			return
		}
		if err := m.engine.HandleDeliveryReceipt(payload.MessageID, payload.Timestamp); err != nil {
			m.log.WithError(err).WithField("message", payload.MessageID).Warn("apply delivery receipt")
		}

	case transport.EventReadReceipt:
		var payload transport.ReceiptPayload
		if err := transport.DecodePayload(evt, &payload); err != nil {
			m.log.WithError(err).Warn("decode read receipt")
			return
		}
		if err := m.engine.HandleReadReceipt(payload.MessageID, payload.UserID, payload.Timestamp); err != nil {
			m.log.WithError(err).WithField("message", payload.MessageID).Warn("apply read receipt")
		}

	case transport.EventUserPresence:
		var payload transport.PresencePayload
		if err := transport.DecodePayload(evt, &payload); err != nil {
			m.log.WithError(err).Warn("decode presence event")
			return
		}
		ts := payload.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		if err := m.store.UpdateUserPresence(payload.UserID, payload.Online, ts); err != nil {
			m.log.WithError(err).WithField("user", payload.UserID).Warn("update presence")
		}

	case transport.EventChatUpdate:
		var payload transport.ChatUpdatePayload
		if err := transport.DecodePayload(evt, &payload); err != nil {
			m.log.WithError(err).Warn("decode chat update")
			return
		}
		if err := m.applyChatUpdate(payload); err != nil {
			m.log.WithError(err).WithField("chat", payload.ChatID).Warn("apply chat update")
		}

	case transport.EventConnect, transport.EventDisconnect:
		m.log.WithField("event", evt.Type).Debug("transport state event")
	}
}

// applyChatUpdate mirrors a remotely announced group mutation into the
// local chat table.
func (m *Manager) applyChatUpdate(payload transport.ChatUpdatePayload) error {
	switch payload.Action {
	case transport.ChatActionRenamed:
		err := m.store.UpdateChatName(payload.ChatID, payload.Name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	case transport.ChatActionMemberAdded:
		err := m.store.AddParticipant(payload.ChatID, payload.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	case transport.ChatActionMemberRemoved:
		err := m.store.RemoveParticipant(payload.ChatID, payload.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown chat update action %q", payload.Action)
	}
}

// ingestPayload stores an inbound message, creating the chat on first
// contact, and notifies message observers. A nil message with nil error
// means the payload was a duplicate.
func (m *Manager) ingestPayload(payload transport.MessagePayload) (*storage.Message, error) {
	if payload.SenderID == m.localUserID {
		return nil, nil
	}

	chat, err := m.ensureChatForPayload(payload)
	if err != nil {
		return nil, err
	}

	decrypt := func(ciphertext string, ts int64) ([]byte, error) {
		if chat.ChatType == storage.ChatTypeGroup {
			return m.keys.DecryptForChat(chat.ChatID, ciphertext, ts)
		}
		return m.keys.DecryptWithPrivateKey(ciphertext, ts)
	}

	msg, err := m.engine.Ingest(payload, decrypt)
	if err != nil || msg == nil {
		return msg, err
	}

	m.observerMu.Lock()
	observers := append([]func(storage.Message){}, m.onMessage...)
	m.observerMu.Unlock()
	for _, fn := range observers {
		fn(*msg)
	}
	return msg, nil
}

// ensureChatForPayload resolves the chat a message belongs to, creating
// it on first contact. A private chat id is derivable from the sender;
// group membership comes from the payload's waiting list.
func (m *Manager) ensureChatForPayload(payload transport.MessagePayload) (*storage.Chat, error) {
	chat, err := m.store.GetChatByID(payload.ChatID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	newChat := &storage.Chat{
		ChatID:       payload.ChatID,
		ChatType:     storage.ChatTypeGroup,
		Participants: participantsFromPayload(payload),
	}
	if payload.ChatID == PrivateChatID(m.localUserID, payload.SenderID) {
		newChat.ChatType = storage.ChatTypePrivate
		newChat.Participants = []string{m.localUserID, payload.SenderID}
	}
	if err := m.store.SaveChat(newChat); err != nil {
		return nil, fmt.Errorf("create chat on first contact: %w", err)
	}
	return m.store.GetChatByID(payload.ChatID)
}

func participantsFromPayload(payload transport.MessagePayload) []string {
	seen := map[string]bool{payload.SenderID: true}
	members := []string{payload.SenderID}
	for _, p := range payload.WaitingMembers {
		if p != "" && !seen[p] {
			seen[p] = true
			members = append(members, p)
		}
	}
	return members
}

// handleReachability reacts to probe edges: on recovery the local queue
// drains and the offline queue is fetched.
func (m *Manager) handleReachability(reachable bool) {
	if reachable {
		m.setOpFailed(false)
		go m.recover()
	}

	m.observerMu.Lock()
	observers := append([]func(bool){}, m.onOnline...)
	m.observerMu.Unlock()
	for _, fn := range observers {
		fn(reachable)
	}
}

// seenIDRetention is how long duplicate-suppression entries are kept.
const seenIDRetention = 30 * 24 * time.Hour

func (m *Manager) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.engine.DrainPending(); err != nil {
		m.log.WithError(err).Warn("drain pending after recovery")
	}
	if _, err := m.store.PruneSeenIDs(time.Now().Add(-seenIDRetention).UnixMilli()); err != nil {
		m.log.WithError(err).Warn("prune seen message ids")
	}
	if _, err := m.FetchOfflineMessages(ctx); err != nil {
		m.log.WithError(err).Warn("fetch offline after recovery")
	}
	if _, err := m.RefreshOnlineUsers(ctx); err != nil {
		m.log.WithError(err).Warn("refresh online users after recovery")
	}
}
