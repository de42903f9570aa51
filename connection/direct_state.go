package connection

import (
	"context"
	"errors"
	"fmt"

	"asiochat/storage"
	"asiochat/transport"
	"asiochat/transport/direct"
	"asiochat/transport/relay"
)

// ErrDirectModeUnsupported marks operations that need the relay server
// and have no peer-to-peer equivalent.
var ErrDirectModeUnsupported = errors.New("connection: operation not available in direct mode")

// directState exchanges events peer to peer over the LAN. There is no
// server authority: chat and user registration are local-only, group
// mutations are applied locally and announced to peers as chat update
// events, and nobody queues messages for offline recipients.
type directState struct {
	m      *Manager
	direct *direct.Client
}

func newDirectState(m *Manager) *directState {
	return &directState{m: m, direct: m.direct}
}

func (s *directState) mode() Mode { return ModeDirect }

func (s *directState) client() transport.Client { return s.direct }

func (s *directState) start(ctx context.Context) error {
	if err := s.direct.Connect(ctx); err != nil {
		return fmt.Errorf("start direct transport: %w", err)
	}

	// Peer broadcast is the only channel, so it serves as the reliable
	// path; there is no separate best-effort push.
	s.m.engine.SetSenders(s.direct.Send, nil)
	s.m.monitor.SetProbe(s.direct.Probe)
	return nil
}

func (s *directState) stop() error {
	return s.direct.Disconnect()
}

func (s *directState) registerChat(ctx context.Context, chat *storage.Chat) error {
	// No authority to mirror to; peers learn of the chat from the first
	// message or chat update event that references it.
	return nil
}

func (s *directState) renameGroup(ctx context.Context, chatID, name string) error {
	return s.announceChatUpdate(transport.ChatUpdatePayload{
		ChatID: chatID,
		Action: transport.ChatActionRenamed,
		Name:   name,
	})
}

func (s *directState) addMember(ctx context.Context, chatID, userID string) error {
	return s.announceChatUpdate(transport.ChatUpdatePayload{
		ChatID: chatID,
		Action: transport.ChatActionMemberAdded,
		UserID: userID,
	})
}

func (s *directState) removeMember(ctx context.Context, chatID, userID string) error {
	return s.announceChatUpdate(transport.ChatUpdatePayload{
		ChatID: chatID,
		Action: transport.ChatActionMemberRemoved,
		UserID: userID,
	})
}

// announceChatUpdate broadcasts a group mutation to whoever is on the
// LAN right now. Absent peers reconcile from later traffic.
func (s *directState) announceChatUpdate(payload transport.ChatUpdatePayload) error {
	evt, err := transport.NewEvent(transport.EventChatUpdate, s.m.localUserID, payload)
	if err != nil {
		return err
	}

	if err := s.direct.Send(evt); err != nil && !errors.Is(err, transport.ErrUnavailable) {
		return err
	}
	return nil
}

func (s *directState) fetchOfflineMessages(ctx context.Context) ([]transport.MessagePayload, error) {
	return nil, nil
}

func (s *directState) onlineUsers(ctx context.Context) ([]storage.User, error) {
	peers := s.direct.Peers()
	users := make([]storage.User, 0, len(peers))
	for _, peer := range peers {
		lastSeen := peer.LastSeen.UnixMilli()
		users = append(users, storage.User{
			UserID:      peer.UserID,
			DisplayName: peer.DisplayName,
			IsOnline:    true,
			LastSeen:    &lastSeen,
		})
	}
	return users, nil
}

func (s *directState) registerUser(ctx context.Context, user *storage.User) error {
	return nil
}

func (s *directState) updateUser(ctx context.Context, user *storage.User) error {
	// Peers see the new display name on the next mDNS announcement.
	return nil
}

func (s *directState) publishPublicKey(ctx context.Context, publicKey string, createdAt int64) error {
	// The mDNS TXT record already carries the key fingerprint; full keys
	// travel inside message payload exchanges.
	return nil
}

func (s *directState) lookupPublicKey(ctx context.Context, userID string) (*relay.PublicKeyDTO, error) {
	return nil, fmt.Errorf("lookup key for %s: %w", userID, ErrDirectModeUnsupported)
}

func (s *directState) uploadMedia(ctx context.Context, media relay.MediaDTO) (*relay.MediaDTO, error) {
	return nil, fmt.Errorf("upload media: %w", ErrDirectModeUnsupported)
}

func (s *directState) getMedia(ctx context.Context, mediaID string) (*relay.MediaDTO, error) {
	return nil, fmt.Errorf("get media %s: %w", mediaID, ErrDirectModeUnsupported)
}
