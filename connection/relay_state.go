package connection

import (
	"context"
	"errors"
	"time"

	"asiochat/storage"
	"asiochat/transport"
	"asiochat/transport/relay"
)

// relayState routes everything through the relay server. Group membership
// and names are server-authoritative: mutations require the relay to be
// reachable and are rejected offline rather than applied locally and
// reconciled later.
type relayState struct {
	m     *Manager
	relay *relay.Client
}

func newRelayState(m *Manager) *relayState {
	return &relayState{m: m, relay: m.relay}
}

func (s *relayState) mode() Mode { return ModeRelay }

func (s *relayState) client() transport.Client { return s.relay }

func (s *relayState) start(ctx context.Context) error {
	// A down relay does not block entering relay mode; the client comes
	// up offline and the socket reconnects when the probe recovers.
	if err := s.relay.Connect(ctx); err != nil {
		s.m.log.WithError(err).Warn("relay connect failed, starting offline")
	}

	s.m.engine.SetSenders(s.reliableSend, s.relay.Send)
	s.m.monitor.SetProbe(s.relay.Probe)

	if err := s.m.publishLocalKey(ctx, s); err != nil {
		s.m.log.WithError(err).Warn("publish public key failed")
	}
	return nil
}

func (s *relayState) stop() error {
	return s.relay.Disconnect()
}

// reliableSend is the acknowledged delivery path: the relay queues the
// message server-side for each recipient.
func (s *relayState) reliableSend(evt transport.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch evt.Type {
	case transport.EventMessage:
		var payload transport.MessagePayload
		if err := transport.DecodePayload(evt, &payload); err != nil {
			return err
		}
		if err := s.relay.API().SendMessage(ctx, payload); err != nil {
			return errors.Join(transport.ErrUnavailable, err)
		}
		return nil
	default:
		return s.relay.Send(evt)
	}
}

func (s *relayState) registerChat(ctx context.Context, chat *storage.Chat) error {
	return s.relay.API().CreateChat(ctx, relay.ChatDTO{
		ChatID:       chat.ChatID,
		ChatType:     chat.ChatType,
		Name:         chat.Name,
		Participants: chat.Participants,
		CreatedAt:    chat.CreatedAt,
	})
}

func (s *relayState) renameGroup(ctx context.Context, chatID, name string) error {
	if !s.m.monitor.IsReachable() {
		return ErrOfflineOperationRejected
	}
	return s.relay.API().RenameChat(ctx, chatID, name)
}

func (s *relayState) addMember(ctx context.Context, chatID, userID string) error {
	if !s.m.monitor.IsReachable() {
		return ErrOfflineOperationRejected
	}
	return s.relay.API().AddChatMember(ctx, chatID, userID)
}

func (s *relayState) removeMember(ctx context.Context, chatID, userID string) error {
	if !s.m.monitor.IsReachable() {
		return ErrOfflineOperationRejected
	}
	return s.relay.API().RemoveChatMember(ctx, chatID, userID)
}

func (s *relayState) fetchOfflineMessages(ctx context.Context) ([]transport.MessagePayload, error) {
	return s.relay.API().GetOfflineMessages(ctx, s.m.localUserID)
}

func (s *relayState) onlineUsers(ctx context.Context) ([]storage.User, error) {
	dtos, err := s.relay.API().GetOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]storage.User, 0, len(dtos))
	for _, dto := range dtos {
		user := storage.User{
			UserID:      dto.UserID,
			DisplayName: dto.DisplayName,
			IsOnline:    dto.Online,
		}
		if dto.LastSeen != 0 {
			lastSeen := dto.LastSeen
			user.LastSeen = &lastSeen
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *relayState) registerUser(ctx context.Context, user *storage.User) error {
	return s.relay.API().CreateUser(ctx, relay.UserDTO{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})
}

func (s *relayState) updateUser(ctx context.Context, user *storage.User) error {
	return s.relay.API().UpdateUser(ctx, relay.UserDTO{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})
}

func (s *relayState) publishPublicKey(ctx context.Context, publicKey string, createdAt int64) error {
	return s.relay.API().PublishPublicKey(ctx, relay.PublicKeyDTO{
		UserID:    s.m.localUserID,
		PublicKey: publicKey,
		CreatedAt: createdAt,
	})
}

func (s *relayState) lookupPublicKey(ctx context.Context, userID string) (*relay.PublicKeyDTO, error) {
	return s.relay.API().GetPublicKey(ctx, userID)
}

func (s *relayState) uploadMedia(ctx context.Context, media relay.MediaDTO) (*relay.MediaDTO, error) {
	return s.relay.API().UploadMedia(ctx, media)
}

func (s *relayState) getMedia(ctx context.Context, mediaID string) (*relay.MediaDTO, error) {
	return s.relay.API().GetMedia(ctx, mediaID)
}
