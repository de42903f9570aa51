// Package connection is the client's top layer: it owns the active
// transport mode, dispatches every chat, message, media, and user
// operation through the state object for that mode, and derives the
// client's online status.
package connection

import (
	"context"
	"errors"

	"asiochat/storage"
	"asiochat/transport"
	"asiochat/transport/relay"
)

// Mode selects the active transport.
type Mode string

const (
	// ModeDirect exchanges events peer to peer over the LAN.
	ModeDirect Mode = "DIRECT"
	// ModeRelay exchanges events through the relay server.
	ModeRelay Mode = "RELAY"
)

var (
	// ErrOfflineOperationRejected indicates a server-authoritative
	// operation was attempted while the relay is unreachable.
	ErrOfflineOperationRejected = errors.New("connection: operation rejected while offline")
	// ErrUnknownMode indicates an unsupported mode value.
	ErrUnknownMode = errors.New("connection: unknown mode")
)

// modeState is the behavior that differs between transports. The manager
// holds exactly one active state and routes every operation through it;
// call sites never branch on the mode.
type modeState interface {
	mode() Mode

	// start connects the transport and wires the delivery senders and
	// health probe. stop tears the transport down.
	start(ctx context.Context) error
	stop() error

	client() transport.Client

	// registerChat mirrors a locally created chat to the mode's
	// authority (relay server; nothing in direct mode).
	registerChat(ctx context.Context, chat *storage.Chat) error

	// Group mutations. Server-authoritative in relay mode: unreachable
	// relay means ErrOfflineOperationRejected, never a silent local
	// apply.
	renameGroup(ctx context.Context, chatID, name string) error
	addMember(ctx context.Context, chatID, userID string) error
	removeMember(ctx context.Context, chatID, userID string) error

	// fetchOfflineMessages drains messages queued while this client was
	// unreachable. Only the relay holds such a queue.
	fetchOfflineMessages(ctx context.Context) ([]transport.MessagePayload, error)

	// onlineUsers returns who is reachable right now.
	onlineUsers(ctx context.Context) ([]storage.User, error)

	// registerUser and updateUser mirror a user profile to the mode's
	// authority.
	registerUser(ctx context.Context, user *storage.User) error
	updateUser(ctx context.Context, user *storage.User) error

	// publishPublicKey announces the local user's current key.
	publishPublicKey(ctx context.Context, publicKey string, createdAt int64) error

	// lookupPublicKey resolves a remote user's published key.
	lookupPublicKey(ctx context.Context, userID string) (*relay.PublicKeyDTO, error)

	// uploadMedia and getMedia move media references. Media bytes never
	// travel over the event channels.
	uploadMedia(ctx context.Context, media relay.MediaDTO) (*relay.MediaDTO, error)
	getMedia(ctx context.Context, mediaID string) (*relay.MediaDTO, error)
}
