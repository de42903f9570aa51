// Package relay implements the server-mediated channel: a REST surface
// for chat and user management plus a websocket push connection.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"asiochat/transport"
)

// tokenRenewalMargin renews the session token this long before expiry.
const tokenRenewalMargin = 30 * time.Second

// ChatDTO is the relay's wire form of a chat.
type ChatDTO struct {
	ChatID       string   `json:"chatId"`
	ChatType     string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt,omitempty"`
}

// UserDTO is the relay's wire form of a user.
type UserDTO struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen,omitempty"`
}

// PublicKeyDTO carries a published user key.
type PublicKeyDTO struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
}

// MediaDTO references an uploaded media object.
type MediaDTO struct {
	MediaID  string `json:"mediaId"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// API is the typed REST client for the relay server. All calls carry a
// bearer token that is renewed before expiry.
type API struct {
	baseURL string
	userID  string
	http    *http.Client

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// NewAPI creates a REST client for the relay at host:port.
func NewAPI(addr, userID string) *API {
	return &API{
		baseURL: "http://" + addr,
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns a valid session token, logging in or renewing as needed.
func (a *API) Token(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.token != "" && time.Until(a.tokenExp) > tokenRenewalMargin {
		return a.token, nil
	}

	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"userId": a.userID}
	if err := a.doUnauthenticated(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return "", fmt.Errorf("relay login: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("relay login: empty token")
	}

	exp, err := tokenExpiry(resp.Token)
	if err != nil {
		return "", err
	}

	a.token = resp.Token
	a.tokenExp = exp
	return a.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client never holds the relay's signing secret and only needs to know
// when to renew.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse session token: %w", err)
	}
	if claims.ExpiresAt == nil {
		// Tokens without exp are treated as short-lived.
		return time.Now().Add(time.Minute), nil
	}
	return claims.ExpiresAt.Time, nil
}

// Ping checks relay liveness. Used as the relay-mode health probe.
func (a *API) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay health: status %d", resp.StatusCode)
	}
	return nil
}

// CreateChat registers a chat on the relay.
func (a *API) CreateChat(ctx context.Context, chat ChatDTO) error {
	return a.do(ctx, http.MethodPost, "/api/chats", chat, nil)
}

// RenameChat updates a chat's display name.
func (a *API) RenameChat(ctx context.Context, chatID, name string) error {
	body := map[string]string{"name": name}
	return a.do(ctx, http.MethodPut, "/api/chats/"+chatID+"/name", body, nil)
}

// AddChatMember adds a user to a group chat.
func (a *API) AddChatMember(ctx context.Context, chatID, userID string) error {
	body := map[string]string{"userId": userID}
	return a.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/members", body, nil)
}

// RemoveChatMember removes a user from a group chat.
func (a *API) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	return a.do(ctx, http.MethodDelete, "/api/chats/"+chatID+"/members/"+userID, nil, nil)
}

// GetChatsForUser fetches the chats a user participates in.
func (a *API) GetChatsForUser(ctx context.Context, userID string) ([]ChatDTO, error) {
	var chats []ChatDTO
	if err := a.do(ctx, http.MethodGet, "/api/users/"+userID+"/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// SendMessage posts a message for server-side queueing and fanout. This
// is the acknowledged path; the websocket push is best effort.
func (a *API) SendMessage(ctx context.Context, msg transport.MessagePayload) error {
	return a.do(ctx, http.MethodPost, "/api/messages", msg, nil)
}

// GetOfflineMessages fetches messages queued while the user was offline.
func (a *API) GetOfflineMessages(ctx context.Context, userID string) ([]transport.MessagePayload, error) {
	var messages []transport.MessagePayload
	if err := a.do(ctx, http.MethodGet, "/api/users/"+userID+"/messages/offline", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PublishPublicKey uploads the local user's current public key.
func (a *API) PublishPublicKey(ctx context.Context, key PublicKeyDTO) error {
	return a.do(ctx, http.MethodPut, "/api/users/"+key.UserID+"/key", key, nil)
}

// GetPublicKey fetches another user's published public key.
func (a *API) GetPublicKey(ctx context.Context, userID string) (*PublicKeyDTO, error) {
	var key PublicKeyDTO
	if err := a.do(ctx, http.MethodGet, "/api/users/"+userID+"/key", nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// CreateUser registers a user on the relay.
func (a *API) CreateUser(ctx context.Context, user UserDTO) error {
	return a.do(ctx, http.MethodPost, "/api/users", user, nil)
}

// UpdateUser updates a user's profile on the relay.
func (a *API) UpdateUser(ctx context.Context, user UserDTO) error {
	return a.do(ctx, http.MethodPut, "/api/users/"+user.UserID, user, nil)
}

// GetUser fetches a user profile.
func (a *API) GetUser(ctx context.Context, userID string) (*UserDTO, error) {
	var user UserDTO
	if err := a.do(ctx, http.MethodGet, "/api/users/"+userID, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOnlineUsers fetches the currently connected users.
func (a *API) GetOnlineUsers(ctx context.Context) ([]UserDTO, error) {
	var users []UserDTO
	if err := a.do(ctx, http.MethodGet, "/api/users/online", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UploadMedia registers a media object and returns its reference. Byte
// upload happens against the returned media id out of band.
func (a *API) UploadMedia(ctx context.Context, media MediaDTO) (*MediaDTO, error) {
	var out MediaDTO
	if err := a.do(ctx, http.MethodPost, "/api/media", media, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMedia fetches a media reference by id.
func (a *API) GetMedia(ctx context.Context, mediaID string) (*MediaDTO, error) {
	var out MediaDTO
	if err := a.do(ctx, http.MethodGet, "/api/media/"+mediaID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	token, err := a.Token(ctx)
	if err != nil {
		return err
	}

	err = a.request(ctx, method, path, token, body, out)
	if err == nil {
		return nil
	}

	// One retry on a rejected token: the relay may have restarted.
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusUnauthorized {
		a.tokenMu.Lock()
		a.token = ""
		a.tokenMu.Unlock()

		token, tokenErr := a.Token(ctx)
		if tokenErr != nil {
			return tokenErr
		}
		return a.request(ctx, method, path, token, body, out)
	}

	return err
}

func (a *API) doUnauthenticated(ctx context.Context, method, path string, body, out any) error {
	return a.request(ctx, method, path, "", body, out)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.code, e.body)
}

func (a *API) request(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}

	return nil
}
