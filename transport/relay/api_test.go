package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, ttl time.Duration) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestAPI(t *testing.T, handler http.Handler) *API {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	api := NewAPI(strings.TrimPrefix(server.URL, "http://"), "alice")
	return api
}

func TestTokenLoginAndReuse(t *testing.T) {
	var logins atomic.Int32
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": signTestToken(t, time.Hour)})
	}))

	first, err := api.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, err := api.Token(context.Background())
	if err != nil {
		t.Fatalf("Token (cached): %v", err)
	}
	if first != second {
		t.Fatal("valid token was not reused")
	}
	if logins.Load() != 1 {
		t.Fatalf("logins = %d, want 1", logins.Load())
	}
}

func TestTokenRenewsNearExpiry(t *testing.T) {
	var logins atomic.Int32
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		// Inside the renewal margin, so every call logs in again.
		_ = json.NewEncoder(w).Encode(map[string]string{"token": signTestToken(t, 5*time.Second)})
	}))

	if _, err := api.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := api.Token(context.Background()); err != nil {
		t.Fatalf("Token (renew): %v", err)
	}
	if logins.Load() != 2 {
		t.Fatalf("logins = %d, want 2", logins.Load())
	}
}

func TestRequestsCarryBearerToken(t *testing.T) {
	token := signTestToken(t, time.Hour)
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
		case "/api/users/online":
			if got := r.Header.Get("Authorization"); got != "Bearer "+token {
				t.Fatalf("authorization = %q", got)
			}
			_ = json.NewEncoder(w).Encode([]UserDTO{{UserID: "bob", Online: true}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	users, err := api.GetOnlineUsers(context.Background())
	if err != nil {
		t.Fatalf("GetOnlineUsers: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "bob" {
		t.Fatalf("users = %v", users)
	}
}

func TestUnauthorizedRetriesWithFreshToken(t *testing.T) {
	var logins, rejected atomic.Int32
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			logins.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"token": signTestToken(t, time.Hour)})
		case "/api/users/bob":
			if rejected.Load() == 0 {
				rejected.Add(1)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(UserDTO{UserID: "bob", DisplayName: "Bob"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	user, err := api.GetUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.DisplayName != "Bob" {
		t.Fatalf("user = %+v", user)
	}
	if logins.Load() != 2 {
		t.Fatalf("logins = %d, want re-login after 401", logins.Load())
	}
}

func TestPing(t *testing.T) {
	healthy := atomic.Bool{}
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := api.Ping(context.Background()); err == nil {
		t.Fatal("ping against unhealthy relay succeeded")
	}

	healthy.Store(true)
	if err := api.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestGetOfflineMessages(t *testing.T) {
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": signTestToken(t, time.Hour)})
		case "/api/users/alice/messages/offline":
			_, _ = w.Write([]byte(`[{"messageId":"m1","chatId":"c1","senderId":"bob","content":"x","timestamp":5}]`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	msgs, err := api.GetOfflineMessages(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetOfflineMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "m1" || msgs[0].SenderID != "bob" {
		t.Fatalf("msgs = %v", msgs)
	}
}
