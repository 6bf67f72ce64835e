package tokensource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/forestmail/forest-mail/internal/kvstore"
	"github.com/forestmail/forest-mail/internal/tokenstore"
)

const slot = "gmail_token"

func newStore(t *testing.T) *tokenstore.TokenStore {
	t.Helper()
	store, err := tokenstore.New(kvstore.NewMemoryStore(), "test-encryption-key", "test-mac-key",
		tokenstore.WithEventSink(tokenstore.NewMemoryEventSink()))
	if err != nil {
		t.Fatalf("tokenstore.New: %v", err)
	}
	return store
}

func put(t *testing.T, store *tokenstore.TokenStore, token string) {
	t.Helper()
	if err := store.Store(context.Background(), slot, token); err != nil {
		t.Fatalf("Store: %v", err)
	}
}

func TestParseToken(t *testing.T) {
	expiry := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		raw     string
		want    oauth2.Token
		wantErr bool
	}{
		{
			name: "bare token",
			raw:  "ya29.a0AfH6SMBx3kQ",
			want: oauth2.Token{AccessToken: "ya29.a0AfH6SMBx3kQ", TokenType: "Bearer"},
		},
		{
			name: "json credential",
			raw:  `{"access_token":"ya29.abc","refresh_token":"1//r","token_type":"Bearer","expiry":"2025-05-20T09:00:00Z"}`,
			want: oauth2.Token{AccessToken: "ya29.abc", TokenType: "Bearer", RefreshToken: "1//r", Expiry: expiry},
		},
		{
			name: "token alias",
			raw:  `{"token":"abcdef"}`,
			want: oauth2.Token{AccessToken: "abcdef", TokenType: "Bearer"},
		},
		{name: "json without access token", raw: `{"scope":"mail"}`, wantErr: true},
		{name: "broken json", raw: `{"access_token":`, wantErr: true},
		{name: "blank", raw: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToken(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseToken(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseToken(%q): %v", tt.raw, err)
			}
			if got.AccessToken != tt.want.AccessToken || got.TokenType != tt.want.TokenType ||
				got.RefreshToken != tt.want.RefreshToken || !got.Expiry.Equal(tt.want.Expiry) {
				t.Errorf("ParseToken(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestEncodeTokenRoundTrip(t *testing.T) {
	in := &oauth2.Token{
		AccessToken:  "ya29.abc",
		TokenType:    "Bearer",
		RefreshToken: "1//r",
		Expiry:       time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC),
	}
	encoded, err := EncodeToken(in)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if !tokenstore.ValidateFormat(encoded) {
		t.Fatalf("encoded token %s is rejected by the token store", encoded)
	}

	out, err := ParseToken(encoded)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if out.AccessToken != in.AccessToken || out.RefreshToken != in.RefreshToken || !out.Expiry.Equal(in.Expiry) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, slot); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(newStore(t), ""); err == nil {
		t.Error("expected error for empty slot")
	}
}

func TestTokenEmptySlot(t *testing.T) {
	ts, err := New(newStore(t), slot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := ts.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Token on empty slot: got %v, want ErrNoToken", err)
	}
}

func TestTokenReadsSlotOnEveryCall(t *testing.T) {
	store := newStore(t)
	ts, err := New(store, slot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	put(t, store, "ya29.first-token")
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "ya29.first-token" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}

	put(t, store, "ya29.second-token")
	if tok, _ := ts.Token(); tok == nil || tok.AccessToken != "ya29.second-token" {
		t.Errorf("Token after re-login = %+v, want second token", tok)
	}

	if err := store.Remove(context.Background(), slot); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := ts.Token(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Token after logout: got %v, want ErrNoToken", err)
	}
}

func TestTokenExpiredWithoutRefresh(t *testing.T) {
	store := newStore(t)
	put(t, store, `{"access_token":"ya29.stale","refresh_token":"1//r","expiry":"2020-01-01T00:00:00Z"}`)

	ts, err := New(store, slot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ts.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("got %v, want ErrNoToken", err)
	}
}

func TestTokenRefreshPersists(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.Form.Get("refresh_token"); got != "1//refresh" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.Form.Get("client_id"); got != "forest-client" {
			t.Errorf("client_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.fresh-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	store := newStore(t)
	put(t, store, `{"access_token":"ya29.stale","refresh_token":"1//refresh","expiry":"2020-01-01T00:00:00Z"}`)

	endpoint := oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams}
	ts, err := New(store, slot, WithRefresh("forest-client", "secret", endpoint), WithTransport(server.Client().Transport))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "ya29.fresh-token" {
		t.Errorf("AccessToken = %q, want refreshed token", tok.AccessToken)
	}

	raw, ok := store.Retrieve(context.Background(), slot)
	if !ok {
		t.Fatal("slot empty after refresh")
	}
	persisted, err := ParseToken(raw)
	if err != nil {
		t.Fatalf("ParseToken(persisted): %v", err)
	}
	if persisted.AccessToken != "ya29.fresh-token" || persisted.RefreshToken != "1//refresh" {
		t.Errorf("persisted token = %+v, want fresh access and original refresh token", persisted)
	}

	// The persisted token is valid, so no second exchange happens.
	if _, err := ts.Token(); err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestTokenConcurrentCallersShareRefresh(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.shared-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	store := newStore(t)
	put(t, store, `{"access_token":"ya29.stale","refresh_token":"1//refresh","expiry":"2020-01-01T00:00:00Z"}`)

	endpoint := oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams}
	ts, err := New(store, slot, WithRefresh("forest-client", "secret", endpoint), WithTransport(server.Client().Transport))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Token()
			if err != nil {
				errs <- err
				return
			}
			if tok.AccessToken != "ya29.shared-token" {
				errs <- fmt.Errorf("AccessToken = %q, want refreshed token", tok.AccessToken)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestTokenRefreshFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	store := newStore(t)
	put(t, store, `{"access_token":"ya29.stale","refresh_token":"1//revoked","expiry":"2020-01-01T00:00:00Z"}`)

	endpoint := oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams}
	ts, err := New(store, slot, WithRefresh("forest-client", "", endpoint))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = ts.Token()
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("got %v, want *oauth2.RetrieveError", err)
	}
}

func TestTokenContextCancelled(t *testing.T) {
	ts, err := New(newStore(t), slot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ts.TokenContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
