package tokensource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when the slot holds no usable token. Callers should send
// the user to login.
var ErrNoToken = errors.New("no token stored")

// Store is the subset of tokenstore.TokenStore a Source needs.
type Store interface {
	Retrieve(ctx context.Context, slot string) (string, bool)
	Store(ctx context.Context, slot, token string) error
}

// Endpoint is the default OAuth2 endpoint for refreshing mail provider tokens.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Option configures a Source.
type Option func(*sourceConfig)

type sourceConfig struct {
	clientID      string
	clientSecret  string
	endpoint      oauth2.Endpoint
	baseTransport http.RoundTripper
}

// WithRefresh enables refreshing expired tokens that carry a refresh token.
func WithRefresh(clientID, clientSecret string, endpoint oauth2.Endpoint) Option {
	return func(c *sourceConfig) {
		c.clientID = clientID
		c.clientSecret = clientSecret
		c.endpoint = endpoint
	}
}

// WithTransport sets a custom base transport for token refresh requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *sourceConfig) {
		c.baseTransport = transport
	}
}

// Source serves the token kept in one TokenStore slot.
//
// The slot is read on every call, so a logout or a new login takes effect
// immediately. Refreshed tokens are written back to the slot.
type Source struct {
	store  Store
	slot   string
	oauth  *oauth2.Config
	client *http.Client

	refreshMu sync.Mutex
}

// Compile-time check to ensure Source implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Source)(nil)

// New creates a Source reading slot from store.
func New(store Store, slot string, opts ...Option) (*Source, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if slot == "" {
		return nil, fmt.Errorf("missing token slot")
	}

	cfg := &sourceConfig{
		baseTransport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Source{
		store: store,
		slot:  slot,
		client: &http.Client{
			Timeout:   30 * time.Second, // oauth2 refreshes with the context captured here, not the caller's
			Transport: cfg.baseTransport,
		},
	}
	if cfg.clientID != "" {
		s.oauth = &oauth2.Config{
			ClientID:     cfg.clientID,
			ClientSecret: cfg.clientSecret,
			Endpoint:     cfg.endpoint,
		}
	}

	return s, nil
}

// Token returns the stored token, refreshing it first when it has expired and
// refreshing is enabled.
func (s *Source) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter
	return s.TokenContext(context.Background())
}

// TokenContext is Token with an explicit context for the store access and refresh.
func (s *Source) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}

	if s.oauth == nil || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token in slot %s expired", ErrNoToken, s.slot)
	}
	return s.refresh(ctx)
}

func (s *Source) load(ctx context.Context) (*oauth2.Token, error) {
	raw, ok := s.store.Retrieve(ctx, s.slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %s", ErrNoToken, s.slot)
	}
	tok, err := ParseToken(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	return tok, nil
}

// refresh exchanges the stored refresh token and persists the result.
// Concurrent callers that lose the race reuse the token the winner stored.
func (s *Source) refresh(ctx context.Context) (*oauth2.Token, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	tok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, s.client)
	fresh, err := s.oauth.TokenSource(oauthCtx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	encoded, err := EncodeToken(fresh)
	if err != nil {
		return nil, err
	}
	if err := s.store.Store(ctx, s.slot, encoded); err != nil {
		// The access token is still usable for this call; the next call refreshes again.
		slog.ErrorContext(ctx, "failed to persist refreshed token", "slot", s.slot, "error", err)
	}

	return fresh, nil
}

// credential is the JSON shape tokens are stored in. "token" is accepted as an
// alias of "access_token".
type credential struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Token        string    `json:"token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// ParseToken turns a stored token into an oauth2.Token. raw is either a JSON
// credential object or a bare bearer token.
func ParseToken(raw string) (*oauth2.Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty token")
	}
	if !strings.HasPrefix(raw, "{") {
		return &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}, nil
	}

	var c credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	access := c.AccessToken
	if access == "" {
		access = c.Token
	}
	if access == "" {
		return nil, fmt.Errorf("token has no access_token")
	}

	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &oauth2.Token{
		AccessToken:  access,
		TokenType:    tokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}, nil
}

// EncodeToken renders tok in the JSON shape ParseToken reads.
func EncodeToken(tok *oauth2.Token) (string, error) {
	b, err := json.Marshal(credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		return "", fmt.Errorf("encoding token: %w", err)
	}
	return string(b), nil
}
