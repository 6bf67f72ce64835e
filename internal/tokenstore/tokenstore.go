package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/forestmail/forest-mail/internal/kvstore"
)

const (
	// DefaultTTL is how long a stored token stays valid.
	DefaultTTL = 24 * time.Hour

	// SuspiciousWindow is the trailing window DetectSuspiciousActivity inspects.
	SuspiciousWindow = 10 * time.Minute

	// SuspiciousThreshold is the number of suspicious events tolerated within the window.
	SuspiciousThreshold = 5

	expirySuffix = "_expiry"
)

// DefaultSlots are the token slots the application writes.
var DefaultSlots = []string{"gmail_token", "gmail_access_token"}

// sensitiveKeyMarkers match stray keys ClearAll removes in addition to the known slots.
var sensitiveKeyMarkers = []string{"token", "auth", "session"}

// Option configures a TokenStore.
type Option func(*TokenStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenStore) {
		s.now = now
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *TokenStore) {
		s.ttl = ttl
	}
}

// WithEventSink replaces the default KV-backed event log.
func WithEventSink(sink EventSink) Option {
	return func(s *TokenStore) {
		s.events = sink
	}
}

// WithSlots replaces DefaultSlots as the known slots ClearAll removes.
func WithSlots(slots ...string) Option {
	return func(s *TokenStore) {
		s.slots = slots
	}
}

// WithClientInfo sets the user agent and origin URL stamped on security events.
func WithClientInfo(userAgent, url string) Option {
	return func(s *TokenStore) {
		s.userAgent = userAgent
		s.url = url
	}
}

// TokenStore encrypts, stores, retrieves, expires and invalidates token blobs
// kept in named slots of a kvstore.Store.
//
// Each slot moves Empty -> Stored -> Retrieved, or back to Empty on expiry or
// corruption. Concurrent writers to the same slot are not coordinated.
type TokenStore struct {
	kv     kvstore.Store
	cipher *cipherSuite
	events EventSink

	now       func() time.Time
	ttl       time.Duration
	slots     []string
	userAgent string
	url       string
}

// New creates a TokenStore over kv using the static encryption and MAC secrets.
// Security events go to a KVEventSink on the same store unless WithEventSink is given.
func New(kv kvstore.Store, encryptionKey, macKey string, opts ...Option) (*TokenStore, error) {
	if kv == nil {
		return nil, fmt.Errorf("missing key-value store")
	}

	suite, err := newCipherSuite(encryptionKey, macKey)
	if err != nil {
		return nil, err
	}

	s := &TokenStore{
		kv:     kv,
		cipher: suite,
		now:    time.Now,
		ttl:    DefaultTTL,
		slots:  DefaultSlots,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.events == nil {
		sink, err := NewKVEventSink(kv, DefaultEventsKey)
		if err != nil {
			return nil, err
		}
		s.events = sink
	}
	if s.ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", s.ttl)
	}

	return s, nil
}

// Store seals token into slot and records its expiry. Returns ErrInvalidFormat,
// without writing anything, if the token fails ValidateFormat.
func (s *TokenStore) Store(ctx context.Context, slot, token string) error {
	if !ValidateFormat(token) {
		s.LogEvent(ctx, EventInvalidTokenFormat, map[string]any{"slot": slot})
		return fmt.Errorf("%w: slot %s", ErrInvalidFormat, slot)
	}

	now := s.now()
	plaintext, err := json.Marshal(payload{
		Data:      token,
		Timestamp: now.UnixMilli(),
		Version:   payloadVersion,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	env, err := s.cipher.seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}

	if err := s.kv.Set(ctx, slot, env.String()); err != nil {
		return fmt.Errorf("writing slot %s: %w", slot, err)
	}
	expiresAt := now.Add(s.ttl).UnixMilli()
	if err := s.kv.Set(ctx, slot+expirySuffix, strconv.FormatInt(expiresAt, 10)); err != nil {
		// A sealed slot never stays behind without its expiry key.
		return errors.Join(
			fmt.Errorf("writing expiry for slot %s: %w", slot, err),
			s.kv.Remove(ctx, slot),
		)
	}

	s.LogEvent(ctx, EventTokenStored, map[string]any{"slot": slot})
	return nil
}

// Retrieve returns the token in slot and true, or "" and false when the slot is
// empty, expired or corrupt. Expired and corrupt slots are purged. Retrieve never
// reports why a token is missing; callers must send the user to login either way.
func (s *TokenStore) Retrieve(ctx context.Context, slot string) (string, bool) {
	now := s.now()

	if expired, err := s.companionExpired(ctx, slot, now); err != nil {
		slog.ErrorContext(ctx, "failed to read token expiry", "slot", slot, "error", err)
		return "", false
	} else if expired {
		s.discard(ctx, slot, ErrExpiredToken)
		return "", false
	}

	raw, err := s.kv.Get(ctx, slot)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", false
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to read token slot", "slot", slot, "error", err)
		return "", false
	}

	token, err := s.open(raw, now)
	if err != nil {
		s.discard(ctx, slot, err)
		return "", false
	}
	return token, true
}

// open decodes either envelope kind.
func (s *TokenStore) open(raw string, now time.Time) (string, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return "", err
	}

	switch env := env.(type) {
	case LegacyEnvelope:
		return decodeLegacy(env, now, s.ttl)
	case VersionedEnvelope:
		plaintext, err := s.cipher.open(env)
		if err != nil {
			return "", err
		}
		return decodePayload(plaintext, now, s.ttl)
	default:
		return "", fmt.Errorf("%w: unknown envelope %T", ErrDecodeFailure, env)
	}
}

// companionExpired reports whether the slot's expiry key lies in the past.
// A missing expiry key defers to the payload's embedded timestamp.
func (s *TokenStore) companionExpired(ctx context.Context, slot string, now time.Time) (bool, error) {
	raw, err := s.kv.Get(ctx, slot+expirySuffix)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	expiresAt, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		// An unreadable expiry is treated like an expired one.
		return true, nil
	}
	return now.UnixMilli() > expiresAt, nil
}

// discard purges slot and records why.
func (s *TokenStore) discard(ctx context.Context, slot string, cause error) {
	if err := s.Remove(ctx, slot); err != nil {
		slog.ErrorContext(ctx, "failed to purge token slot", "slot", slot, "error", err)
	}

	if errors.Is(cause, ErrExpiredToken) {
		s.LogEvent(ctx, EventTokenExpired, map[string]any{"slot": slot})
		return
	}

	reason := "decode"
	if errors.Is(cause, ErrIntegrityFailure) {
		reason = "integrity"
	}
	s.LogEvent(ctx, EventTokenDecryptionFailed, map[string]any{"slot": slot, "reason": reason})
}

// Remove deletes slot and its expiry key.
func (s *TokenStore) Remove(ctx context.Context, slot string) error {
	return errors.Join(
		s.kv.Remove(ctx, slot),
		s.kv.Remove(ctx, slot+expirySuffix),
	)
}

// ClearAll removes every known slot plus any key whose name contains
// "token", "auth" or "session".
func (s *TokenStore) ClearAll(ctx context.Context) error {
	var errs []error
	for _, slot := range s.slots {
		if err := s.Remove(ctx, slot); err != nil {
			errs = append(errs, err)
		}
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing keys: %w", err))
	}
	removed := 0
	for _, key := range keys {
		if !isSensitiveKey(key) {
			continue
		}
		if err := s.kv.Remove(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	s.LogEvent(ctx, EventTokensCleared, map[string]any{"stray_keys": removed})
	return errors.Join(errs...)
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ValidateFormat reports whether token is acceptable for Store.
func (s *TokenStore) ValidateFormat(token string) bool {
	return ValidateFormat(token)
}

// LogEvent appends a SecurityEvent to the event log. Failures are logged, not returned.
func (s *TokenStore) LogEvent(ctx context.Context, name string, details map[string]any) {
	event := SecurityEvent{
		Timestamp: s.now(),
		Event:     name,
		Details:   details,
		UserAgent: s.userAgent,
		URL:       s.url,
	}

	level := slog.LevelInfo
	if event.IsSuspicious() {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "security event", "event", name)

	if err := s.events.Record(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to record security event", "event", name, "error", err)
	}
}

// DetectSuspiciousActivity reports whether more than SuspiciousThreshold suspicious
// events occurred within the trailing SuspiciousWindow.
func (s *TokenStore) DetectSuspiciousActivity(ctx context.Context) bool {
	count, err := s.events.RecentSuspiciousCount(ctx, s.now().Add(-SuspiciousWindow))
	if err != nil {
		slog.ErrorContext(ctx, "failed to read security events", "error", err)
		return false
	}
	return count > SuspiciousThreshold
}

// Events returns the security event log, newest first.
func (s *TokenStore) Events(ctx context.Context) ([]SecurityEvent, error) {
	return s.events.Events(ctx)
}

// ClearEvents empties the security event log.
func (s *TokenStore) ClearEvents(ctx context.Context) error {
	return s.events.Clear(ctx)
}
