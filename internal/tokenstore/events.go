package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/forestmail/forest-mail/internal/kvstore"
)

// Security event names.
const (
	EventTokenStored           = "token_stored"
	EventTokenExpired          = "token_expired"
	EventTokenDecryptionFailed = "token_decryption_failed"
	EventInvalidTokenFormat    = "invalid_token_format"
	EventTokensCleared         = "tokens_cleared"
)

const (
	// DefaultEventsKey is the store key holding the event log.
	DefaultEventsKey = "security_events"

	// maxEvents caps the event log.
	maxEvents = 10
)

// SecurityEvent is a diagnostic record of a security-relevant occurrence.
// Events stay local and are never transmitted.
type SecurityEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	UserAgent string         `json:"userAgent"`
	URL       string         `json:"url"`
}

// IsSuspicious reports whether the event counts towards suspicious-activity detection.
func (e SecurityEvent) IsSuspicious() bool {
	return e.Event == EventTokenDecryptionFailed || e.Event == EventInvalidTokenFormat
}

// prependCapped returns events with event in front, keeping the newest maxEvents.
func prependCapped(events []SecurityEvent, event SecurityEvent) []SecurityEvent {
	out := make([]SecurityEvent, 0, min(len(events)+1, maxEvents))
	out = append(out, event)
	for _, e := range events {
		if len(out) == maxEvents {
			break
		}
		out = append(out, e)
	}
	return out
}

func countSuspiciousSince(events []SecurityEvent, since time.Time) int {
	count := 0
	for _, e := range events {
		if e.IsSuspicious() && e.Timestamp.After(since) {
			count++
		}
	}
	return count
}

// KVEventSink persists the event log as a JSON array under one key of a kvstore.Store.
//
// The read-modify-write in Record is serialised within the process only; other
// processes writing the same key are not coordinated.
type KVEventSink struct {
	store kvstore.Store
	key   string
	mu    sync.Mutex
}

// Compile-time check to ensure KVEventSink implements EventSink
var _ EventSink = (*KVEventSink)(nil)

// NewKVEventSink creates a sink storing the log under key (DefaultEventsKey if empty).
func NewKVEventSink(store kvstore.Store, key string) (*KVEventSink, error) {
	if store == nil {
		return nil, fmt.Errorf("missing key-value store")
	}
	if key == "" {
		key = DefaultEventsKey
	}
	return &KVEventSink{store: store, key: key}, nil
}

func (k *KVEventSink) Record(ctx context.Context, event SecurityEvent) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	events, err := k.load(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(prependCapped(events, event))
	if err != nil {
		return fmt.Errorf("encoding security events: %w", err)
	}
	return k.store.Set(ctx, k.key, string(data))
}

func (k *KVEventSink) RecentSuspiciousCount(ctx context.Context, since time.Time) (int, error) {
	events, err := k.Events(ctx)
	if err != nil {
		return 0, err
	}
	return countSuspiciousSince(events, since), nil
}

func (k *KVEventSink) Events(ctx context.Context) ([]SecurityEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.load(ctx)
}

func (k *KVEventSink) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.store.Remove(ctx, k.key)
}

// load reads the log. A corrupt log is discarded rather than blocking new events.
func (k *KVEventSink) load(ctx context.Context) ([]SecurityEvent, error) {
	raw, err := k.store.Get(ctx, k.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading security events: %w", err)
	}

	var events []SecurityEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		slog.WarnContext(ctx, "discarding unreadable security event log", "key", k.key, "error", err)
		return nil, nil
	}
	return events, nil
}

// MemoryEventSink keeps the event log in memory.
type MemoryEventSink struct {
	mu     sync.Mutex
	events []SecurityEvent
}

// Compile-time check to ensure MemoryEventSink implements EventSink
var _ EventSink = (*MemoryEventSink)(nil)

// NewMemoryEventSink creates an empty in-memory sink.
func NewMemoryEventSink() *MemoryEventSink {
	return &MemoryEventSink{}
}

func (m *MemoryEventSink) Record(ctx context.Context, event SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = prependCapped(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *MemoryEventSink) RecentSuspiciousCount(ctx context.Context, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return countSuspiciousSince(m.events, since), nil
}

func (m *MemoryEventSink) Events(ctx context.Context) ([]SecurityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events), nil
}

func (m *MemoryEventSink) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
	return nil
}
