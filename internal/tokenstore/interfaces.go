package tokenstore

import (
	"context"
	"time"
)

// EventSink records SecurityEvents in a bounded, newest-first log.
type EventSink interface {
	// Record prepends the event, evicting the oldest entries beyond the capacity.
	Record(ctx context.Context, event SecurityEvent) error

	// RecentSuspiciousCount counts suspicious events with a timestamp after since.
	RecentSuspiciousCount(ctx context.Context, since time.Time) (int, error)

	// Events returns the log, newest first.
	Events(ctx context.Context) ([]SecurityEvent, error)

	// Clear empties the log.
	Clear(ctx context.Context) error
}
