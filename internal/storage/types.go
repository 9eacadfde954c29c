package storage

import (
	"context"
	"errors"
	"time"

	"sitewatch/internal/watch"
)

var ErrClosed = errors.New("storage closed")

// Store is the persistence API used by the dispatcher, the poller and app bootstrap.
// Implementations must be safe for concurrent use.
//
// Monitor writes are ordered by watch.Entry.Rev, not by arrival: PutMonitor and
// DeleteMonitor drop a write whose revision is not newer than the last one the
// store applied for that URL in this process, deletions included. A poll result
// that lands after a removal therefore cannot bring the URL back.
type Store interface {
	Load(ctx context.Context) (State, error)
	PutMonitor(ctx context.Context, e watch.Entry) error
	DeleteMonitor(ctx context.Context, url string, rev uint64) error
	PutRecipient(ctx context.Context, e watch.Endpoint) error
	PutDelay(ctx context.Context, minutes float64) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// State is everything needed to rebuild the in-memory stores.
type State struct {
	Monitors   []watch.Entry    `json:"monitors"`
	Recipients []watch.Endpoint `json:"recipients"`
	// DelayMinutes is 0 when no delay was ever persisted.
	DelayMinutes float64 `json:"delay_minutes,omitempty"`
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSONL journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions
}

// stale reports whether a monitor write at rev is older than the last applied
// revision. Revision 0 means unordered and only loses to a known revision.
func stale(last, rev uint64) bool {
	return last > 0 && rev <= last
}

// AuditEntry records a state-changing command.
type AuditEntry struct {
	At         time.Time `json:"at"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Command    string    `json:"command"`
	Argument   string    `json:"argument,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}
