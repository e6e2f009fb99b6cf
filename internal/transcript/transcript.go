// Package transcript keeps the conversation record: everything the user and
// the agent said during a bridge session, in order, with speaker roles.
//
// The record serves two purposes. Operationally it backs the duplicate
// suppression that keeps the same utterance from being logged twice when the
// upstream session re-delivers a message, and diagnostically it is the
// artifact an operator pulls when a conversation went wrong.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frostholm/cueline/pkg/session"
)

const (
	// defaultDuplicateWindow suppresses re-delivered copies of the same
	// utterance. The upstream session occasionally repeats a message event
	// when its own transport hiccups.
	defaultDuplicateWindow = 1500 * time.Millisecond

	defaultMemCapacity = 400
)

// Entry is one recorded utterance.
type Entry struct {
	ID        string
	Role      session.Role
	Text      string
	Timestamp time.Time
}

// Log is the storage boundary for transcript entries. Implementations must
// be safe for concurrent use.
type Log interface {
	// Append stores one entry.
	Append(ctx context.Context, entry Entry) error

	// Recent returns up to n entries, newest last. n <= 0 applies an
	// implementation default.
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// ── in-memory log ─────────────────────────────────────────────────────────────

// MemLog is a bounded in-memory Log. When full, the oldest entry is evicted.
// It is the default backend when no database is configured.
type MemLog struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

var _ Log = (*MemLog)(nil)

// NewMemLog creates a MemLog holding at most capacity entries. capacity <= 0
// uses the default of 400.
func NewMemLog(capacity int) *MemLog {
	if capacity <= 0 {
		capacity = defaultMemCapacity
	}
	return &MemLog{cap: capacity}
}

// Append implements Log.
func (m *MemLog) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.cap {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Recent implements Log.
func (m *MemLog) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]Entry, n)
	copy(out, m.entries[len(m.entries)-n:])
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ── recorder ──────────────────────────────────────────────────────────────────

// RecorderOption is a functional option for configuring a Recorder.
type RecorderOption func(*Recorder)

// WithDuplicateWindow sets how long an identical utterance from the same
// role is suppressed. Defaults to 1.5s.
func WithDuplicateWindow(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.window = d }
}

// WithClock replaces the time source. Used in tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = log }
}

// Recorder writes utterances into a Log, suppressing re-delivered
// duplicates. Safe for concurrent use.
type Recorder struct {
	store  Log
	logger *slog.Logger
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastRole session.Role
	lastText string
	lastAt   time.Time
}

// NewRecorder creates a Recorder writing into store.
func NewRecorder(store Log, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		window: defaultDuplicateWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record stores one utterance and reports whether it was kept. Blank text
// and re-deliveries of the previous utterance within the duplicate window
// are discarded. Storage failures are logged, not returned; losing a
// transcript line must never stall the event loop.
func (r *Recorder) Record(ctx context.Context, role session.Role, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	r.mu.Lock()
	now := r.now()
	if text == r.lastText && role == r.lastRole && now.Sub(r.lastAt) < r.window {
		r.mu.Unlock()
		return false
	}
	r.lastRole = role
	r.lastText = text
	r.lastAt = now
	r.mu.Unlock()

	entry := Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: now,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Warn("transcript entry not stored", "role", role, "error", err)
	}
	return true
}
