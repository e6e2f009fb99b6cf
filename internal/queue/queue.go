// Package queue holds segmented sentences pending delivery to the display
// sink.
//
// The queue is the cancellation point of the text path. Every sentence passes
// through it, and an interruption invalidates whatever has not yet been
// handed to the transport. Cancellation is generation-based: aborting bumps a
// counter and clears the backlog, so work queued for a dead turn can never be
// delivered after a new turn begins.
//
// A single worker goroutine drains the backlog. It is started lazily on the
// first enqueue after an idle period and exits once the backlog is empty,
// re-checking for arrivals before it does. Draining is throttled so a burst
// of short sentences does not flood the sink, and a short dedupe window
// suppresses back-to-back repeats of the same text.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/frostholm/cueline/pkg/wire"
)

const (
	defaultThrottle      = 50 * time.Millisecond
	defaultDedupeWindow  = 2 * time.Second
	defaultPauseInterval = 150 * time.Millisecond
)

// Sender delivers one framed payload. *link.Link satisfies this.
type Sender interface {
	Send(wire.Payload) error
}

// Option is a functional option for configuring a Queue.
type Option func(*Queue)

// WithThrottle sets the delay between consecutive sends. Defaults to 50ms.
func WithThrottle(d time.Duration) Option {
	return func(q *Queue) { q.throttle = d }
}

// WithDedupeWindow sets how long an identical sentence is suppressed after
// being sent. Defaults to 2s.
func WithDedupeWindow(d time.Duration) Option {
	return func(q *Queue) { q.dedupeWindow = d }
}

// WithPauseInterval sets the minimum spacing between pause control payloads
// emitted by Abort. Defaults to 150ms.
func WithPauseInterval(d time.Duration) Option {
	return func(q *Queue) { q.pauseInterval = d }
}

// WithAbortFunc registers a callback invoked synchronously inside Abort,
// after the backlog is cleared. The turn controller uses it to discard the
// segmenter remainder so no text survives an interruption.
func WithAbortFunc(fn func()) Option {
	return func(q *Queue) { q.onAbort = fn }
}

// WithSentFunc registers a callback invoked after each successful send, with
// deduped reporting whether the sentence was suppressed instead.
func WithSentFunc(fn func(text string, deduped bool)) Option {
	return func(q *Queue) { q.onSent = fn }
}

// WithDepthFunc registers a callback invoked with the backlog size whenever
// it changes. Used to feed the queue depth gauge.
func WithDepthFunc(fn func(depth int)) Option {
	return func(q *Queue) { q.onDepth = fn }
}

// WithClock replaces the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// Queue is the cancelable delivery queue. All methods are safe for
// concurrent use.
type Queue struct {
	sender        Sender
	log           *slog.Logger
	throttle      time.Duration
	dedupeWindow  time.Duration
	pauseInterval time.Duration
	onAbort       func()
	onSent        func(string, bool)
	onDepth       func(int)
	now           func() time.Time

	mu          sync.Mutex
	pending     []string
	generation  uint64
	draining    bool
	lastText    string
	lastSentAt  time.Time
	lastPauseAt time.Time
}

// New creates a Queue that delivers through sender.
func New(sender Sender, opts ...Option) *Queue {
	q := &Queue{
		sender:        sender,
		log:           slog.Default(),
		throttle:      defaultThrottle,
		dedupeWindow:  defaultDedupeWindow,
		pauseInterval: defaultPauseInterval,
		now:           time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends sentences to the backlog and ensures a drain worker is
// running. Empty strings are ignored.
func (q *Queue) Enqueue(sentences ...string) {
	q.mu.Lock()
	for _, s := range sentences {
		if s == "" {
			continue
		}
		q.pending = append(q.pending, s)
	}
	depth := len(q.pending)
	start := depth > 0 && !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if q.onDepth != nil {
		q.onDepth(depth)
	}
	if start {
		go q.drain()
	}
}

// Abort invalidates every sentence not yet handed to the transport: it bumps
// the generation, clears the backlog, runs the abort callback, and emits one
// pause control payload (rate-limited). An in-flight send is not interrupted,
// but nothing queued behind it survives.
func (q *Queue) Abort(reason string) {
	q.mu.Lock()
	q.generation++
	gen := q.generation
	discarded := len(q.pending)
	q.pending = nil
	now := q.now()
	sendPause := now.Sub(q.lastPauseAt) >= q.pauseInterval || q.lastPauseAt.IsZero()
	if sendPause {
		q.lastPauseAt = now
	}
	q.mu.Unlock()

	q.log.Info("delivery aborted", "reason", reason, "generation", gen, "discarded", discarded)
	if q.onDepth != nil {
		q.onDepth(0)
	}
	if q.onAbort != nil {
		q.onAbort()
	}
	if sendPause {
		if err := q.sender.Send(wire.Pause); err != nil {
			q.log.Warn("pause signal not sent", "error", err)
		}
	}
}

// Reconfigure applies new timing values at runtime. The next drain iteration
// picks them up; sentences already committed for sending are unaffected.
func (q *Queue) Reconfigure(throttle, dedupeWindow, pauseInterval time.Duration) {
	q.mu.Lock()
	q.throttle = throttle
	q.dedupeWindow = dedupeWindow
	q.pauseInterval = pauseInterval
	q.mu.Unlock()
	q.log.Info("delivery timings updated",
		"throttle", throttle, "dedupe_window", dedupeWindow, "pause_interval", pauseInterval)
}

// ResetTurn clears the dedupe state so the first sentence of a new turn is
// never suppressed by a stale match from the previous one.
func (q *Queue) ResetTurn() {
	q.mu.Lock()
	q.lastText = ""
	q.lastSentAt = time.Time{}
	q.mu.Unlock()
}

// Depth returns the number of sentences waiting in the backlog.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Generation returns the current cancellation generation.
func (q *Queue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// drain is the single worker loop. Popping, the dedupe decision and its
// bookkeeping happen in one critical section together with a generation
// capture; before the popped sentence is handed to the transport the
// generation is compared again, so an Abort racing the pop invalidates the
// item instead of letting it slip out after the interruption.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		depth := len(q.pending)
		gen := q.generation
		throttle := q.throttle
		now := q.now()
		if item == q.lastText && now.Sub(q.lastSentAt) < q.dedupeWindow {
			q.mu.Unlock()
			if q.onDepth != nil {
				q.onDepth(depth)
			}
			if q.onSent != nil {
				q.onSent(item, true)
			}
			continue
		}
		q.lastText = item
		q.lastSentAt = now
		q.mu.Unlock()

		if q.onDepth != nil {
			q.onDepth(depth)
		}

		q.mu.Lock()
		aborted := q.generation != gen
		q.mu.Unlock()
		if aborted {
			q.log.Debug("sentence invalidated by abort", "generation", gen)
			continue
		}

		if err := q.sender.Send(wire.Sentence(item)); err != nil {
			q.log.Warn("sentence not sent", "error", err)
		}
		if q.onSent != nil {
			q.onSent(item, false)
		}
		time.Sleep(throttle)
	}
}
