// Package link maintains the persistent WebSocket connection to the display
// sink and delivers framed payloads over it.
//
// The link owns reconnection: it dials, watches for disconnects, and retries
// with exponential backoff forever. Payloads submitted while the connection
// is down accumulate in a bounded buffer that drops its oldest entry on
// overflow, so a long outage costs stale sentences rather than memory.
// Delivery order is first-in first-out across reconnects.
package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frostholm/cueline/pkg/wire"
)

const (
	defaultBufferSize = 50
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// ErrNotRunning is returned by Send after the link's Run loop has exited.
var ErrNotRunning = errors.New("link: not running")

// Conn is a single established connection to the sink. Implementations must
// allow Close to be called concurrently with Write.
type Conn interface {
	// Write delivers one text frame. A failed write leaves the connection in
	// an undefined state; the caller should close it and redial.
	Write(ctx context.Context, data []byte) error

	// Closed returns a channel that is closed once the peer disconnects or
	// the connection fails.
	Closed() <-chan struct{}

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer establishes connections to the sink. The default implementation
// dials a WebSocket; tests inject scripted conns.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Option is a functional option for configuring a Link.
type Option func(*Link)

// WithDialer replaces the WebSocket dialer. Primarily used in tests.
func WithDialer(d Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

// WithBufferSize sets how many payloads may wait for delivery before the
// oldest is dropped. Defaults to 50.
func WithBufferSize(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithBackoff sets the initial and maximum reconnect delays. The delay
// doubles after each failed dial or lost connection, caps at max, and resets
// to min once a connection is established. Defaults to 500ms and 10s.
func WithBackoff(min, max time.Duration) Option {
	return func(l *Link) {
		if min > 0 {
			l.minBackoff = min
		}
		if max >= min {
			l.maxBackoff = max
		}
	}
}

// WithStateFunc registers a callback invoked from the Run goroutine whenever
// the connection is established (true) or lost (false). The callback must not
// block.
func WithStateFunc(fn func(connected bool)) Option {
	return func(l *Link) { l.onState = fn }
}

// WithDropFunc registers a callback invoked whenever a buffered payload is
// discarded to make room for a newer one.
func WithDropFunc(fn func(dropped wire.Payload)) Option {
	return func(l *Link) { l.onDrop = fn }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(l *Link) { l.log = log }
}

// Link is the persistent transport to the display sink. Construct with New,
// start with Run, and submit payloads with Send from any goroutine.
type Link struct {
	url        string
	dialer     Dialer
	log        *slog.Logger
	bufferSize int
	minBackoff time.Duration
	maxBackoff time.Duration
	onState    func(bool)
	onDrop     func(wire.Payload)

	// sleep waits d or until ctx is done, reporting whether the full delay
	// elapsed. Replaced in tests to observe the reconnect schedule.
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	pending []wire.Payload
	stopped bool
	notify  chan struct{}
}

// New creates a Link targeting url. The link does nothing until Run is
// called.
func New(url string, opts ...Option) *Link {
	l := &Link{
		url:        url,
		dialer:     wsDialer{},
		log:        slog.Default(),
		bufferSize: defaultBufferSize,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		sleep:      sleepCtx,
		notify:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Send queues payload for delivery. It never blocks: when the buffer is full
// the oldest waiting payload is discarded first. Returns ErrNotRunning only
// after Run has exited.
func (l *Link) Send(p wire.Payload) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrNotRunning
	}
	var dropped wire.Payload
	var didDrop bool
	if len(l.pending) >= l.bufferSize {
		dropped = l.pending[0]
		didDrop = true
		l.pending = l.pending[1:]
	}
	l.pending = append(l.pending, p)
	depth := len(l.pending)
	l.mu.Unlock()

	if didDrop {
		l.log.Warn("outbound buffer full, dropping oldest payload", "depth", depth)
		if l.onDrop != nil {
			l.onDrop(dropped)
		}
	}

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of payloads waiting for delivery.
func (l *Link) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Run dials, delivers and redials until ctx is cancelled. It retries failed
// dials forever; the sink being down is an expected condition, not an error.
// Every redial, whether after a failed dial or a lost connection, waits the
// current backoff first. The backoff resets to its floor when a connection is
// established. Run always returns nil after cleanup so it can sit directly in
// an errgroup.
func (l *Link) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
	}()

	backoff := l.minBackoff
	for {
		conn, err := l.dialer.Dial(ctx, l.url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("sink dial failed, retrying", "url", l.url, "backoff", backoff, "error", err)
			if !l.sleep(ctx, backoff) {
				return nil
			}
			backoff = l.nextBackoff(backoff)
			continue
		}

		backoff = l.minBackoff
		l.log.Info("sink connected", "url", l.url)
		if l.onState != nil {
			l.onState(true)
		}

		l.serve(ctx, conn)
		conn.Close()

		if l.onState != nil {
			l.onState(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("sink disconnected, reconnecting", "url", l.url, "backoff", backoff)
		if !l.sleep(ctx, backoff) {
			return nil
		}
		backoff = l.nextBackoff(backoff)
	}
}

func (l *Link) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > l.maxBackoff {
		next = l.maxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve flushes pending payloads over conn and then waits for more work,
// returning when the connection dies or ctx is cancelled. Only this goroutine
// writes, so delivery stays in order.
func (l *Link) serve(ctx context.Context, conn Conn) {
	for {
		for {
			p, ok := l.popFront()
			if !ok {
				break
			}
			if err := conn.Write(ctx, []byte(p)); err != nil {
				// The frame was not confirmed delivered; put it back so the
				// next connection retries it first.
				l.pushFront(p)
				if ctx.Err() == nil {
					l.log.Warn("sink write failed", "error", err)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-conn.Closed():
			return
		case <-l.notify:
		}
	}
}

func (l *Link) popFront() (wire.Payload, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return "", false
	}
	p := l.pending[0]
	l.pending = l.pending[1:]
	return p, true
}

func (l *Link) pushFront(p wire.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append([]wire.Payload{p}, l.pending...)
}
