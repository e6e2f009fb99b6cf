package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/frostholm/cueline/pkg/wire"
)

// fakeConn is a scripted Conn that records written frames.
type fakeConn struct {
	mu        sync.Mutex
	frames    []string
	failWrite int // fail this many writes before succeeding
	closedCh  chan struct{}
	closeOnce sync.Once
	wrote     chan struct{} // signalled after every successful write
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		closedCh: make(chan struct{}),
		wrote:    make(chan struct{}, 64),
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite > 0 {
		c.failWrite--
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, string(data))
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.closedCh }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) writtenFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

// fakeDialer returns scripted results in order, then repeats the last one.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	conn Conn
	err  error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	i := d.calls - 1
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	r := d.results[i]
	return r.conn, r.err
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// sleepRecorder replaces the link's backoff wait and records each requested
// delay without actually sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLink_DeliversBufferedPayloadsInOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	l := New("ws://sink", WithDialer(dialer), WithBackoff(time.Millisecond, 4*time.Millisecond))

	// Queue before Run so everything is pending when the dial succeeds.
	l.Send(wire.Sentence("first"))
	l.Send(wire.Sentence("second"))
	l.Send(wire.Pause)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(conn.writtenFrames()) == 3 }, "frames not delivered")
	want := []string{"sentence-send^first", "sentence-send^second", "action^pause"}
	got := conn.writtenFrames()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	cancel()
	<-done
	if err := l.Send(wire.Sentence("late")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send after Run exit = %v, want ErrNotRunning", err)
	}
}

func TestLink_OverflowDropsOldest(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped []wire.Payload
	)
	// Dialer never connects, so everything stays buffered.
	dialer := &fakeDialer{results: []dialResult{{err: errors.New("refused")}}}
	l := New("ws://sink",
		WithDialer(dialer),
		WithBufferSize(3),
		WithBackoff(time.Millisecond, time.Millisecond),
		WithDropFunc(func(p wire.Payload) {
			mu.Lock()
			dropped = append(dropped, p)
			mu.Unlock()
		}),
	)

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		l.Send(wire.Sentence(s))
	}

	if got := l.Depth(); got != 3 {
		t.Errorf("Depth = %d, want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 2 {
		t.Fatalf("dropped %d payloads, want 2", len(dropped))
	}
	if dropped[0] != wire.Sentence("a") || dropped[1] != wire.Sentence("b") {
		t.Errorf("dropped = %v, want oldest two", dropped)
	}
}

func TestLink_RetriesDialUntilConnected(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: conn},
	}}

	var (
		mu     sync.Mutex
		states []bool
	)
	l := New("ws://sink",
		WithDialer(dialer),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithStateFunc(func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool { return dialer.callCount() >= 4 }, "dial not retried")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 1 && states[0]
	}, "state callback not invoked on connect")
}

func TestLink_WriteFailureRequeuesAndRedials(t *testing.T) {
	bad := newFakeConn()
	bad.failWrite = 1
	good := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: bad}, {conn: good}}}

	l := New("ws://sink", WithDialer(dialer), WithBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Send(wire.Sentence("keep me"))

	waitFor(t, func() bool { return len(good.writtenFrames()) == 1 }, "frame not redelivered after write failure")
	if got := good.writtenFrames()[0]; got != "sentence-send^keep me" {
		t.Errorf("redelivered frame = %q, want %q", got, "sentence-send^keep me")
	}
	if len(bad.writtenFrames()) != 0 {
		t.Errorf("bad conn recorded %v, want none", bad.writtenFrames())
	}
}

func TestLink_WaitsBackoffBeforeRedialAfterDisconnect(t *testing.T) {
	// A sink that accepts connections and immediately drops them must not
	// produce an unthrottled dial loop: every redial waits the backoff first.
	closed := newFakeConn()
	closed.Close()
	dialer := &fakeDialer{results: []dialResult{{conn: closed}}}

	rec := &sleepRecorder{}
	l := New("ws://sink", WithDialer(dialer), WithBackoff(500*time.Millisecond, 10*time.Second))
	l.sleep = rec.sleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return dialer.callCount() >= 4 }, "link did not cycle through reconnects")
	cancel()
	<-done

	dials := dialer.callCount()
	delays := rec.recorded()
	if len(delays) < dials-1 {
		t.Fatalf("%d dials but only %d backoff waits, want one wait between every pair", dials, len(delays))
	}
	for i, d := range delays {
		if d < 500*time.Millisecond {
			t.Errorf("delay[%d] = %v, want at least the 500ms floor", i, d)
		}
	}
}

func TestLink_BackoffDoublesAndResetsOnConnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: conn},
	}}

	rec := &sleepRecorder{}
	var (
		mu     sync.Mutex
		states []bool
	)
	l := New("ws://sink",
		WithDialer(dialer),
		WithBackoff(500*time.Millisecond, 2*time.Second),
		WithStateFunc(func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		}),
	)
	l.sleep = rec.sleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 1 && states[0]
	}, "link never connected")

	conn.Close()
	waitFor(t, func() bool { return len(rec.recorded()) >= 5 }, "no backoff wait after disconnect")
	cancel()
	<-done

	delays := rec.recorded()

	// Four failed dials: non-decreasing, doubling, capped at the ceiling.
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 2 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	// The successful connection reset the backoff, so the wait after the
	// disconnect starts from the floor again.
	if delays[4] != 500*time.Millisecond {
		t.Errorf("delay after disconnect = %v, want the 500ms floor", delays[4])
	}
}

func TestLink_ReconnectsAfterDisconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: first}, {conn: second}}}

	l := New("ws://sink", WithDialer(dialer), WithBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Send(wire.Sentence("before drop"))
	waitFor(t, func() bool { return len(first.writtenFrames()) == 1 }, "first frame not delivered")

	first.Close()
	waitFor(t, func() bool { return dialer.callCount() >= 2 }, "link did not redial")

	l.Send(wire.Sentence("after drop"))
	waitFor(t, func() bool { return len(second.writtenFrames()) == 1 }, "frame not delivered on new conn")
	if got := second.writtenFrames()[0]; got != "sentence-send^after drop" {
		t.Errorf("frame = %q, want %q", got, "sentence-send^after drop")
	}
}
