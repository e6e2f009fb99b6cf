package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/frostholm/cueline/pkg/wire"
)

// recordingSender records payloads and can block a designated send until
// released, to pin the worker mid-drain.
type recordingSender struct {
	mu       sync.Mutex
	payloads []wire.Payload

	blockOn  wire.Payload  // when non-empty, the first send of this payload blocks
	entered  chan struct{} // closed when the blocked send is reached
	release  chan struct{} // close to let the blocked send finish
	blocked  bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *recordingSender) Send(p wire.Payload) error {
	s.mu.Lock()
	shouldBlock := s.blockOn != "" && p == s.blockOn && !s.blocked
	if shouldBlock {
		s.blocked = true
	}
	s.mu.Unlock()

	if shouldBlock {
		close(s.entered)
		<-s.release
	}

	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) sent() []wire.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
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

func TestEnqueue_DrainsInOrder(t *testing.T) {
	sender := newRecordingSender()
	q := New(sender, WithThrottle(0))

	q.Enqueue("alpha", "beta")
	q.Enqueue("gamma")

	waitFor(t, func() bool { return len(sender.sent()) == 3 }, "backlog not drained")
	want := []wire.Payload{
		wire.Sentence("alpha"),
		wire.Sentence("beta"),
		wire.Sentence("gamma"),
	}
	got := sender.sent()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnqueue_IgnoresEmptyStrings(t *testing.T) {
	sender := newRecordingSender()
	q := New(sender, WithThrottle(0))

	q.Enqueue("", "only", "")
	waitFor(t, func() bool { return len(sender.sent()) == 1 }, "sentence not sent")
	time.Sleep(10 * time.Millisecond)
	if got := sender.sent(); len(got) != 1 || got[0] != wire.Sentence("only") {
		t.Errorf("sent = %v, want just %q", got, wire.Sentence("only"))
	}
}

func TestAbort_DiscardsBacklogMidDrain(t *testing.T) {
	sender := newRecordingSender()
	sender.blockOn = wire.Sentence("alpha")

	abortCalled := false
	q := New(sender,
		WithThrottle(0),
		WithAbortFunc(func() { abortCalled = true }),
	)

	q.Enqueue("alpha", "beta", "gamma")
	<-sender.entered // worker is pinned inside the send of "alpha"

	q.Abort("interruption")
	close(sender.release)

	waitFor(t, func() bool { return q.Depth() == 0 && len(sender.sent()) >= 2 }, "abort not processed")
	time.Sleep(10 * time.Millisecond)

	for _, p := range sender.sent() {
		if p == wire.Sentence("beta") || p == wire.Sentence("gamma") {
			t.Errorf("stale sentence %q sent after abort", p)
		}
	}
	found := false
	for _, p := range sender.sent() {
		if p == wire.Pause {
			found = true
		}
	}
	if !found {
		t.Error("abort did not emit pause payload")
	}
	if !abortCalled {
		t.Error("abort callback not invoked")
	}
	if q.Generation() != 1 {
		t.Errorf("Generation = %d, want 1", q.Generation())
	}
}

func TestAbort_PauseRateLimited(t *testing.T) {
	sender := newRecordingSender()
	clock := newFakeClock()
	q := New(sender, WithClock(clock.now))

	q.Abort("first")
	q.Abort("second") // same instant, suppressed

	pauses := 0
	for _, p := range sender.sent() {
		if p == wire.Pause {
			pauses++
		}
	}
	if pauses != 1 {
		t.Fatalf("pause payloads = %d, want 1", pauses)
	}

	clock.advance(151 * time.Millisecond)
	q.Abort("third")

	pauses = 0
	for _, p := range sender.sent() {
		if p == wire.Pause {
			pauses++
		}
	}
	if pauses != 2 {
		t.Fatalf("pause payloads after interval = %d, want 2", pauses)
	}
}

func TestAbort_InvalidatesSentenceAlreadyPopped(t *testing.T) {
	sender := newRecordingSender()

	// The depth callback fires after the worker has popped the sentence but
	// before it reaches the transport; aborting there must still stop it.
	var q *Queue
	var fired bool
	q = New(sender,
		WithThrottle(0),
		WithDepthFunc(func(d int) {
			if d == 0 && !fired {
				fired = true
				q.Abort("interruption")
			}
		}),
	)

	q.Enqueue("doomed")

	waitFor(t, func() bool { return len(sender.sent()) >= 1 }, "abort pause not emitted")
	time.Sleep(10 * time.Millisecond)

	got := sender.sent()
	for _, p := range got {
		if p == wire.Sentence("doomed") {
			t.Errorf("sentence delivered despite abort racing the pop: %v", got)
		}
	}
	if got[0] != wire.Pause {
		t.Errorf("sent = %v, want only the pause payload", got)
	}
	if q.Generation() != 1 {
		t.Errorf("Generation = %d, want 1", q.Generation())
	}
}

func TestReconfigure_AppliesNewDedupeWindow(t *testing.T) {
	sender := newRecordingSender()
	clock := newFakeClock()
	q := New(sender, WithThrottle(0), WithClock(clock.now), WithDedupeWindow(time.Hour))

	q.Enqueue("steady line")
	waitFor(t, func() bool { return len(sender.sent()) == 1 }, "first send missing")

	// Inside the hour-long window the repeat is suppressed.
	q.Enqueue("steady line")
	waitFor(t, func() bool { return q.Depth() == 0 }, "backlog not drained")
	time.Sleep(10 * time.Millisecond)
	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(got))
	}

	// A runtime config change shrinks the window; the same repeat now goes
	// through without restarting the queue.
	q.Reconfigure(0, time.Millisecond, defaultPauseInterval)
	clock.advance(2 * time.Millisecond)
	q.Enqueue("steady line")
	waitFor(t, func() bool { return len(sender.sent()) == 2 }, "repeat after reconfigure not sent")
}

func TestDedupe_SuppressesRepeatWithinWindow(t *testing.T) {
	sender := newRecordingSender()
	clock := newFakeClock()

	var (
		mu     sync.Mutex
		events []bool
	)
	q := New(sender,
		WithThrottle(0),
		WithClock(clock.now),
		WithSentFunc(func(_ string, deduped bool) {
			mu.Lock()
			events = append(events, deduped)
			mu.Unlock()
		}),
	)

	q.Enqueue("hello there")
	q.Enqueue("hello there")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, "both enqueues not processed")

	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("sent %d payloads, want 1 (repeat suppressed)", len(got))
	}

	clock.advance(2100 * time.Millisecond)
	q.Enqueue("hello there")
	waitFor(t, func() bool { return len(sender.sent()) == 2 }, "repeat after window not sent")
}

func TestResetTurn_ClearsDedupeState(t *testing.T) {
	sender := newRecordingSender()
	clock := newFakeClock()
	q := New(sender, WithThrottle(0), WithClock(clock.now))

	q.Enqueue("again")
	waitFor(t, func() bool { return len(sender.sent()) == 1 }, "first send missing")

	q.ResetTurn()
	q.Enqueue("again")
	waitFor(t, func() bool { return len(sender.sent()) == 2 }, "repeat after turn reset not sent")
}

func TestDepthFunc_TracksBacklog(t *testing.T) {
	sender := newRecordingSender()
	sender.blockOn = wire.Sentence("alpha")

	var mu sync.Mutex
	var depths []int
	q := New(sender, WithThrottle(0), WithDepthFunc(func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	}))

	q.Enqueue("alpha")
	<-sender.entered
	q.Enqueue("beta", "gamma")
	close(sender.release)

	waitFor(t, func() bool { return len(sender.sent()) == 3 }, "backlog not drained")

	mu.Lock()
	last := depths[len(depths)-1]
	peak := 0
	for _, d := range depths {
		if d > peak {
			peak = d
		}
	}
	mu.Unlock()

	if last != 0 {
		t.Errorf("final depth = %d, want 0", last)
	}
	if peak < 2 {
		t.Errorf("peak depth = %d, want at least 2", peak)
	}
}
