package turn

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/frostholm/cueline/pkg/session"
	"github.com/frostholm/cueline/pkg/session/mock"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	aborts   []string
	resets   int
}

func (q *fakeQueue) Enqueue(sentences ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, sentences...)
}

func (q *fakeQueue) Abort(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborts = append(q.aborts, reason)
}

func (q *fakeQueue) ResetTurn() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resets++
}

func (q *fakeQueue) snapshot() ([]string, []string, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...), append([]string(nil), q.aborts...), q.resets
}

// fakeSegmenter emits one sentence per fragment: the fragment itself.
// FlushRemainder returns the configured remainder once.
type fakeSegmenter struct {
	mu        sync.Mutex
	pushed    []string
	remainder string
	resets    int
}

func (s *fakeSegmenter) PushPartial(fragment string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, fragment)
	return []string{fragment}
}

func (s *fakeSegmenter) FlushRemainder() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := s.remainder
	s.remainder = ""
	return rem, rem != ""
}

func (s *fakeSegmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

type fakeCapture struct {
	mu          sync.Mutex
	enqueued    int
	transcribed int
	pauses      int
	resumes     int
}

func (c *fakeCapture) Enqueue(_ context.Context, _ []byte, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueued++
}

func (c *fakeCapture) Transcribe(_ context.Context, _ []byte, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcribed++
}

func (c *fakeCapture) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauses++
}

func (c *fakeCapture) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumes++
}

type recordedUtterance struct {
	role session.Role
	text string
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedUtterance
}

func (r *fakeRecorder) Record(_ context.Context, role session.Role, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedUtterance{role: role, text: text})
	return true
}

func (r *fakeRecorder) snapshot() []recordedUtterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedUtterance(nil), r.records...)
}

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	sess *mock.Session
	q    *fakeQueue
	seg  *fakeSegmenter
	cap  *fakeCapture
	rec  *fakeRecorder
	done chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sess: mock.New(),
		q:    &fakeQueue{},
		seg:  &fakeSegmenter{},
		cap:  &fakeCapture{},
		rec:  &fakeRecorder{},
		done: make(chan error, 1),
	}
	c := New(h.sess, h.q, h.seg, h.cap, h.rec, opts...)
	go func() { h.done <- c.Run(context.Background()) }()
	return h
}

// finish closes the event stream and waits for Run to return.
func (h *harness) finish(t *testing.T) {
	t.Helper()
	h.sess.CloseEvents()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after event stream closed")
	}
}

func pcmFrame(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte{0x34, 0x12, 0x78, 0x56})
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestInterruption_AbortsAndMutes(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitMessage(session.RoleAgent, "I was saying")
	h.sess.EmitMode(session.ModeListening) // user cut in
	h.finish(t)

	enqueued, aborts, _ := h.q.snapshot()
	if len(enqueued) != 1 || enqueued[0] != "I was saying" {
		t.Errorf("enqueued = %v, want the agent sentence", enqueued)
	}
	if len(aborts) != 1 {
		t.Fatalf("aborts = %v, want exactly one", aborts)
	}
	if h.cap.pauses != 1 {
		t.Errorf("capture pauses = %d, want 1", h.cap.pauses)
	}
	vols := h.sess.Volumes()
	if len(vols) != 1 || vols[0] != 0 {
		t.Errorf("volumes = %v, want single mute to 0", vols)
	}
}

func TestNaturalEnd_FlushesRemainder(t *testing.T) {
	h := newHarness(t)
	h.seg.remainder = "and that is all"

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitMode(session.ModeWaiting)
	h.finish(t)

	enqueued, aborts, _ := h.q.snapshot()
	if len(aborts) != 0 {
		t.Errorf("aborts = %v, want none for natural completion", aborts)
	}
	if len(enqueued) != 1 || enqueued[0] != "and that is all" {
		t.Errorf("enqueued = %v, want the flushed remainder", enqueued)
	}
}

func TestNewTurn_ResetsStateAndRestoresVolume(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitMode(session.ModeListening) // interruption mutes
	h.sess.EmitMode(session.ModeSpeaking)  // next turn
	h.finish(t)

	_, _, resets := h.q.snapshot()
	if resets != 2 {
		t.Errorf("queue turn resets = %d, want 2", resets)
	}
	if h.seg.resets != 2 {
		t.Errorf("segmenter resets = %d, want 2", h.seg.resets)
	}
	if h.cap.resumes != 2 {
		t.Errorf("capture resumes = %d, want 2", h.cap.resumes)
	}
	vols := h.sess.Volumes()
	if len(vols) != 2 || vols[0] != 0 || vols[1] != 1.0 {
		t.Errorf("volumes = %v, want mute then restore to 1.0", vols)
	}
}

func TestExplicitInterruption_WorksInAnyMode(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeWaiting)
	h.sess.EmitInterruption("evt-42")
	h.finish(t)

	_, aborts, _ := h.q.snapshot()
	if len(aborts) != 1 {
		t.Fatalf("aborts = %v, want one regardless of mode", aborts)
	}
	if h.cap.pauses != 1 {
		t.Errorf("capture pauses = %d, want 1", h.cap.pauses)
	}
}

func TestLateAgentDelta_DroppedAfterInterruption(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitInterruption("evt-1")
	h.sess.EmitMessage(session.RoleAgent, "trailing delta")
	h.finish(t)

	enqueued, _, _ := h.q.snapshot()
	for _, s := range enqueued {
		if s == "trailing delta" {
			t.Error("late agent delta was enqueued after interruption")
		}
	}
	// The utterance is still recorded for the transcript.
	recs := h.rec.snapshot()
	if len(recs) != 1 || recs[0].text != "trailing delta" {
		t.Errorf("records = %v, want the delta recorded", recs)
	}
}

func TestClassify_UnlabelledMessages(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, WithClock(clock))

	h.sess.EmitMode(session.ModeListening)
	h.sess.EmitMessage(session.RoleUnknown, "fresh user speech")

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitMessage(session.RoleUnknown, "agent delta")

	h.sess.EmitMode(session.ModeListening)
	mu.Lock()
	now = now.Add(7 * time.Second)
	mu.Unlock()
	h.sess.EmitMessage(session.RoleUnknown, "stale transcript tail")
	h.finish(t)

	recs := h.rec.snapshot()
	if len(recs) != 3 {
		t.Fatalf("records = %v, want 3", recs)
	}
	want := []session.Role{session.RoleUser, session.RoleAgent, session.RoleAgent}
	for i, w := range want {
		if recs[i].role != w {
			t.Errorf("records[%d].role = %q, want %q", i, recs[i].role, w)
		}
	}
}

func TestAudio_TranscribedOnlyWithoutTextDeltas(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitAudio(pcmFrame(t)) // no deltas yet: transcription path active
	h.sess.EmitMessage(session.RoleAgent, "now text arrives")
	h.sess.EmitAudio(pcmFrame(t)) // deltas available: capture only
	h.finish(t)

	if h.cap.enqueued != 2 {
		t.Errorf("capture enqueued = %d, want 2", h.cap.enqueued)
	}
	if h.cap.transcribed != 1 {
		t.Errorf("transcribed = %d, want 1 (only before first delta)", h.cap.transcribed)
	}
}

func TestAudio_DroppedOutsideSpeaking(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeListening)
	h.sess.EmitAudio(pcmFrame(t))
	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.EmitInterruption("evt-9")
	h.sess.EmitAudio(pcmFrame(t))
	h.finish(t)

	if h.cap.enqueued != 0 {
		t.Errorf("capture enqueued = %d, want 0", h.cap.enqueued)
	}
}

func TestAudio_MalformedFrameSkipped(t *testing.T) {
	h := newHarness(t)

	h.sess.EmitMode(session.ModeSpeaking)
	h.sess.Emit(session.AudioFrame{Data: "!!not-base64!!", Format: h.sess.OutputFormat()})
	h.sess.EmitAudio(pcmFrame(t))
	h.finish(t)

	if h.cap.enqueued != 1 {
		t.Errorf("capture enqueued = %d, want 1 (malformed frame skipped)", h.cap.enqueued)
	}
}
