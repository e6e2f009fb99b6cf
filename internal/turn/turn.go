// Package turn implements the conversational state machine that decides what
// happens to in-flight agent output when the conversation changes direction.
//
// The controller consumes the upstream session's event stream on a single
// goroutine and reacts to transitions, not states: leaving speaking for
// listening means the user cut the agent off, so undelivered text is aborted
// and the audio path muted, while leaving speaking for idle or waiting means
// the agent finished naturally, so the segmenter's trailing fragment is
// flushed downstream instead. Everything the bridge does flows from that
// distinction.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frostholm/cueline/pkg/audio"
	"github.com/frostholm/cueline/pkg/session"
)

// listeningWindow bounds how long after entering listening an unlabelled
// message is still attributed to the user. Later unlabelled messages are
// almost always late agent transcript deltas.
const listeningWindow = 6 * time.Second

// Deliverer is the sentence delivery queue. *queue.Queue satisfies this.
type Deliverer interface {
	Enqueue(sentences ...string)
	Abort(reason string)
	ResetTurn()
}

// Segmenter is the incremental sentence splitter. *segment.Segmenter
// satisfies this.
type Segmenter interface {
	PushPartial(fragment string) []string
	FlushRemainder() (string, bool)
	Reset()
}

// Capturer is the audio chunk pipeline. *capture.Pipeline satisfies this.
type Capturer interface {
	Enqueue(ctx context.Context, data []byte, contentType string)
	Transcribe(ctx context.Context, blob []byte, contentType string)
	Pause()
	Resume()
}

// Recorder stores conversation utterances. *transcript.Recorder satisfies
// this.
type Recorder interface {
	Record(ctx context.Context, role session.Role, text string) bool
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithClock replaces the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithModeFunc registers a callback invoked on every mode change.
func WithModeFunc(fn func(mode session.Mode)) Option {
	return func(c *Controller) { c.onMode = fn }
}

// Controller drives the queue, segmenter and audio pipeline from session
// events. All state is confined to the Run goroutine.
type Controller struct {
	sess     session.Session
	queue    Deliverer
	segments Segmenter
	audioCap Capturer
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time
	onMode   func(session.Mode)

	mode           session.Mode
	listeningSince time.Time
	interrupted    bool
	sawAgentText   bool
	savedVolume    float64
	muted          bool
}

// New creates a Controller over sess wiring queue, segments, audioCap and
// recorder together. Any of audioCap and recorder may be nil to disable that
// path.
func New(sess session.Session, queue Deliverer, segments Segmenter, audioCap Capturer, recorder Recorder, opts ...Option) *Controller {
	c := &Controller{
		sess:        sess,
		queue:       queue,
		segments:    segments,
		audioCap:    audioCap,
		recorder:    recorder,
		log:         slog.Default(),
		now:         time.Now,
		mode:        session.ModeIdle,
		savedVolume: 1.0,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mode returns the controller's last observed mode. Only meaningful once Run
// has exited, or from within callbacks; the live value belongs to the Run
// goroutine.
func (c *Controller) Mode() session.Mode { return c.mode }

// Run consumes session events until the stream closes or ctx is cancelled.
// A closed stream is a normal end of session and returns nil.
func (c *Controller) Run(ctx context.Context) error {
	events := c.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.finishTurn()
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev session.Event) {
	switch e := ev.(type) {
	case session.Connected:
		c.log.Info("agent session connected")
	case session.Disconnected:
		c.log.Info("agent session disconnected")
		c.finishTurn()
	case session.ModeChanged:
		c.handleMode(e.Mode)
	case session.Interrupted:
		c.log.Info("interruption signalled", "event_id", e.EventID)
		c.interrupt("interruption event")
	case session.Message:
		c.handleMessage(ctx, e)
	case session.AudioFrame:
		c.handleAudio(ctx, e)
	default:
		c.log.Debug("unhandled session event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) handleMode(mode session.Mode) {
	prev := c.mode
	if mode == prev {
		return
	}
	c.mode = mode
	c.log.Debug("mode changed", "from", prev, "to", mode)
	if c.onMode != nil {
		c.onMode(mode)
	}

	switch {
	case mode == session.ModeSpeaking:
		c.startTurn()
	case prev == session.ModeSpeaking && mode == session.ModeListening:
		c.interrupt("user interruption")
	case prev == session.ModeSpeaking:
		// Natural completion: emit the unterminated tail.
		c.finishTurn()
	}

	if mode == session.ModeListening {
		c.listeningSince = c.now()
	}
}

// startTurn begins a new span of agent output: stale dedupe and segmentation
// state is discarded, the audio path reopened, and the sink unmuted.
func (c *Controller) startTurn() {
	c.interrupted = false
	c.sawAgentText = false
	c.queue.ResetTurn()
	c.segments.Reset()
	if c.audioCap != nil {
		c.audioCap.Resume()
	}
	if c.muted {
		if err := c.sess.SetVolume(c.savedVolume); err != nil {
			c.log.Warn("volume not restored", "error", err)
		}
		c.muted = false
	}
}

// interrupt discards all undelivered agent output. The queue abort clears
// the backlog, signals the sink to stop, and resets the segmenter through
// its abort hook.
func (c *Controller) interrupt(reason string) {
	if c.interrupted {
		return
	}
	c.interrupted = true
	c.queue.Abort(reason)
	if c.audioCap != nil {
		c.audioCap.Pause()
	}
	if !c.muted {
		c.muted = true
		if err := c.sess.SetVolume(0); err != nil {
			c.log.Warn("sink not muted", "error", err)
		}
	}
}

// finishTurn flushes the segmenter remainder after a natural completion.
func (c *Controller) finishTurn() {
	if c.interrupted {
		return
	}
	if rem, ok := c.segments.FlushRemainder(); ok {
		c.queue.Enqueue(rem)
	}
}

func (c *Controller) handleMessage(ctx context.Context, msg session.Message) {
	role := c.classify(msg.Role)

	if c.recorder != nil {
		c.recorder.Record(ctx, role, msg.Text)
	}

	if role != session.RoleAgent {
		return
	}
	if c.mode != session.ModeSpeaking || c.interrupted {
		// Late delta from a finished or aborted turn.
		return
	}
	c.sawAgentText = true
	if sentences := c.segments.PushPartial(msg.Text); len(sentences) > 0 {
		c.queue.Enqueue(sentences...)
	}
}

// classify attributes an unlabelled message. Shortly after the agent starts
// listening the user is the one talking; during speaking the agent is.
func (c *Controller) classify(role session.Role) session.Role {
	if role != session.RoleUnknown {
		return role
	}
	switch c.mode {
	case session.ModeSpeaking:
		return session.RoleAgent
	case session.ModeListening:
		if c.now().Sub(c.listeningSince) <= listeningWindow {
			return session.RoleUser
		}
		return session.RoleAgent
	default:
		return session.RoleUser
	}
}

func (c *Controller) handleAudio(ctx context.Context, frame session.AudioFrame) {
	if c.audioCap == nil || c.interrupted || c.mode != session.ModeSpeaking {
		return
	}

	wav, err := audio.TranscodeFrame(frame.Data, frame.Format.Encoding, frame.Format.SampleRate)
	if err != nil {
		c.log.Warn("audio frame skipped", "error", err)
		return
	}
	if wav == nil {
		return
	}

	c.audioCap.Enqueue(ctx, wav, "audio/wav")
	if !c.sawAgentText {
		// No transcript deltas this turn: recover text from the audio itself.
		c.audioCap.Transcribe(ctx, wav, "audio/wav")
	}
}
