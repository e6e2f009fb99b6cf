// Package capture owns the agent audio path: captured chunks are persisted
// to blob storage and their locators forwarded to the display sink in strict
// arrival order, while a separate bounded-concurrency path transcribes
// samples into text for the segmenter.
//
// Ordering and interruption rules differ from the text queue. Chunks are
// drained sequentially by a single worker, so a slow persistence call for
// chunk 1 can never let chunk 2 overtake it. An interruption pauses the
// pipeline, and a paused pipeline drops its entire backlog rather than
// finishing it: partially produced agent audio must not surface after the
// user has cut the agent off.
//
// Transcription is lossy on purpose. At most two requests may be outstanding
// at once; a sample arriving while both slots are taken is dropped, trading
// completeness for bounded latency.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/frostholm/cueline/pkg/provider/stt"
	"github.com/frostholm/cueline/pkg/store"
	"github.com/frostholm/cueline/pkg/wire"
)

const (
	// maxInFlight caps concurrently outstanding transcription requests.
	maxInFlight = 2

	defaultForwardWindow = time.Second
)

// DropReason labels why a chunk or sample never made it downstream.
type DropReason string

const (
	DropPaused    DropReason = "paused"
	DropBusy      DropReason = "transcriber_busy"
	DropPersist   DropReason = "persist_failed"
	DropDuplicate DropReason = "duplicate_locator"
)

// Sender delivers one framed payload. *link.Link satisfies this.
type Sender interface {
	Send(wire.Payload) error
}

// Chunk is one captured unit of agent audio, already wrapped in its
// container format. Sequence numbers increase strictly in capture order.
type Chunk struct {
	ID          string
	Seq         uint64
	Data        []byte
	ContentType string
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithForwardWindow sets how long an identical locator is suppressed after
// being forwarded. Defaults to 1s.
func WithForwardWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.forwardWindow = d }
}

// WithTextFunc registers the callback receiving transcribed text. Without it
// the transcription path is disabled and Transcribe drops every sample.
func WithTextFunc(fn func(text string)) Option {
	return func(p *Pipeline) { p.onText = fn }
}

// WithForwardedFunc registers a callback invoked after each locator is
// forwarded to the sink.
func WithForwardedFunc(fn func(loc store.Locator)) Option {
	return func(p *Pipeline) { p.onForwarded = fn }
}

// WithDropFunc registers a callback invoked whenever a chunk or sample is
// discarded, with the reason.
func WithDropFunc(fn func(reason DropReason)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// WithClock replaces the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// Pipeline is the audio chunk pipeline. All methods are safe for concurrent
// use.
type Pipeline struct {
	blobs         store.BlobStore
	sender        Sender
	transcriber   stt.Transcriber
	log           *slog.Logger
	sem           *semaphore.Weighted
	forwardWindow time.Duration
	onText        func(string)
	onForwarded   func(store.Locator)
	onDrop        func(DropReason)
	now           func() time.Time

	mu            sync.Mutex
	pending       []Chunk
	draining      bool
	paused        bool
	seq           uint64
	turn          uint64
	lastLocator   store.Locator
	lastForwarded time.Time
}

// New creates a Pipeline persisting through blobs, forwarding through
// sender, and transcribing through transcriber. transcriber may be nil when
// the text path is fed by transcript deltas instead.
func New(blobs store.BlobStore, sender Sender, transcriber stt.Transcriber, opts ...Option) *Pipeline {
	p := &Pipeline{
		blobs:         blobs,
		sender:        sender,
		transcriber:   transcriber,
		log:           slog.Default(),
		sem:           semaphore.NewWeighted(maxInFlight),
		forwardWindow: defaultForwardWindow,
		now:           time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue appends one containerised audio chunk to the ordered queue and
// ensures a drain worker is running. A paused pipeline drops the chunk
// immediately.
func (p *Pipeline) Enqueue(ctx context.Context, data []byte, contentType string) {
	if len(data) == 0 {
		return
	}

	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		p.drop(DropPaused)
		return
	}
	p.seq++
	chunk := Chunk{
		ID:          uuid.NewString(),
		Seq:         p.seq,
		Data:        data,
		ContentType: contentType,
	}
	p.pending = append(p.pending, chunk)
	start := !p.draining
	if start {
		p.draining = true
	}
	p.mu.Unlock()

	if start {
		go p.drain(ctx)
	}
}

// Pause stops the pipeline and discards the entire backlog. Chunks enqueued
// while paused are dropped on arrival, and transcriptions still in flight are
// discarded on completion: they belong to the turn that was just cut off.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.turn++
	dropped := len(p.pending)
	p.pending = nil
	p.mu.Unlock()

	if dropped > 0 {
		p.log.Info("audio backlog discarded on pause", "chunks", dropped)
	}
	for i := 0; i < dropped; i++ {
		p.drop(DropPaused)
	}
}

// Resume lets the pipeline accept chunks again and clears the locator dedupe
// state: the first chunk of a new turn must be forwarded even when it resolves
// to the same locator as the last one of the previous turn.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.lastLocator = ""
	p.lastForwarded = time.Time{}
	p.mu.Unlock()
}

// Paused reports whether the pipeline is currently paused.
func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Depth returns the number of chunks waiting in the backlog.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Transcribe submits one audio sample to the speech-to-text path. When both
// in-flight slots are taken the sample is dropped, not queued. Recognised
// text is delivered through the WithTextFunc callback, unless the turn the
// sample belongs to was interrupted while the request was in flight.
func (p *Pipeline) Transcribe(ctx context.Context, blob []byte, contentType string) {
	if p.transcriber == nil || p.onText == nil || len(blob) == 0 {
		return
	}
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		p.drop(DropPaused)
		return
	}
	turn := p.turn
	p.mu.Unlock()
	if !p.sem.TryAcquire(1) {
		p.log.Debug("transcription slots full, dropping sample", "bytes", len(blob))
		p.drop(DropBusy)
		return
	}

	go func() {
		defer p.sem.Release(1)
		text, err := p.transcriber.Transcribe(ctx, blob, contentType)
		if err != nil {
			p.log.Warn("transcription failed", "error", err)
			return
		}
		if text == "" {
			return
		}
		p.mu.Lock()
		stale := p.paused || p.turn != turn
		p.mu.Unlock()
		if stale {
			p.log.Debug("transcription finished after interruption, discarding", "bytes", len(blob))
			p.drop(DropPaused)
			return
		}
		p.onText(text)
	}()
}

// drain processes the backlog strictly in order. Only one drain runs at a
// time; it re-checks for new arrivals before exiting. Each iteration
// re-checks the paused flag so an interruption drops the rest of the backlog
// instead of finishing it.
func (p *Pipeline) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.paused {
			dropped := len(p.pending)
			p.pending = nil
			p.draining = false
			p.mu.Unlock()
			for i := 0; i < dropped; i++ {
				p.drop(DropPaused)
			}
			return
		}
		if len(p.pending) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		chunk := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		loc, err := p.blobs.Save(ctx, chunk.Data, chunk.ContentType)
		if err != nil {
			p.log.Warn("chunk not persisted", "seq", chunk.Seq, "error", err)
			p.drop(DropPersist)
			continue
		}
		p.forward(loc)
	}
}

// forward sends a persisted chunk's locator to the sink unless the pipeline
// was paused while the chunk was being persisted, or the same locator was
// forwarded within the dedupe window.
func (p *Pipeline) forward(loc store.Locator) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		p.drop(DropPaused)
		return
	}
	now := p.now()
	if loc == p.lastLocator && now.Sub(p.lastForwarded) < p.forwardWindow {
		p.mu.Unlock()
		p.drop(DropDuplicate)
		return
	}
	p.lastLocator = loc
	p.lastForwarded = now
	p.mu.Unlock()

	if err := p.sender.Send(wire.Sentence(string(loc))); err != nil {
		p.log.Warn("locator not forwarded", "locator", loc, "error", err)
		return
	}
	if p.onForwarded != nil {
		p.onForwarded(loc)
	}
}

func (p *Pipeline) drop(reason DropReason) {
	if p.onDrop != nil {
		p.onDrop(reason)
	}
}
