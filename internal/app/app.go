// Package app wires all cueline subsystems into a running bridge.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them until the agent session ends or the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSession,
// WithSender, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/frostholm/cueline/internal/capture"
	"github.com/frostholm/cueline/internal/config"
	"github.com/frostholm/cueline/internal/health"
	"github.com/frostholm/cueline/internal/link"
	"github.com/frostholm/cueline/internal/observe"
	"github.com/frostholm/cueline/internal/queue"
	"github.com/frostholm/cueline/internal/resilience"
	"github.com/frostholm/cueline/internal/transcript"
	transcriptpg "github.com/frostholm/cueline/internal/transcript/postgres"
	"github.com/frostholm/cueline/internal/turn"
	"github.com/frostholm/cueline/pkg/provider/stt"
	"github.com/frostholm/cueline/pkg/provider/stt/scribe"
	"github.com/frostholm/cueline/pkg/segment"
	"github.com/frostholm/cueline/pkg/session"
	"github.com/frostholm/cueline/pkg/session/jsonl"
	"github.com/frostholm/cueline/pkg/store"
	"github.com/frostholm/cueline/pkg/store/fsstore"
	"github.com/frostholm/cueline/pkg/wire"
)

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and runs the transcript bridge.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	sess        session.Session
	sink        *link.Link
	sender      queue.Sender
	transcriber stt.Transcriber
	blobs       store.BlobStore
	entries     transcript.Log
	recorder    *transcript.Recorder
	segments    *segment.Segmenter
	queue       *queue.Queue
	capture     *capture.Pipeline
	controller  *turn.Controller
	metrics     *observe.Metrics
	checks      *health.Handler

	linkUp  atomic.Bool
	wasUp   atomic.Bool
	depthMu sync.Mutex
	depth   int64

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSession injects an agent session instead of opening the configured
// event stream.
func WithSession(s session.Session) Option {
	return func(a *App) { a.sess = s }
}

// WithSender injects a sink sender instead of creating the WebSocket link.
func WithSender(s queue.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithTranscriber injects a transcription backend instead of creating one
// from config.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithBlobStore injects a blob store instead of creating a filesystem store.
func WithBlobStore(s store.BlobStore) Option {
	return func(a *App) { a.blobs = s }
}

// WithTranscriptLog injects a transcript log instead of creating one from
// config.
func WithTranscriptLog(l transcript.Log) Option {
	return func(a *App) { a.entries = l }
}

// WithMetrics injects a metrics instance instead of using the process-wide
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Agent session ─────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 2. Sink link ─────────────────────────────────────────────────────
	a.initSink()

	// ── 3. Transcription backend ─────────────────────────────────────────
	if err := a.initTranscriber(); err != nil {
		return nil, fmt.Errorf("app: init transcriber: %w", err)
	}

	// ── 4. Blob store ────────────────────────────────────────────────────
	if err := a.initBlobStore(); err != nil {
		return nil, fmt.Errorf("app: init blob store: %w", err)
	}

	// ── 5. Transcript log ────────────────────────────────────────────────
	if err := a.initTranscriptLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript log: %w", err)
	}
	a.recorder = transcript.NewRecorder(a.entries)

	// ── 6. Delivery path ─────────────────────────────────────────────────
	a.segments = segment.New()
	a.queue = queue.New(a.sender,
		queue.WithThrottle(cfg.Delivery.Throttle()),
		queue.WithDedupeWindow(cfg.Delivery.DedupeWindow()),
		queue.WithPauseInterval(cfg.Delivery.PauseInterval()),
		queue.WithAbortFunc(func() {
			a.metrics.TurnAborts.Add(context.Background(), 1)
		}),
		queue.WithSentFunc(func(_ string, deduped bool) {
			a.metrics.RecordSentence(context.Background(), deduped)
		}),
		queue.WithDepthFunc(a.trackQueueDepth),
	)

	// ── 7. Capture pipeline ──────────────────────────────────────────────
	a.capture = capture.New(a.blobs, a.sender, a.transcriber,
		capture.WithTextFunc(a.handleTranscribedText),
		capture.WithForwardedFunc(func(store.Locator) {
			a.metrics.ChunksPersisted.Add(context.Background(), 1)
		}),
		capture.WithDropFunc(func(reason capture.DropReason) {
			a.metrics.RecordChunkDrop(context.Background(), string(reason))
		}),
	)

	// ── 8. Turn controller ───────────────────────────────────────────────
	a.controller = turn.New(a.sess, a.queue, a.segments, a.capture, a.recorder)

	// ── 9. Health checks ─────────────────────────────────────────────────
	a.checks = health.New(
		health.StateChecker("sink", a.sinkHealthy, "link down"),
		health.Checker{Name: "transcript", Check: func(ctx context.Context) error {
			_, err := a.entries.Recent(ctx, 1)
			return err
		}},
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSession opens the configured agent event stream unless a session was
// injected.
func (a *App) initSession() error {
	if a.sess != nil {
		return nil
	}
	f, err := os.Open(a.cfg.Agent.EventsPath)
	if err != nil {
		return err
	}
	a.sess = jsonl.New(f)
	a.closers = append(a.closers, f.Close)
	slog.Info("agent session opened", "path", a.cfg.Agent.EventsPath)
	return nil
}

// initSink creates the WebSocket link unless a sender was injected.
func (a *App) initSink() {
	if a.sender != nil {
		return
	}
	a.sink = link.New(a.cfg.Sink.URL,
		link.WithBufferSize(a.cfg.Sink.BufferSize),
		link.WithBackoff(a.cfg.Sink.BackoffMin(), a.cfg.Sink.BackoffMax()),
		link.WithStateFunc(a.trackSinkState),
		link.WithDropFunc(func(wire.Payload) {
			a.metrics.SinkDrops.Add(context.Background(), 1)
		}),
	)
	a.sender = a.sink
}

// initTranscriber builds the transcription client with per-backend circuit
// breaking. With no endpoint configured the audio path runs without
// transcription.
func (a *App) initTranscriber() error {
	if a.transcriber != nil {
		a.transcriber = &meteredTranscriber{inner: a.transcriber, metrics: a.metrics}
		return nil
	}
	if a.cfg.Transcription.Endpoint == "" {
		slog.Warn("no transcription endpoint configured, audio will not be transcribed")
		return nil
	}

	opts := []scribe.Option{scribe.WithAPIKey(a.cfg.Transcription.APIKey)}
	if a.cfg.Transcription.Model != "" {
		opts = append(opts, scribe.WithModel(a.cfg.Transcription.Model))
	}
	if a.cfg.Transcription.Language != "" {
		opts = append(opts, scribe.WithLanguage(a.cfg.Transcription.Language))
	}
	client, err := scribe.New(a.cfg.Transcription.Endpoint, opts...)
	if err != nil {
		return err
	}

	guarded := resilience.NewTranscriber(client, "scribe", resilience.FallbackConfig{})
	a.transcriber = &meteredTranscriber{inner: guarded, metrics: a.metrics}
	return nil
}

// initBlobStore creates the filesystem blob store unless one was injected.
func (a *App) initBlobStore() error {
	if a.blobs != nil {
		a.blobs = &meteredStore{inner: a.blobs, metrics: a.metrics}
		return nil
	}
	dir := a.cfg.Storage.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cueline-blobs")
	}
	var opts []fsstore.Option
	if a.cfg.Storage.PublicPrefix != "" {
		opts = append(opts, fsstore.WithPublicPrefix(a.cfg.Storage.PublicPrefix))
	}
	fs, err := fsstore.New(dir, opts...)
	if err != nil {
		return err
	}
	a.blobs = &meteredStore{inner: fs, metrics: a.metrics}
	return nil
}

// initTranscriptLog connects PostgreSQL when a DSN is configured and falls
// back to the in-memory ring otherwise.
func (a *App) initTranscriptLog(ctx context.Context) error {
	if a.entries != nil {
		return nil
	}
	if dsn := a.cfg.Transcript.PostgresDSN; dsn != "" {
		pg, err := transcriptpg.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.entries = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		return nil
	}
	a.entries = transcript.NewMemLog(a.cfg.Transcript.MemoryCapacity)
	return nil
}

// ─── Wiring callbacks ────────────────────────────────────────────────────────

// trackSinkState feeds the connectivity gauge and counts reconnects.
func (a *App) trackSinkState(connected bool) {
	a.linkUp.Store(connected)
	a.metrics.SinkStateChanged(context.Background(), connected)
	if connected && a.wasUp.Swap(true) {
		a.metrics.SinkReconnects.Add(context.Background(), 1)
	}
}

// trackQueueDepth converts absolute backlog sizes into gauge deltas.
func (a *App) trackQueueDepth(depth int) {
	a.depthMu.Lock()
	delta := int64(depth) - a.depth
	a.depth = int64(depth)
	a.depthMu.Unlock()
	if delta != 0 {
		a.metrics.QueueDepth.Add(context.Background(), delta)
	}
}

// UpdateDelivery applies changed delivery timings from a config reload to the
// running queue.
func (a *App) UpdateDelivery(d config.DeliveryConfig) {
	a.queue.Reconfigure(d.Throttle(), d.DedupeWindow(), d.PauseInterval())
}

// sinkHealthy reports sink readiness. An injected sender has no link to
// probe and counts as healthy.
func (a *App) sinkHealthy() bool {
	if a.sink == nil {
		return true
	}
	return a.linkUp.Load()
}

// handleTranscribedText routes recognised speech from the audio path into
// the transcript log and the delivery queue. The text arrives as a complete
// utterance, so it gets its own segmenter rather than sharing the streaming
// one owned by the turn controller.
func (a *App) handleTranscribedText(text string) {
	ctx := context.Background()
	a.recorder.Record(ctx, session.RoleAgent, text)

	seg := segment.New()
	sentences := seg.PushPartial(text)
	if rest, ok := seg.FlushRemainder(); ok {
		sentences = append(sentences, rest)
	}
	a.queue.Enqueue(sentences...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the sink link, the turn controller, and the metrics/health
// server, then blocks until the agent session ends or ctx is cancelled. A
// finished session shuts the whole bridge down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if a.sink != nil {
		g.Go(func() error { return a.sink.Run(ctx) })
	}

	g.Go(func() error {
		defer cancel()
		return a.controller.Run(ctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.handler()}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// handler builds the HTTP surface: Prometheus metrics plus liveness and
// readiness probes, wrapped in the tracing middleware.
func (a *App) handler() http.Handler {
	mux := http.NewServeMux()
	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sess.End(ctx); err != nil {
			slog.Warn("session end error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
