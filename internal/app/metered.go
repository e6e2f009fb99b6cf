package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/frostholm/cueline/internal/observe"
	"github.com/frostholm/cueline/pkg/provider/stt"
	"github.com/frostholm/cueline/pkg/store"
)

// meteredTranscriber records a span plus latency and error counts around a
// transcription backend.
type meteredTranscriber struct {
	inner   stt.Transcriber
	metrics *observe.Metrics
}

var _ stt.Transcriber = (*meteredTranscriber)(nil)

func (t *meteredTranscriber) Transcribe(ctx context.Context, blob []byte, contentType string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "transcribe",
		trace.WithAttributes(
			attribute.String("content_type", contentType),
			attribute.Int("audio.bytes", len(blob)),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := t.inner.Transcribe(ctx, blob, contentType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	t.metrics.RecordTranscription(ctx, time.Since(start).Seconds(), err)
	return text, err
}

// meteredStore records persistence latency around a blob store.
type meteredStore struct {
	inner   store.BlobStore
	metrics *observe.Metrics
}

var _ store.BlobStore = (*meteredStore)(nil)

func (s *meteredStore) Save(ctx context.Context, blob []byte, contentType string) (store.Locator, error) {
	start := time.Now()
	loc, err := s.inner.Save(ctx, blob, contentType)
	if err == nil {
		s.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
	}
	return loc, err
}
