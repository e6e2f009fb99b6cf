package resilience

import (
	"context"

	"github.com/frostholm/cueline/pkg/provider/stt"
)

// Transcriber implements [stt.Transcriber] with automatic failover across
// multiple transcription backends. Each backend has its own circuit breaker,
// so a backend that keeps timing out stops receiving audio until it recovers.
type Transcriber struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*Transcriber)(nil)

// NewTranscriber creates a [Transcriber] with primary as the preferred backend.
func NewTranscriber(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *Transcriber {
	return &Transcriber{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription backend as a fallback.
func (t *Transcriber) AddFallback(name string, backend stt.Transcriber) {
	t.group.AddFallback(name, backend)
}

// Transcribe sends the audio blob to the first healthy backend. If the
// primary fails or its breaker is open, subsequent fallbacks are tried.
func (t *Transcriber) Transcribe(ctx context.Context, blob []byte, contentType string) (string, error) {
	return ExecuteWithResult(t.group, func(b stt.Transcriber) (string, error) {
		return b.Transcribe(ctx, blob, contentType)
	})
}
