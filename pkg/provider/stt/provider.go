// Package stt defines the boundary to the external speech-to-text service.
//
// The bridge transcribes short agent audio chunks in batch mode: one blob in,
// one text out. Streaming recognition is deliberately not part of the
// interface; chunks arrive already segmented by the capture pipeline, and the
// caller bounds its own concurrency. Implementations are not required to
// queue — a busy service may simply take longer, and the pipeline drops
// excess work upstream.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Transcriber converts one audio blob into recognised text.
type Transcriber interface {
	// Transcribe submits blob (a complete audio file image, e.g. a WAV) with
	// the given MIME content type and returns the recognised text. An empty
	// string with a nil error means the service heard nothing usable.
	Transcribe(ctx context.Context, blob []byte, contentType string) (string, error)
}
