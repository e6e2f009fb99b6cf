// Package mock provides a test double for the stt.Transcriber interface.
//
// Pre-populate Text or Err with the result every call should return, or set
// Fn for per-call behaviour, then inspect Calls to verify what the consumer
// submitted.
package mock

import (
	"context"
	"sync"

	"github.com/frostholm/cueline/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Blob is a copy of the audio bytes passed to Transcribe.
	Blob []byte
	// ContentType is the MIME type passed to Transcribe.
	ContentType string
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by every Transcribe call when Fn is nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe when Fn is nil.
	Err error

	// Fn, if non-nil, is invoked instead of returning Text/Err. It runs outside
	// the mutex, so a test may block in it to simulate a slow service.
	Fn func(ctx context.Context, blob []byte, contentType string) (string, error)

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call, then returns Fn's result if set, otherwise
// Text and Err.
func (t *Transcriber) Transcribe(ctx context.Context, blob []byte, contentType string) (string, error) {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{Blob: cp, ContentType: contentType})
	fn := t.Fn
	text, err := t.Text, t.Err
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, blob, contentType)
	}
	return text, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (t *Transcriber) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
