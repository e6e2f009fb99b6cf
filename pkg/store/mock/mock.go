// Package mock provides a test double for the store.BlobStore interface.
//
// Set Locator or Err for the result every call should return, or Fn for
// per-call behaviour, then inspect Calls to verify what was persisted.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/frostholm/cueline/pkg/store"
)

// SaveCall records a single invocation of BlobStore.Save.
type SaveCall struct {
	// Blob is a copy of the bytes passed to Save.
	Blob []byte
	// ContentType is the MIME type passed to Save.
	ContentType string
}

// BlobStore is a mock implementation of store.BlobStore.
type BlobStore struct {
	mu sync.Mutex

	// Locator, when non-empty, is returned by every Save call when Fn is nil.
	// When empty, Save synthesises "blob-<n>" from the call count.
	Locator store.Locator

	// Err, if non-nil, is returned as the error from Save when Fn is nil.
	Err error

	// Fn, if non-nil, is invoked instead of returning Locator/Err. It runs
	// outside the mutex, so a test may block in it to simulate slow storage.
	Fn func(ctx context.Context, blob []byte, contentType string) (store.Locator, error)

	// Calls records every call to Save in order.
	Calls []SaveCall
}

// Save records the call, then returns Fn's result if set, otherwise Locator
// (or a synthesised one) and Err.
func (b *BlobStore) Save(ctx context.Context, blob []byte, contentType string) (store.Locator, error) {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	b.mu.Lock()
	b.Calls = append(b.Calls, SaveCall{Blob: cp, ContentType: contentType})
	n := len(b.Calls)
	fn := b.Fn
	loc, err := b.Locator, b.Err
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, blob, contentType)
	}
	if err != nil {
		return "", err
	}
	if loc == "" {
		loc = store.Locator(fmt.Sprintf("blob-%d", n))
	}
	return loc, nil
}

// CallCount returns the number of Save calls. Thread-safe.
func (b *BlobStore) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (b *BlobStore) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = nil
}

// Ensure BlobStore implements store.BlobStore at compile time.
var _ store.BlobStore = (*BlobStore)(nil)
