// Package store defines the boundary to external blob storage.
//
// The bridge persists each captured audio chunk before its locator is
// forwarded to the display sink, so the sink can fetch the media on its own
// schedule. A BlobStore hands back an opaque Locator; the bridge never
// interprets it beyond passing it along.
//
// Implementations must be safe for concurrent use.
package store

import "context"

// Locator is an opaque reference to a stored blob, typically a URL or a path
// the display sink can resolve.
type Locator string

// BlobStore persists opaque binary blobs and returns a locator for each.
type BlobStore interface {
	// Save persists blob with the given MIME content type and returns a
	// locator under which it can later be retrieved. Save must not return an
	// empty Locator on success.
	Save(ctx context.Context, blob []byte, contentType string) (Locator, error)
}
