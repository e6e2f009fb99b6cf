// Package fsstore provides a filesystem-backed BlobStore.
//
// Blobs are written under a base directory with random UUID file names and
// an extension derived from the content type. The returned locator joins a
// configurable public prefix with the file name, so a co-located static file
// server can expose the directory while the bridge forwards only the public
// path.
//
// Usage:
//
//	s, err := fsstore.New("/srv/media/audio", fsstore.WithPublicPrefix("/audio"))
//	loc, err := s.Save(ctx, wavBytes, "audio/wav")
//	// loc == "/audio/3f1c...9d.wav"
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/frostholm/cueline/pkg/store"
)

// Compile-time assertion that Store implements store.BlobStore.
var _ store.BlobStore = (*Store)(nil)

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithPublicPrefix sets the prefix joined onto file names to form locators
// (e.g., "/audio" or "https://media.example.com/audio"). Defaults to the base
// directory path itself.
func WithPublicPrefix(prefix string) Option {
	return func(s *Store) {
		s.publicPrefix = prefix
	}
}

// WithFileMode sets the permission bits for written blob files.
// Defaults to 0o644.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) {
		s.fileMode = mode
	}
}

// Store implements store.BlobStore on a local directory. It is safe for
// concurrent use; each Save writes an independent file.
type Store struct {
	dir          string
	publicPrefix string
	fileMode     os.FileMode
}

// New creates a Store rooted at dir, creating the directory if needed.
// dir must be non-empty.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("fsstore: dir must not be empty")
	}
	s := &Store{
		dir:          dir,
		publicPrefix: dir,
		fileMode:     0o644,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: create directory %s: %w", dir, err)
	}
	return s, nil
}

// Save writes blob to a new UUID-named file and returns its public locator.
// ctx is consulted before the write; the write itself is not interruptible.
func (s *Store) Save(ctx context.Context, blob []byte, contentType string) (store.Locator, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("fsstore: context cancelled: %w", err)
	}
	if len(blob) == 0 {
		return "", errors.New("fsstore: empty blob")
	}

	name := uuid.NewString() + extension(contentType)
	if err := os.WriteFile(filepath.Join(s.dir, name), blob, s.fileMode); err != nil {
		return "", fmt.Errorf("fsstore: write blob: %w", err)
	}
	// path.Join would collapse the double slash in URL prefixes, so join by hand.
	return store.Locator(strings.TrimSuffix(s.publicPrefix, "/") + "/" + name), nil
}

// extension maps a MIME content type to the file extension the static server
// should serve it under.
func extension(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	default:
		return ".wav"
	}
}
