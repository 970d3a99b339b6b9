// Package blobstore implements a content-addressed store: digest =
// lowercase hex SHA-1 of contents, or the sentinel "x" meaning
// "intentionally empty". Writes are idempotent and atomic
// (write-then-rename), and digests shard two directory levels deep.
package blobstore

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the store's addressing scheme, not used for security.
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// EmptySentinel is the digest meaning "intentionally empty", distinct from
// the SHA-1 of a zero-length byte string.
const EmptySentinel = "x"

// Store is a content-addressed filesystem blob store.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=blobstore.New: %w", err)
	}
	return &Store{root: dir}, nil
}

// digest computes the lowercase hex SHA-1 of b.
func digest(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// path shards the digest two levels deep (ab/cd/abcd...) to keep any one
// directory from accumulating too many entries.
func (s *Store) path(d string) string {
	if d == EmptySentinel {
		return filepath.Join(s.root, "sentinel", "x")
	}
	if len(d) < 4 {
		return filepath.Join(s.root, "short", d)
	}
	return filepath.Join(s.root, d[:2], d[2:4], d)
}

// Put stores b and returns its digest. Writes are idempotent: storing the
// same contents twice is a no-op the second time.
func (s *Store) Put(b []byte) (string, error) {
	if len(b) == 0 {
		return EmptySentinel, nil
	}
	d := digest(b)
	p := s.path(d)
	if _, err := os.Stat(p); err == nil {
		return d, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("op=blobstore.Put: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("op=blobstore.Put: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("op=blobstore.Put: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("op=blobstore.Put: %w", err)
	}
	return d, nil
}

// PutReader stores the contents of r, buffering in memory to compute the
// digest before writing atomically.
func (s *Store) PutReader(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("op=blobstore.PutReader: %w", err)
	}
	return s.Put(b)
}

// Get returns the contents addressed by digest, or domain.ErrNotFound.
func (s *Store) Get(digest string) ([]byte, error) {
	if digest == EmptySentinel {
		return []byte{}, nil
	}
	b, err := os.ReadFile(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("op=blobstore.Get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.Get: %w", err)
	}
	return b, nil
}

// Exists reports whether digest is present.
func (s *Store) Exists(digest string) (bool, error) {
	if digest == EmptySentinel {
		return true, nil
	}
	_, err := os.Stat(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=blobstore.Exists: %w", err)
	}
	return true, nil
}

// Description is metadata-only information about a digest, with no
// requirement that the digest's contents be present (e.g. for telemetry
// about referenced-but-not-yet-uploaded blobs).
type Description struct {
	Digest string
	Text   string
}

// Describe returns metadata for digest without requiring its contents to
// be present. Nothing is stored, in memory or on disk; the core's durable
// record of what a digest "is" lives in the owning entity (Testcase,
// Manager, Executable), not in the blob store itself.
func (s *Store) Describe(digest, text string) Description {
	return Description{Digest: digest, Text: text}
}
