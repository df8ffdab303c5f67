// Package chunkstore implements the Chunk Store: a content-addressed,
// immutable blob store rooted at "<store>/chunks/<hh>/<hash>", where
// "hh" is the first two hex characters of the chunk's digest.
//
// Put is atomic and idempotent (put-if-absent): write to a temporary
// sibling file, fsync it, then rename it into place. Rename within one
// directory is atomic on every filesystem this tool targets, so a reader
// never observes a partially written chunk.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/relaypack/vaultkeep/digest"
	"github.com/relaypack/vaultkeep/parity"
	"github.com/relaypack/vaultkeep/util"
)

var (
	ErrChunkMissing   = errors.New("chunkstore: chunk missing")
	ErrChunkCorrupted = errors.New("chunkstore: chunk corrupted")
)

var log *util.Logger

// SetLogger installs the logger used for non-fatal diagnostics (parity
// sidecar encode and write failures). With a nil logger, the default,
// those warnings go straight to stderr.
func SetLogger(l *util.Logger) { log = l }

// Store is a Chunk Store rooted at dir.
type Store struct {
	dir string
	// WithParity, when true, writes a Reed-Solomon parity sidecar next to
	// every chunk (see package parity) so that Repair can later recover a
	// locally corrupted chunk. Off by default: it roughly triples the
	// write cost of Put.
	WithParity bool
}

// Open returns a Store rooted at dir, creating the chunks/ tree if it
// does not already exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: open %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) subdir(hash string) string {
	return filepath.Join(s.dir, hash[:2])
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.subdir(hash), hash)
}

func (s *Store) sidecarPath(hash string) string {
	return s.path(hash) + ".rs"
}

// Has reports whether a chunk with the given digest is present.
func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Put stores data under its SHA-256 digest if it isn't already present,
// and returns that digest. Put is safe to retry after a crash: a backup
// transaction can re-run Put for chunks that may already have landed
// before the crash.
func (s *Store) Put(data []byte) (string, error) {
	hash := digest.Sum(data)
	if s.Has(hash) {
		return hash, nil
	}

	dir := s.subdir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("chunkstore: mkdir %s: %w", dir, err)
	}
	if err := atomicWrite(s.path(hash), data); err != nil {
		return "", fmt.Errorf("chunkstore: put %s: %w", hash, err)
	}

	if s.WithParity {
		sc, err := parity.Encode(data)
		if err != nil {
			log.Warning("%s: parity encode failed: %v", hash, err)
		} else if b, err := sc.Marshal(); err != nil {
			log.Warning("%s: parity marshal failed: %v", hash, err)
		} else if err := atomicWrite(s.sidecarPath(hash), b); err != nil {
			log.Warning("%s: parity sidecar write failed: %v", hash, err)
		}
	}

	return hash, nil
}

// Get returns the complete bytes stored under hash, reading to EOF. It
// does not re-verify the digest; callers that need that guarantee should
// call GetVerified instead.
func (s *Store) Get(hash string) ([]byte, error) {
	b, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrChunkMissing, hash)
		}
		return nil, fmt.Errorf("chunkstore: get %s: %w", hash, err)
	}
	return b, nil
}

// GetVerified returns the bytes stored under hash after re-hashing them
// and confirming they still match hash, the check required for every
// chunk a manifest references.
func (s *Store) GetVerified(hash string) ([]byte, error) {
	b, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	if digest.Sum(b) != hash {
		return nil, fmt.Errorf("%w: %s", ErrChunkCorrupted, hash)
	}
	return b, nil
}

// Sidecar returns the parity sidecar for hash, if one was written.
func (s *Store) Sidecar(hash string) (parity.Sidecar, bool, error) {
	b, err := os.ReadFile(s.sidecarPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return parity.Sidecar{}, false, nil
		}
		return parity.Sidecar{}, false, err
	}
	sc, err := parity.Unmarshal(b)
	if err != nil {
		return parity.Sidecar{}, false, err
	}
	return sc, true, nil
}

// Repair rewrites the chunk stored at hash from its parity sidecar, if
// there is one and enough of it survives, returning the reconstructed
// bytes. Used by the fsck command to heal bit rot caught by Fsck.
func (s *Store) Repair(hash string) ([]byte, error) {
	corrupt, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChunkMissing, hash)
	}
	sc, ok, err := s.Sidecar(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chunkstore: no parity sidecar for %s", hash)
	}
	fixed, err := parity.Repair(corrupt, sc)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(s.path(hash), fixed); err != nil {
		return nil, fmt.Errorf("chunkstore: rewrite %s: %w", hash, err)
	}
	return fixed, nil
}

// ForEach calls f with the digest of every chunk currently stored. Used
// by the fsck command to walk the whole store.
func (s *Store) ForEach(f func(hash string)) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(s.dir, e.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			return err
		}
		for _, fe := range files {
			name := fe.Name()
			if len(name) == digest.Size {
				f(name)
			}
		}
	}
	return nil
}

// atomicWrite writes data to a temporary file in path's directory,
// fsyncs it, and renames it into place. Rename within one directory is
// the atomicity boundary every durability guarantee here relies on.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// CopyTo streams the concatenation of chunks, in order, to w. Used by
// restore to write a file without holding all of its chunks in memory
// at once.
func (s *Store) CopyTo(w io.Writer, chunks []string) error {
	for _, h := range chunks {
		b, err := s.Get(h)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
