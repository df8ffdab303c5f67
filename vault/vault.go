// Package vault wires the Chunk Store, Canonical Manifest codec, Merkle
// Engine, Journal and Metadata Ledger together into the Backup, Restore
// and Verify orchestration, plus store open/init and crash recovery.
package vault

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaypack/vaultkeep/chunkstore"
	"github.com/relaypack/vaultkeep/digest"
	"github.com/relaypack/vaultkeep/journal"
	"github.com/relaypack/vaultkeep/ledger"
	"github.com/relaypack/vaultkeep/manifest"
	"github.com/relaypack/vaultkeep/merkle"
	"github.com/relaypack/vaultkeep/util"
)

// ChunkSize is the fixed chunk boundary the chunker cuts at; the final
// chunk of a file may be shorter.
const ChunkSize = 1 << 20 // 1 MiB

var (
	ErrManifestCorrupted = manifest.ErrCorrupted
	ErrMerkleMismatch    = merkle.ErrMismatch
	ErrRollbackDetected  = ledger.ErrRollbackDetected
	ErrChunkMissing      = chunkstore.ErrChunkMissing
	ErrChunkCorrupted    = chunkstore.ErrChunkCorrupted
)

var log = util.NewLogger(false, false)

// SetLogger installs the logger used for recovery diagnostics.
func SetLogger(l *util.Logger) { log = l }

// Store is an open backup store rooted at dir.
type Store struct {
	dir    string
	chunks *chunkstore.Store
	wal    *journal.Journal
	ledger *ledger.Ledger
	lockFD int
	locked bool
}

func (s *Store) chunksDir() string              { return filepath.Join(s.dir, "chunks") }
func (s *Store) manifestsDir() string           { return filepath.Join(s.dir, "manifests") }
func (s *Store) manifestPath(sid string) string { return filepath.Join(s.manifestsDir(), sid+".json") }
func (s *Store) ledgerPath() string             { return filepath.Join(s.dir, "metadata.json") }
func (s *Store) walPath() string                { return filepath.Join(s.dir, "wal.log") }

// Init creates the directory skeleton for a brand-new store: chunks/,
// manifests/, an empty ledger, an empty journal, and an audit log whose
// first predecessor hash is ZERO (the caller creates the audit.Log
// itself; Init only ensures the directories and files it lives beside
// exist).
func Init(dir string) error {
	for _, sub := range []string{"chunks", "manifests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("vault: init: %w", err)
		}
	}
	if _, err := journal.Open(filepath.Join(dir, "wal.log")); err != nil {
		return fmt.Errorf("vault: init: %w", err)
	}
	if err := ledger.New(filepath.Join(dir, "metadata.json")).Save(); err != nil {
		return fmt.Errorf("vault: init: %w", err)
	}
	return nil
}

// Open opens the store at dir, running crash recovery unconditionally
// before returning, and takes an advisory lock on the store root. A
// failure to acquire the lock is logged and tolerated.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir, lockFD: -1}

	chunks, err := chunkstore.Open(s.chunksDir())
	if err != nil {
		return nil, err
	}
	wal, err := journal.Open(s.walPath())
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(s.ledgerPath())
	if err != nil {
		return nil, err
	}
	s.chunks, s.wal, s.ledger = chunks, wal, led
	s.EnableParity()

	s.tryLock()

	if err := s.recover(); err != nil {
		log.Warning("recovery: %v", err)
	}
	return s, nil
}

// tryLock takes a non-blocking advisory flock on the store root
// directory. Failure is tolerated: there is no mandated locking
// primitive, only graceful degradation when one isn't available.
func (s *Store) tryLock() {
	fd, err := unix.Open(s.dir, unix.O_RDONLY, 0)
	if err != nil {
		log.Debug("advisory lock: open %s: %v", s.dir, err)
		return
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		log.Debug("advisory lock: flock %s: %v", s.dir, err)
		unix.Close(fd)
		return
	}
	s.lockFD = fd
	s.locked = true
}

// Close releases the advisory lock, if one was taken.
func (s *Store) Close() error {
	if s.locked {
		unix.Flock(s.lockFD, unix.LOCK_UN)
		unix.Close(s.lockFD)
		s.locked = false
	}
	return nil
}

// recover rolls back every incomplete transaction found in the journal,
// then compacts it.
func (s *Store) recover() error {
	incomplete, err := s.wal.Recover()
	if err != nil {
		return err
	}
	for _, sid := range incomplete {
		log.Warning("rolling back incomplete transaction %s", sid)
		if err := s.ledger.Remove(sid); err != nil {
			log.Warning("rollback %s: ledger remove: %v", sid, err)
		}
		if err := os.Remove(s.manifestPath(sid)); err != nil && !os.IsNotExist(err) {
			log.Warning("rollback %s: remove manifest: %v", sid, err)
		}
	}
	if len(incomplete) > 0 {
		if err := s.wal.Compact(); err != nil {
			return fmt.Errorf("vault: recover: compact: %w", err)
		}
	}
	return nil
}

// newSnapshotID generates "snap_<unix_seconds>_<8 hex>".
func newSnapshotID(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("vault: generate snapshot id: %w", err)
	}
	return fmt.Sprintf("snap_%d_%s", now.Unix(), hex.EncodeToString(b[:])), nil
}

// discoverFiles walks sourcePath, returning the relative, forward-slash
// paths of every regular file beneath it, sorted ascending. Symlinks and
// device files are skipped; directories are not entities of their own.
func discoverFiles(sourcePath string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil // skip symlinks, devices, sockets, etc.
		}
		rel, err := filepath.Rel(sourcePath, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vault: discover files: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// chunkFile streams f in ChunkSize pieces to the chunk store, returning
// the ordered list of chunk digests. A zero-length file yields a nil
// slice, never a single empty chunk.
func chunkFile(s *Store, path string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var chunks []string
	var total int64
	buf := make([]byte, ChunkSize)
	r := bufio.NewReaderSize(f, ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hash, putErr := s.chunks.Put(buf[:n])
			if putErr != nil {
				return nil, 0, putErr
			}
			chunks = append(chunks, hash)
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return chunks, total, nil
}

// Backup snapshots sourcePath into the store and returns the resulting
// ledger record.
func (s *Store) Backup(sourcePath, label string) (ledger.SnapshotRecord, error) {
	now := time.Now()
	sid, err := newSnapshotID(now)
	if err != nil {
		return ledger.SnapshotRecord{}, err
	}

	if err := s.wal.Begin(sid); err != nil {
		return ledger.SnapshotRecord{}, err
	}

	paths, err := discoverFiles(sourcePath)
	if err != nil {
		return ledger.SnapshotRecord{}, err
	}

	var totalChunks int
	files := make([]manifest.FileEntry, 0, len(paths))
	for _, rel := range paths {
		chunks, size, err := chunkFile(s, filepath.Join(sourcePath, rel))
		if err != nil {
			return ledger.SnapshotRecord{}, fmt.Errorf("vault: backup %s: %w", rel, err)
		}
		files = append(files, manifest.FileEntry{Path: rel, Size: size, Chunks: chunks})
		totalChunks += len(chunks)
	}

	m := manifest.New(sid, sourcePath, float64(now.UnixNano())/1e9, label, files)
	canon, err := m.Canonicalize()
	if err != nil {
		return ledger.SnapshotRecord{}, err
	}
	manifestHash, err := m.Hash()
	if err != nil {
		return ledger.SnapshotRecord{}, err
	}

	if err := os.MkdirAll(s.manifestsDir(), 0o755); err != nil {
		return ledger.SnapshotRecord{}, err
	}
	if err := writeFileAtomic(s.manifestPath(sid), canon); err != nil {
		return ledger.SnapshotRecord{}, err
	}
	if err := s.wal.Manifest(manifestHash); err != nil {
		return ledger.SnapshotRecord{}, err
	}

	merkleRoot := merkle.Root(m)
	record := s.ledger.NextRecord(sid, m.CreatedAt, label, merkleRoot, manifestHash, len(files), totalChunks)

	if err := s.wal.Metadata(sid, merkleRoot, record.PrevRoot, m.CreatedAt, sanitizeLabel(label)); err != nil {
		return ledger.SnapshotRecord{}, err
	}
	if err := s.ledger.Append(record); err != nil {
		return ledger.SnapshotRecord{}, err
	}
	if err := s.wal.Commit(sid); err != nil {
		return ledger.SnapshotRecord{}, err
	}

	return record, nil
}

// sanitizeLabel strips ':' from a label before it goes into a
// colon-delimited journal line.
func sanitizeLabel(label string) string {
	return strings.ReplaceAll(label, ":", "_")
}

// List returns every committed snapshot record in sequence order.
func (s *Store) List() []ledger.SnapshotRecord {
	return s.ledger.List()
}

// loadManifest reads and parses the manifest file for sid.
func (s *Store) loadManifest(sid string) (manifest.Manifest, []byte, error) {
	b, err := os.ReadFile(s.manifestPath(sid))
	if err != nil {
		return manifest.Manifest{}, nil, fmt.Errorf("vault: load manifest %s: %w", sid, err)
	}
	m, err := manifest.Parse(b)
	if err != nil {
		return manifest.Manifest{}, nil, fmt.Errorf("%w: %v", ErrManifestCorrupted, err)
	}
	return m, b, nil
}

// Restore clobber-writes every file of snapshot sid into target.
func (s *Store) Restore(sid, target string) error {
	if err := s.ledger.VerifyChain(sid); err != nil {
		return err
	}
	m, _, err := s.loadManifest(sid)
	if err != nil {
		return err
	}

	for _, f := range m.Files {
		dst := filepath.Join(target, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("vault: restore %s: %w", f.Path, err)
		}
		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("vault: restore %s: %w", f.Path, err)
		}
		err = s.chunks.CopyTo(out, f.Chunks)
		closeErr := out.Close()
		if err != nil {
			return fmt.Errorf("vault: restore %s: %w", f.Path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("vault: restore %s: %w", f.Path, closeErr)
		}
	}
	return nil
}

// VerifyResult is the structured outcome of Verify: either OK, or the
// first reason verification failed.
type VerifyResult struct {
	OK     bool
	Reason error
	Path   string // set when a specific file/chunk triggered the failure
}

// Verify checks a snapshot's manifest, chunks, Merkle root, and ledger
// chain for tampering.
func (s *Store) Verify(sid string) VerifyResult {
	record, err := s.ledger.Get(sid)
	if err != nil {
		return VerifyResult{Reason: err}
	}

	m, stored, err := s.loadManifest(sid)
	if err != nil {
		return VerifyResult{Reason: err}
	}
	if err := manifest.VerifyHash(stored, record.ManifestHash); err != nil {
		return VerifyResult{Reason: err}
	}

	for _, f := range m.Files {
		for _, h := range f.Chunks {
			if !s.chunks.Has(h) {
				return VerifyResult{Reason: fmt.Errorf("%w: %s", ErrChunkMissing, h), Path: f.Path}
			}
			b, err := s.chunks.Get(h)
			if err != nil {
				return VerifyResult{Reason: err, Path: f.Path}
			}
			if digest.Sum(b) != h {
				return VerifyResult{Reason: fmt.Errorf("%w: %s", ErrChunkCorrupted, h), Path: f.Path}
			}
		}
	}

	if root := merkle.Root(m); root != record.MerkleRoot {
		return VerifyResult{Reason: ErrMerkleMismatch, Path: sid}
	}

	if err := s.ledger.VerifyChain(sid); err != nil {
		return VerifyResult{Reason: err, Path: sid}
	}

	return VerifyResult{OK: true}
}

// Fsck walks every stored chunk, re-hashing it, and attempts a parity
// Repair on any mismatch. Open's store writes a parity sidecar for every
// new chunk, so a chunk is repairable when its sidecar is present and at
// most parity.ParityShards of its data and parity shards have diverged;
// any other mismatching chunk is reported in corrupted.
func (s *Store) Fsck() (checked, repaired int, corrupted []string, err error) {
	walkErr := s.chunks.ForEach(func(hash string) {
		checked++
		if _, err := s.chunks.GetVerified(hash); err == nil {
			return
		}
		if _, repairErr := s.chunks.Repair(hash); repairErr == nil {
			repaired++
			return
		}
		corrupted = append(corrupted, hash)
	})
	return checked, repaired, corrupted, walkErr
}

// EnableParity turns on Reed-Solomon sidecar writes for all future
// Puts in this store's chunk store.
func (s *Store) EnableParity() { s.chunks.WithParity = true }

// Manifest returns the parsed manifest for sid, for callers (like
// "mount") that need the file tree without going through Restore.
func (s *Store) Manifest(sid string) (manifest.Manifest, error) {
	m, _, err := s.loadManifest(sid)
	return m, err
}

// Chunks exposes the underlying chunk store, for callers that need to
// stream individual files (like "mount") rather than restore a whole
// snapshot to disk.
func (s *Store) Chunks() *chunkstore.Store { return s.chunks }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

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
