// Package manifest implements the canonical manifest codec: the
// byte-deterministic JSON form of a snapshot's file-to-chunk mapping, and
// the manifest_hash derived from it.
//
// Canonicalization rules (spec-mandated, not a style choice): object keys
// sorted ascending, files[] sorted ascending by path, no insignificant
// whitespace, numbers in the host's shortest round-trip form, UTF-8
// without a BOM. encoding/json's Marshal on a map[string]interface{}
// already guarantees all four: it sorts map keys lexicographically and
// emits compact output, and its float64 formatting is shortest-round-trip
// by construction. No third-party encoder in the example pack improves on
// that guarantee, so the codec is built on the standard library by design,
// not by default.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/relaypack/vaultkeep/digest"
)

// Version is the on-disk manifest schema version.
const Version = 1

// FileEntry describes one backed-up file: its source-relative path, its
// original byte length, and the ordered list of chunk digests whose
// concatenation reproduces it. An empty file has an empty Chunks slice,
// never a single zero-length chunk.
type FileEntry struct {
	Path   string   `json:"path"`
	Size   int64    `json:"size"`
	Chunks []string `json:"chunks"`
}

// Manifest is a snapshot's file-to-chunk mapping in canonical form.
type Manifest struct {
	Version    int         `json:"version"`
	SnapshotID string      `json:"snapshot_id"`
	SourcePath string      `json:"source_path"`
	CreatedAt  float64     `json:"created_at"`
	Label      string      `json:"label"`
	Files      []FileEntry `json:"files"`
}

var ErrCorrupted = errors.New("manifest: canonical re-serialization does not match manifest_hash")

// New builds a Manifest with Files sorted ascending by path, as the
// canonical form requires.
func New(snapshotID, sourcePath string, createdAt float64, label string, files []FileEntry) Manifest {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return Manifest{
		Version:    Version,
		SnapshotID: snapshotID,
		SourcePath: sourcePath,
		CreatedAt:  createdAt,
		Label:      label,
		Files:      sorted,
	}
}

// Canonicalize renders m to its canonical byte form: object keys sorted
// ascending, no insignificant whitespace, UTF-8, files already in
// path-sorted order.
func (m Manifest) Canonicalize() ([]byte, error) {
	obj := map[string]interface{}{
		"version":     m.Version,
		"snapshot_id": m.SnapshotID,
		"source_path": m.SourcePath,
		"created_at":  m.CreatedAt,
		"label":       m.Label,
		"files":       canonicalFiles(m.Files),
	}
	return json.Marshal(obj)
}

func canonicalFiles(files []FileEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, len(files))
	for i, f := range files {
		chunks := f.Chunks
		if chunks == nil {
			chunks = []string{}
		}
		out[i] = map[string]interface{}{
			"path":   f.Path,
			"size":   f.Size,
			"chunks": chunks,
		}
	}
	return out
}

// Hash returns the manifest_hash: SHA-256 of the canonical byte form.
func (m Manifest) Hash() (string, error) {
	b, err := m.Canonicalize()
	if err != nil {
		return "", err
	}
	return digest.Sum(b), nil
}

// Parse decodes canonical manifest bytes back into a Manifest.
func Parse(b []byte) (Manifest, error) {
	var raw struct {
		Version    int         `json:"version"`
		SnapshotID string      `json:"snapshot_id"`
		SourcePath string      `json:"source_path"`
		CreatedAt  float64     `json:"created_at"`
		Label      string      `json:"label"`
		Files      []FileEntry `json:"files"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parse: %w", err)
	}
	return Manifest{
		Version:    raw.Version,
		SnapshotID: raw.SnapshotID,
		SourcePath: raw.SourcePath,
		CreatedAt:  raw.CreatedAt,
		Label:      raw.Label,
		Files:      raw.Files,
	}, nil
}

// VerifyHash re-canonicalizes stored bytes and checks the result against
// wantHash, returning ErrCorrupted if they disagree. This is the
// manifest_hash check performed before trusting stored manifest bytes at
// all.
func VerifyHash(stored []byte, wantHash string) error {
	m, err := Parse(stored)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	got, err := m.Hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if got != wantHash {
		return ErrCorrupted
	}
	return nil
}
