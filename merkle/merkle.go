// Package merkle computes a snapshot's Merkle root from its canonical
// manifest: one leaf per file entry, combined pairwise up to a single
// root, with the last element duplicated at each level that has an odd
// count.
package merkle

import (
	"errors"

	"github.com/relaypack/vaultkeep/digest"
	"github.com/relaypack/vaultkeep/manifest"
)

// ErrMismatch is returned by Verify when the recomputed root disagrees
// with the expected one.
var ErrMismatch = errors.New("merkle: recomputed root does not match stored merkle_root")

// leafDelimiter separates a file's path from its joined chunk list in the
// leaf hash input. It is a contract constant: changing it changes every
// leaf hash ever computed.
const leafDelimiter = "|"

// LeafHash computes the leaf hash for one file entry:
// SHA256(path || "|" || chunks.join(",")). A file with no chunks (an
// empty file) still yields a leaf, hashing just "path|".
func LeafHash(f manifest.FileEntry) string {
	return digest.SumStrings(f.Path, leafDelimiter, joinChunks(f.Chunks))
}

func joinChunks(chunks []string) string {
	if len(chunks) == 0 {
		return ""
	}
	out := chunks[0]
	for _, c := range chunks[1:] {
		out += "," + c
	}
	return out
}

// Root computes the Merkle root over a manifest's file entries, in the
// order they appear (the canonical manifest is already path-sorted).
// An empty manifest's root is digest.Zero.
func Root(m manifest.Manifest) string {
	leaves := make([]string, len(m.Files))
	for i, f := range m.Files {
		leaves[i] = LeafHash(f)
	}
	return rootOfLeaves(leaves)
}

func rootOfLeaves(leaves []string) string {
	if len(leaves) == 0 {
		return digest.Zero
	}
	level := leaves
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, digest.SumStrings(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Verify recomputes the root from m and checks it against want.
func Verify(m manifest.Manifest, want string) error {
	if Root(m) != want {
		return ErrMismatch
	}
	return nil
}
