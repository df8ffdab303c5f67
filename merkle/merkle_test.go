package merkle

import (
	"testing"

	"github.com/relaypack/vaultkeep/digest"
	"github.com/relaypack/vaultkeep/manifest"
)

func TestRootEmptyManifestIsZero(t *testing.T) {
	m := manifest.New("snap_1_aaaaaaaa", "/src", 0, "", nil)
	if got := Root(m); got != digest.Zero {
		t.Errorf("Root(empty) = %s, want %s", got, digest.Zero)
	}
}

func TestRootSingleFileIsItsLeaf(t *testing.T) {
	f := manifest.FileEntry{Path: "a.txt", Size: 3, Chunks: []string{digest.Sum([]byte("x"))}}
	m := manifest.New("snap_1_aaaaaaaa", "/src", 0, "", []manifest.FileEntry{f})
	want := LeafHash(f)
	if got := Root(m); got != want {
		t.Errorf("Root(single) = %s, want %s", got, want)
	}
}

func TestLeafHashEmptyFileHashesPathAndDelimiterOnly(t *testing.T) {
	f := manifest.FileEntry{Path: "empty.txt", Size: 0, Chunks: nil}
	want := digest.SumStrings("empty.txt", "|")
	if got := LeafHash(f); got != want {
		t.Errorf("LeafHash(empty) = %s, want %s", got, want)
	}
}

func TestRootOddCountDuplicatesLast(t *testing.T) {
	files := []manifest.FileEntry{
		{Path: "a", Chunks: []string{digest.Sum([]byte("1"))}},
		{Path: "b", Chunks: []string{digest.Sum([]byte("2"))}},
		{Path: "c", Chunks: []string{digest.Sum([]byte("3"))}},
	}
	m := manifest.New("snap_1_aaaaaaaa", "/src", 0, "", files)
	leaves := make([]string, len(files))
	for i, f := range files {
		leaves[i] = LeafHash(f)
	}
	left := digest.SumStrings(leaves[0], leaves[1])
	right := digest.SumStrings(leaves[2], leaves[2])
	want := digest.SumStrings(left, right)
	if got := Root(m); got != want {
		t.Errorf("Root(odd) = %s, want %s", got, want)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	f := manifest.FileEntry{Path: "a.txt", Size: 1, Chunks: []string{digest.Sum([]byte("x"))}}
	m := manifest.New("snap_1_aaaaaaaa", "/src", 0, "", []manifest.FileEntry{f})
	if err := Verify(m, digest.Zero); err != ErrMismatch {
		t.Errorf("Verify with wrong root = %v, want ErrMismatch", err)
	}
	if err := Verify(m, Root(m)); err != nil {
		t.Errorf("Verify with correct root = %v, want nil", err)
	}
}
