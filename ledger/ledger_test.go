package ledger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypack/vaultkeep/digest"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "metadata.json"))
}

func appendSnapshot(t *testing.T, l *Ledger, id string, merkleRoot string) SnapshotRecord {
	t.Helper()
	r := l.NextRecord(id, 100.0, "label", merkleRoot, "manifesthash", 1, 1)
	if err := l.Append(r); err != nil {
		t.Fatalf("Append(%s): %v", id, err)
	}
	return r
}

func TestAppendFirstSnapshotUsesZeroPredecessors(t *testing.T) {
	l := newLedger(t)
	r := appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("root1")))
	if r.PrevRoot != digest.Zero || r.PrevChainHash != digest.Zero {
		t.Errorf("first record prev fields = %q/%q, want ZERO/ZERO", r.PrevRoot, r.PrevChainHash)
	}
	if r.Sequence != 0 {
		t.Errorf("first record sequence = %d, want 0", r.Sequence)
	}
}

func TestAppendChainsSuccessiveSnapshots(t *testing.T) {
	l := newLedger(t)
	r0 := appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("root0")))
	r1 := appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("root1")))

	require.Equal(t, r0.MerkleRoot, r1.PrevRoot, "r1.PrevRoot should chain from r0.MerkleRoot")
	require.Equal(t, r0.ChainHash, r1.PrevChainHash, "r1.PrevChainHash should chain from r0.ChainHash")
	require.Equal(t, ChainHash(r0.ChainHash, r1.MerkleRoot, r1.PrevRoot), r1.ChainHash)
}

func TestAppendRejectsOutOfOrderSequence(t *testing.T) {
	l := newLedger(t)
	bad := SnapshotRecord{ID: "snap_9_ffffffff", Sequence: 5, PrevRoot: digest.Zero, PrevChainHash: digest.Zero}
	if err := l.Append(bad); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Append(out-of-order) = %v, want ErrPrecondition", err)
	}
}

func TestGetReturnsNotFound(t *testing.T) {
	l := newLedger(t)
	if _, err := l.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestListOrdersBySequence(t *testing.T) {
	l := newLedger(t)
	appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("a")))
	appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("b")))
	appendSnapshot(t, l, "snap_3_cccccccc", digest.Sum([]byte("c")))

	got := l.List()
	if len(got) != 3 {
		t.Fatalf("List returned %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.Sequence != i {
			t.Errorf("List()[%d].Sequence = %d, want %d", i, r.Sequence, i)
		}
	}
}

func TestVerifyChainPassesForIntactChain(t *testing.T) {
	l := newLedger(t)
	appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("a")))
	appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("b")))

	require.NoError(t, l.VerifyChain("snap_2_bbbbbbbb"))
}

func TestVerifyChainDetectsTamperedPrevRoot(t *testing.T) {
	l := newLedger(t)
	appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("a")))
	r1 := appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("b")))

	tampered := r1
	tampered.PrevRoot = digest.Zero
	l.Snapshots["snap_2_bbbbbbbb"] = tampered

	err := l.VerifyChain("snap_2_bbbbbbbb")
	require.ErrorIs(t, err, ErrRollbackDetected)
}

func TestVerifyChainDetectsTamperedChainHash(t *testing.T) {
	l := newLedger(t)
	appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("a")))
	r1 := appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("b")))

	tampered := r1
	tampered.ChainHash = digest.Zero
	l.Snapshots["snap_2_bbbbbbbb"] = tampered

	err := l.VerifyChain("snap_2_bbbbbbbb")
	var rbErr *RollbackError
	if !errors.As(err, &rbErr) || rbErr.Reason != ReasonChainHashMismatch {
		t.Fatalf("VerifyChain(tampered chain_hash) = %v, want ReasonChainHashMismatch", err)
	}
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	l := New(path)
	appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("a")))
	appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("b")))

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	require.Len(t, reopened.List(), 2)
	require.Equal(t, "snap_2_bbbbbbbb", reopened.LatestSnapshot)
	require.NoError(t, reopened.VerifyChain("snap_2_bbbbbbbb"))
}

func TestOpenMissingFileReturnsEmptyLedger(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "metadata.json"))
	if err != nil {
		t.Fatalf("Open(missing): %v", err)
	}
	if len(l.List()) != 0 {
		t.Errorf("Open(missing) ledger has %d records, want 0", len(l.List()))
	}
}

func TestRemoveTruncatesChain(t *testing.T) {
	l := newLedger(t)
	appendSnapshot(t, l, "snap_1_aaaaaaaa", digest.Sum([]byte("a")))
	appendSnapshot(t, l, "snap_2_bbbbbbbb", digest.Sum([]byte("b")))

	if err := l.Remove("snap_2_bbbbbbbb"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(l.List()) != 1 {
		t.Errorf("List after Remove = %d records, want 1", len(l.List()))
	}
	if l.LatestSnapshot != "snap_1_aaaaaaaa" {
		t.Errorf("LatestSnapshot after Remove = %s, want snap_1_aaaaaaaa", l.LatestSnapshot)
	}
}
