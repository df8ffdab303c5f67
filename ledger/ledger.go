// Package ledger implements the Metadata Ledger: the append-only
// snapshot hash-chain persisted as canonical JSON at
// "<store>/metadata.json". It is the authority on snapshot ordering and
// the anti-rollback chain invariants the snapshot record format defines.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/relaypack/vaultkeep/digest"
)

// SnapshotRecord is the tuple persisted for one committed backup.
type SnapshotRecord struct {
	ID            string  `json:"id"`
	CreatedAt     float64 `json:"created_at"`
	Label         string  `json:"label"`
	MerkleRoot    string  `json:"merkle_root"`
	PrevRoot      string  `json:"prev_root"`
	PrevChainHash string  `json:"prev_chain_hash"`
	ChainHash     string  `json:"chain_hash"`
	ManifestHash  string  `json:"manifest_hash"`
	TotalFiles    int     `json:"total_files"`
	TotalChunks   int     `json:"total_chunks"`
	Sequence      int     `json:"sequence"`
}

// Ledger is the full persisted metadata store.
type Ledger struct {
	Snapshots          map[string]SnapshotRecord `json:"snapshots"`
	PrevRootChain      []string                  `json:"prev_root_chain"`
	LatestSnapshot     string                    `json:"latest_snapshot"`
	LatestSnapshotRoot string                    `json:"latest_snapshot_root"`

	path string
}

var (
	ErrNotFound         = errors.New("ledger: snapshot not found")
	ErrPrecondition     = errors.New("ledger: append precondition violated")
	ErrRollbackDetected = errors.New("ledger: rollback detected")
)

// RollbackReason distinguishes the two sub-conditions verify_chain
// reports.
type RollbackReason int

const (
	ReasonPrevRootMismatch RollbackReason = iota
	ReasonChainHashMismatch
)

func (r RollbackReason) String() string {
	switch r {
	case ReasonPrevRootMismatch:
		return "previous snapshot not found for root"
	case ReasonChainHashMismatch:
		return "hash chain mismatch"
	default:
		return "unknown"
	}
}

// RollbackError wraps ErrRollbackDetected with the offending sequence and
// reason.
type RollbackError struct {
	Sequence int
	Reason   RollbackReason
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("ledger: rollback detected at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *RollbackError) Unwrap() error { return ErrRollbackDetected }

// New returns an empty ledger backed by path.
func New(path string) *Ledger {
	return &Ledger{Snapshots: map[string]SnapshotRecord{}, path: path}
}

// Open loads the ledger at path, or returns an empty one if the file
// does not exist yet (the state right after init(store)).
func Open(path string) (*Ledger, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path), nil
		}
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	var l Ledger
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("ledger: parse %s: %w", path, err)
	}
	if l.Snapshots == nil {
		l.Snapshots = map[string]SnapshotRecord{}
	}
	l.path = path
	return &l, nil
}

// ChainHash computes SHA256(prevChainHash || merkleRoot || prevRoot),
// the anti-rollback binding every record in the chain must satisfy.
func ChainHash(prevChainHash, merkleRoot, prevRoot string) string {
	return digest.SumStrings(prevChainHash, merkleRoot, prevRoot)
}

// NextRecord builds the SnapshotRecord that a correct Append call for
// this ledger's current tip would accept, filling in sequence, prev_root,
// prev_chain_hash and chain_hash automatically.
func (l *Ledger) NextRecord(id string, createdAt float64, label, merkleRoot, manifestHash string, totalFiles, totalChunks int) SnapshotRecord {
	seq := len(l.PrevRootChain)
	prevRoot := digest.Zero
	prevChainHash := digest.Zero
	if seq > 0 {
		prevRoot = l.PrevRootChain[seq-1]
		prevChainHash = l.Snapshots[l.LatestSnapshot].ChainHash
	}
	return SnapshotRecord{
		ID:            id,
		CreatedAt:     createdAt,
		Label:         label,
		MerkleRoot:    merkleRoot,
		PrevRoot:      prevRoot,
		PrevChainHash: prevChainHash,
		ChainHash:     ChainHash(prevChainHash, merkleRoot, prevRoot),
		ManifestHash:  manifestHash,
		TotalFiles:    totalFiles,
		TotalChunks:   totalChunks,
		Sequence:      seq,
	}
}

// Append validates record against the ledger's append preconditions and,
// if they hold, adds it and persists the ledger atomically (temp file +
// rename), following the same durability idiom the chunk store and
// journal use.
func (l *Ledger) Append(record SnapshotRecord) error {
	if record.Sequence != len(l.PrevRootChain) {
		return fmt.Errorf("%w: sequence %d, want %d", ErrPrecondition, record.Sequence, len(l.PrevRootChain))
	}

	wantPrevRoot := digest.Zero
	wantPrevChainHash := digest.Zero
	if record.Sequence > 0 {
		wantPrevRoot = l.PrevRootChain[record.Sequence-1]
		wantPrevChainHash = l.Snapshots[l.LatestSnapshot].ChainHash
	}
	if record.PrevRoot != wantPrevRoot {
		return fmt.Errorf("%w: prev_root %s, want %s", ErrPrecondition, record.PrevRoot, wantPrevRoot)
	}
	if record.PrevChainHash != wantPrevChainHash {
		return fmt.Errorf("%w: prev_chain_hash %s, want %s", ErrPrecondition, record.PrevChainHash, wantPrevChainHash)
	}
	if want := ChainHash(record.PrevChainHash, record.MerkleRoot, record.PrevRoot); record.ChainHash != want {
		return fmt.Errorf("%w: chain_hash %s, want %s", ErrPrecondition, record.ChainHash, want)
	}

	l.Snapshots[record.ID] = record
	l.PrevRootChain = append(l.PrevRootChain, record.MerkleRoot)
	l.LatestSnapshot = record.ID
	l.LatestSnapshotRoot = record.MerkleRoot
	return l.save()
}

// Remove deletes the record for id and truncates prev_root_chain back to
// its sequence, used by journal recovery to undo an uncommitted append
// that should not have happened.
func (l *Ledger) Remove(id string) error {
	record, ok := l.Snapshots[id]
	if !ok {
		return nil
	}
	delete(l.Snapshots, id)
	if record.Sequence < len(l.PrevRootChain) {
		l.PrevRootChain = l.PrevRootChain[:record.Sequence]
	}
	l.LatestSnapshot = ""
	l.LatestSnapshotRoot = digest.Zero
	for _, r := range l.Snapshots {
		if r.Sequence == len(l.PrevRootChain)-1 {
			l.LatestSnapshot = r.ID
			l.LatestSnapshotRoot = r.MerkleRoot
		}
	}
	return l.save()
}

// Get returns the record for id, or ErrNotFound.
func (l *Ledger) Get(id string) (SnapshotRecord, error) {
	r, ok := l.Snapshots[id]
	if !ok {
		return SnapshotRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// List returns every record ordered by sequence.
func (l *Ledger) List() []SnapshotRecord {
	out := make([]SnapshotRecord, 0, len(l.Snapshots))
	for _, r := range l.Snapshots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// VerifyChain walks from genesis through the sequence of id and returns
// a *RollbackError on the first invariant violation, nil if the whole
// prefix is consistent.
func (l *Ledger) VerifyChain(id string) error {
	target, err := l.Get(id)
	if err != nil {
		return err
	}

	bySeq := map[int]SnapshotRecord{}
	for _, r := range l.Snapshots {
		bySeq[r.Sequence] = r
	}

	prevRoot := digest.Zero
	prevChainHash := digest.Zero
	for seq := 0; seq <= target.Sequence; seq++ {
		r, ok := bySeq[seq]
		if !ok {
			return &RollbackError{Sequence: seq, Reason: ReasonPrevRootMismatch}
		}
		if r.PrevRoot != prevRoot {
			return &RollbackError{Sequence: seq, Reason: ReasonPrevRootMismatch}
		}
		if r.PrevChainHash != prevChainHash {
			return &RollbackError{Sequence: seq, Reason: ReasonChainHashMismatch}
		}
		if want := ChainHash(r.PrevChainHash, r.MerkleRoot, r.PrevRoot); r.ChainHash != want {
			return &RollbackError{Sequence: seq, Reason: ReasonChainHashMismatch}
		}
		prevRoot = r.MerkleRoot
		prevChainHash = r.ChainHash
	}
	return nil
}

// canonicalize renders the ledger to canonical bytes using the same
// sorted-keys, no-whitespace rule as package manifest.
func (l *Ledger) canonicalize() ([]byte, error) {
	snapshots := make(map[string]interface{}, len(l.Snapshots))
	for id, r := range l.Snapshots {
		snapshots[id] = map[string]interface{}{
			"id":              r.ID,
			"created_at":      r.CreatedAt,
			"label":           r.Label,
			"merkle_root":     r.MerkleRoot,
			"prev_root":       r.PrevRoot,
			"prev_chain_hash": r.PrevChainHash,
			"chain_hash":      r.ChainHash,
			"manifest_hash":   r.ManifestHash,
			"total_files":     r.TotalFiles,
			"total_chunks":    r.TotalChunks,
			"sequence":        r.Sequence,
		}
	}
	prevRootChain := l.PrevRootChain
	if prevRootChain == nil {
		prevRootChain = []string{}
	}
	obj := map[string]interface{}{
		"snapshots":            snapshots,
		"prev_root_chain":      prevRootChain,
		"latest_snapshot":      l.LatestSnapshot,
		"latest_snapshot_root": l.LatestSnapshotRoot,
	}
	return json.Marshal(obj)
}

// Save persists the ledger's current state, even if it is still empty.
// Used by store initialization to materialize "metadata.json" up front.
func (l *Ledger) Save() error { return l.save() }

func (l *Ledger) save() error {
	b, err := l.canonicalize()
	if err != nil {
		return fmt.Errorf("ledger: canonicalize: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: save: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "metadata.json.tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: save: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: save: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: save: %w", err)
	}
	return os.Rename(tmpName, l.path)
}
