// Package parity Reed-Solomon-protects individual stored chunks
// (github.com/klauspost/reedsolomon): every chunk written to the Chunk
// Store gets a small parity sidecar that lets `fsck` detect and, when
// enough parity survives, repair localized corruption of that chunk's
// bytes on disk.
//
// This is a supplement, not a substitute, for digest-based corruption
// detection: Verify always re-hashes chunk bytes and fails hard on a
// mismatch regardless of what parity says. Parity only gives `fsck` a
// chance to heal a chunk before that happens.
package parity

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/relaypack/vaultkeep/digest"
)

// DataShards and ParityShards fix the (4, 2) scheme used for every chunk:
// small enough that the parity overhead on a sub-1MiB chunk stays modest,
// large enough to survive a single corrupted shard.
const (
	DataShards   = 4
	ParityShards = 2
)

// Sidecar is the parity data stored alongside a chunk, named
// "<hash>.rs" next to "<hash>" in the chunk store.
type Sidecar struct {
	Size         int64
	ShardSize    int64
	DataHashes   []string
	ParityHashes []string
	ParityShards [][]byte
}

var (
	ErrShardCountMismatch = errors.New("parity: sidecar shard count does not match encoding parameters")
	ErrUnrecoverable      = errors.New("parity: too many corrupt shards to reconstruct")
)

// Encode computes a Sidecar for data.
func Encode(data []byte) (Sidecar, error) {
	shards, shardSize := shardData(data, DataShards)

	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return Sidecar{}, fmt.Errorf("parity: new encoder: %w", err)
	}

	all := make([][]byte, DataShards+ParityShards)
	copy(all, shards)
	for i := DataShards; i < len(all); i++ {
		all[i] = make([]byte, shardSize)
	}
	if err := enc.Encode(all); err != nil {
		return Sidecar{}, fmt.Errorf("parity: encode: %w", err)
	}

	sc := Sidecar{Size: int64(len(data)), ShardSize: shardSize}
	for _, s := range all[:DataShards] {
		sc.DataHashes = append(sc.DataHashes, digest.Sum(s))
	}
	for _, s := range all[DataShards:] {
		sc.ParityHashes = append(sc.ParityHashes, digest.Sum(s))
		sc.ParityShards = append(sc.ParityShards, s)
	}
	return sc, nil
}

// Verify reports whether data still matches the data-shard hashes
// recorded in sc.
func Verify(data []byte, sc Sidecar) bool {
	shards, shardSize := shardData(data, DataShards)
	if shardSize != sc.ShardSize || len(sc.DataHashes) != DataShards {
		return false
	}
	for i, s := range shards {
		if digest.Sum(s) != sc.DataHashes[i] {
			return false
		}
	}
	return true
}

// Repair attempts to reconstruct the original chunk bytes from whatever
// data shards still match sc's recorded hashes, using the stored parity
// shards to fill in the rest. It returns ErrUnrecoverable if more than
// ParityShards shards, data and parity shards counted together, have
// diverged from their recorded hashes.
func Repair(data []byte, sc Sidecar) ([]byte, error) {
	if len(sc.ParityShards) != ParityShards || len(sc.DataHashes) != DataShards {
		return nil, ErrShardCountMismatch
	}

	shards, shardSize := shardData(data, DataShards)
	if shardSize != sc.ShardSize {
		return nil, ErrShardCountMismatch
	}

	all := make([][]byte, DataShards+ParityShards)
	missing := 0
	for i, s := range shards {
		if digest.Sum(s) == sc.DataHashes[i] {
			all[i] = s
		} else {
			missing++
		}
	}
	for i, s := range sc.ParityShards {
		if digest.Sum(s) == sc.ParityHashes[i] {
			all[DataShards+i] = s
		} else {
			missing++
		}
	}
	if missing > ParityShards {
		return nil, ErrUnrecoverable
	}

	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("parity: new encoder: %w", err)
	}
	if err := enc.Reconstruct(all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}

	var buf bytes.Buffer
	for _, s := range all[:DataShards] {
		buf.Write(s)
	}
	return buf.Bytes()[:sc.Size], nil
}

// shardData splits data into n equal, zero-padded shards.
func shardData(data []byte, n int) ([][]byte, int64) {
	shardSize := (int64(len(data)) + int64(n) - 1) / int64(n)
	if shardSize == 0 {
		shardSize = 1
	}
	buf := make([]byte, shardSize*int64(n))
	copy(buf, data)

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = buf[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	return shards, shardSize
}

// Marshal/Unmarshal persist a Sidecar using gob, stored as a ".rs" file
// alongside its chunk.
func (sc Sidecar) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) (Sidecar, error) {
	var sc Sidecar
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&sc)
	return sc, err
}
