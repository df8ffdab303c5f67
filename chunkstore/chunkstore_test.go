package chunkstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/relaypack/vaultkeep/digest"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := open(t)
	data := []byte("hello chunk store")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != digest.Sum(data) {
		t.Errorf("Put returned %s, want %s", hash, digest.Sum(data))
	}
	if !s.Has(hash) {
		t.Errorf("Has(%s) = false after Put", hash)
	}
	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %q, want %q", got, data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := open(t)
	data := []byte("same bytes twice")
	h1, err := s.Put(data)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	h2, err := s.Put(data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Put(same data) returned different hashes: %s vs %s", h1, h2)
	}
}

func TestGetMissingChunk(t *testing.T) {
	s := open(t)
	if _, err := s.Get(digest.Zero); err == nil {
		t.Errorf("Get(unknown hash) = nil error, want ErrChunkMissing")
	}
}

func TestGetVerifiedDetectsCorruption(t *testing.T) {
	s := open(t)
	data := []byte("will be corrupted on disk")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(s.dir, hash[:2], hash)
	if err := os.WriteFile(path, []byte("tampered bytes"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	if _, err := s.GetVerified(hash); err == nil {
		t.Errorf("GetVerified(tampered chunk) = nil error, want ErrChunkCorrupted")
	}
}

func TestPutWithParityWritesSidecar(t *testing.T) {
	s := open(t)
	s.WithParity = true
	SetLogger(nil)
	data := bytes.Repeat([]byte("abcd"), 1000)
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	sc, ok, err := s.Sidecar(hash)
	if err != nil {
		t.Fatalf("Sidecar: %v", err)
	}
	if !ok {
		t.Fatalf("Sidecar(%s) not found, want one written alongside the chunk", hash)
	}
	if sc.Size != int64(len(data)) {
		t.Errorf("sidecar Size = %d, want %d", sc.Size, len(data))
	}
}

func TestRepairHealsCorruptChunk(t *testing.T) {
	s := open(t)
	s.WithParity = true
	SetLogger(nil)
	data := bytes.Repeat([]byte("resilient"), 500)
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(s.dir, hash[:2], hash)
	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xff
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	fixed, err := s.Repair(hash)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if !bytes.Equal(fixed, data) {
		t.Errorf("Repair produced different bytes than the original chunk")
	}
	got, err := s.GetVerified(hash)
	if err != nil {
		t.Fatalf("GetVerified after Repair: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("chunk on disk after Repair = %q, want %q", got, data)
	}
}

func TestForEachVisitsEveryStoredChunk(t *testing.T) {
	s := open(t)
	want := map[string]bool{}
	for _, s2 := range []string{"one", "two", "three"} {
		h, err := s.Put([]byte(s2))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		want[h] = true
	}

	got := map[string]bool{}
	if err := s.ForEach(func(hash string) { got[hash] = true }); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ForEach visited %d chunks, want %d", len(got), len(want))
	}
	for h := range want {
		if !got[h] {
			t.Errorf("ForEach did not visit %s", h)
		}
	}
}

func TestCopyToConcatenatesChunksInOrder(t *testing.T) {
	s := open(t)
	h1, _ := s.Put([]byte("foo"))
	h2, _ := s.Put([]byte("bar"))

	var buf bytes.Buffer
	if err := s.CopyTo(&buf, []string{h1, h2}); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	if buf.String() != "foobar" {
		t.Errorf("CopyTo wrote %q, want %q", buf.String(), "foobar")
	}
}
