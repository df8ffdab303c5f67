package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypack/vaultkeep/digest"
)

func open(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestFirstEntryChainsFromZero(t *testing.T) {
	l := open(t)
	_, err := l.Append(1000, "alice", "backup", ArgsHash([]string{"/src"}), OK, "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	require.Len(t, entries, 1)
	require.Equal(t, digest.Zero, entries[0].PrevHash)
}

func TestAppendChainsSuccessiveEntries(t *testing.T) {
	l := open(t)
	h1, err := l.Append(1000, "alice", "backup", ArgsHash([]string{"/src"}), OK, "")
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if _, err := l.Append(1001, "alice", "list", ArgsHash(nil), OK, ""); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	entries2, err := l.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	require.Len(t, entries2, 2)
	require.Equal(t, h1, entries2[1].PrevHash, "second entry should chain from the first entry's hash")
	_ = entries
}

func TestVerifyPassesOnCleanLog(t *testing.T) {
	l := open(t)
	for i, status := range []Status{OK, DENY, FAIL} {
		if _, err := l.Append(int64(1000+i), "alice", "backup", ArgsHash([]string{"x"}), status, ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := l.Verify(); err != nil {
		t.Errorf("Verify(clean log) = %v, want nil", err)
	}
}

func TestVerifyDetectsByteEdit(t *testing.T) {
	l := open(t)
	if _, err := l.Append(1000, "alice", "backup", ArgsHash([]string{"x"}), OK, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := l.path
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b[10] ^= 0xff
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = l.Verify()
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("Verify(tampered byte) = %v, want *CorruptionError", err)
	}
}

func TestVerifyDetectsAppendedGarbageLine(t *testing.T) {
	l := open(t)
	if _, err := l.Append(1000, "alice", "backup", ArgsHash([]string{"x"}), OK, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("TAMPERED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	_, err = l.Verify()
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("Verify(garbage line) = %v, want *CorruptionError", err)
	}
	if ce.Line != 2 {
		t.Errorf("CorruptionError.Line = %d, want 2", ce.Line)
	}
}

func TestVerifyDetectsReorderedLines(t *testing.T) {
	l := open(t)
	if _, err := l.Append(1000, "alice", "backup", ArgsHash([]string{"x"}), OK, ""); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if _, err := l.Append(1001, "alice", "list", ArgsHash(nil), OK, ""); err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	b, err := os.ReadFile(l.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := splitLines(string(b))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	swapped := lines[1] + "\n" + lines[0] + "\n"
	if err := os.WriteFile(l.path, []byte(swapped), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := l.Verify(); err == nil {
		t.Errorf("Verify(reordered) = nil, want corruption")
	}
}

func TestArgsHashJoinsWithSingleSpace(t *testing.T) {
	want := digest.Sum([]byte("a b"))
	if got := ArgsHash([]string{"a", "b"}); got != want {
		t.Errorf("ArgsHash = %s, want %s", got, want)
	}
}

func TestErrorMessageIsNotHashedButIsStored(t *testing.T) {
	l := open(t)
	h1, err := l.Append(1000, "alice", "restore", ArgsHash([]string{"sid"}), FAIL, "disk full")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	require.Equal(t, "disk full", entries[0].ErrMsg)
	require.Equal(t, h1, entries[0].EntryHash, "the returned hash should match what Entries() later parses back")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
