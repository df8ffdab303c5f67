// Package audit implements the append-only, hash-chained command audit
// trail at "<store>/audit.log". Every core command writes exactly one
// entry, regardless of outcome, and audit-verify detects any tamper: a
// byte edit, a deleted line, or a reordering.
//
// The prev-hash chaining idiom is grounded in the original audit
// logger; the wire format (entry hash binds everything but the trailing
// error message) and the distinguishable corruption report are pinned
// by the on-disk contract.
package audit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaypack/vaultkeep/digest"
)

// Status is one of the three outcomes an audit entry can record.
type Status string

const (
	OK   Status = "OK"
	DENY Status = "DENY"
	FAIL Status = "FAIL"
)

var ErrCorrupted = errors.New("audit: chain verification failed")

// CorruptionError reports the first line at which audit-verify found a
// break in the hash chain.
type CorruptionError struct {
	Line int
	Why  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("audit: corrupted at line %d: %s", e.Line, e.Why)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }

// Log appends entries to a single file, one line per command invocation.
type Log struct {
	path string
}

// Open returns a Log backed by path, creating an empty file if none
// exists yet.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	f.Close()
	return &Log{path: path}, nil
}

// ArgsHash is SHA-256 of the argument vector joined by single spaces.
func ArgsHash(args []string) string {
	return digest.Sum([]byte(strings.Join(args, " ")))
}

// Append writes one entry for a command invocation and returns its
// entry hash. unixMS and errMsg are the caller's responsibility; errMsg
// may be empty. A non-empty errMsg has its backslashes, newlines and tabs
// escaped before it is written, so it always stays on one line.
func (l *Log) Append(unixMS int64, user, command string, argsHash string, status Status, errMsg string) (string, error) {
	prevHash, err := l.lastHash()
	if err != nil {
		return "", err
	}

	body := fmt.Sprintf("%s %d %s %s %s %s", prevHash, unixMS, user, command, argsHash, status)
	entryHash := digest.Sum([]byte(body))

	line := entryHash + " " + body
	if errMsg != "" {
		line += " " + escapeErrMsg(errMsg)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	return entryHash, nil
}

func escapeErrMsg(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

func (l *Log) lastHash() (string, error) {
	lines, err := l.readLines()
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return digest.Zero, nil
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) == 0 {
		return digest.Zero, nil
	}
	return fields[0], nil
}

func (l *Log) readLines() ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read %s: %w", l.path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// Entry is one parsed audit line.
type Entry struct {
	EntryHash string
	PrevHash  string
	UnixMS    int64
	User      string
	Command   string
	ArgsHash  string
	Status    Status
	ErrMsg    string
}

// Verify reads the log line by line, recomputing each entry hash and
// checking the prev-hash chain. It returns the hash of the last valid
// entry, or a *CorruptionError naming the first bad line.
func (l *Log) Verify() (lastHash string, err error) {
	lines, err := l.readLines()
	if err != nil {
		return "", err
	}

	prevHash := digest.Zero
	for i, line := range lines {
		lineNum := i + 1
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return "", &CorruptionError{Line: lineNum, Why: "fewer than 7 fields"}
		}

		entryHash := fields[0]
		storedPrev := fields[1]
		if storedPrev != prevHash {
			return "", &CorruptionError{Line: lineNum, Why: "prev_hash does not match preceding entry_hash"}
		}

		body := strings.Join(fields[1:7], " ")
		if recomputed := digest.Sum([]byte(body)); recomputed != entryHash {
			return "", &CorruptionError{Line: lineNum, Why: "entry_hash does not match recomputed hash"}
		}

		status := Status(fields[6])
		if status != OK && status != DENY && status != FAIL {
			return "", &CorruptionError{Line: lineNum, Why: "unrecognized status " + string(status)}
		}

		prevHash = entryHash
	}
	return prevHash, nil
}

// Entries returns every parsed entry in file order, without
// re-verifying the chain. Used by an "audit show" command for
// human-readable listing.
func (l *Log) Entries() ([]Entry, error) {
	lines, err := l.readLines()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		ms, _ := strconv.ParseInt(fields[2], 10, 64)
		e := Entry{
			EntryHash: fields[0],
			PrevHash:  fields[1],
			UnixMS:    ms,
			User:      fields[3],
			Command:   fields[4],
			ArgsHash:  fields[5],
			Status:    Status(fields[6]),
		}
		if len(fields) > 7 {
			e.ErrMsg = strings.Join(fields[7:], " ")
		}
		out = append(out, e)
	}
	return out, nil
}
