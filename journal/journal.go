// Package journal implements the write-ahead log at "<store>/wal.log":
// an append-only, fsync-backed text file framing each snapshot
// transaction with BEGIN/MANIFEST/METADATA/COMMIT lines, and a recovery
// routine that rolls back any transaction left incomplete by a crash.
//
// The line vocabulary and the truncate-on-recovery idea are grounded in
// the original journal's append/recover pair; the framing itself
// (MANIFEST and METADATA lines, rather than a single SET_METADATA) is
// pinned by the on-disk contract this store must keep.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Journal appends lines to a single file and fsyncs after every write.
type Journal struct {
	path string
}

// Open returns a Journal backed by path, creating an empty file if none
// exists yet.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	f.Close()
	return &Journal{path: path}, nil
}

func (j *Journal) append(line string) error {
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return f.Sync()
}

// Begin appends "BEGIN:<sid>", opening a new transaction.
func (j *Journal) Begin(sid string) error { return j.append("BEGIN:" + sid) }

// Manifest appends "MANIFEST:<manifestHash>".
func (j *Journal) Manifest(manifestHash string) error {
	return j.append("MANIFEST:" + manifestHash)
}

// Metadata appends "METADATA:<sid>:<merkleRoot>:<prevRoot>:<ts>:<label>".
// label must not contain ':'; callers sanitize before calling.
func (j *Journal) Metadata(sid, merkleRoot, prevRoot string, ts float64, label string) error {
	line := fmt.Sprintf("METADATA:%s:%s:%s:%s:%s",
		sid, merkleRoot, prevRoot, strconv.FormatFloat(ts, 'f', -1, 64), label)
	return j.append(line)
}

// Commit appends "COMMIT:<sid>", closing the transaction.
func (j *Journal) Commit(sid string) error { return j.append("COMMIT:" + sid) }

// transaction tracks the lines collected for one sid while scanning the
// journal for Recover.
type transaction struct {
	sid       string
	committed bool
	lines     []string
}

// Recover parses the journal into per-sid transactions and returns the
// sids of every transaction that has a BEGIN but no later COMMIT. It
// does not mutate the journal; callers clean up the incomplete
// transactions' side effects (manifest files, ledger records) and then
// call Compact to rewrite the journal with only committed transactions.
func (j *Journal) Recover() ([]string, error) {
	lines, err := j.readLines()
	if err != nil {
		return nil, err
	}

	order := []string{}
	txs := map[string]*transaction{}
	for _, line := range lines {
		sid, kind, err := parseSID(line)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		if kind != "BEGIN" && sid == "" {
			continue // MANIFEST lines have no sid to key on
		}
		tx, ok := txs[sid]
		if !ok {
			tx = &transaction{sid: sid}
			txs[sid] = tx
			order = append(order, sid)
		}
		tx.lines = append(tx.lines, line)
		if kind == "COMMIT" {
			tx.committed = true
		}
	}

	var incomplete []string
	for _, sid := range order {
		if !txs[sid].committed {
			incomplete = append(incomplete, sid)
		}
	}
	return incomplete, nil
}

// parseSID extracts the sid a BEGIN/METADATA/COMMIT line belongs to.
// MANIFEST lines carry no sid and return ("", "MANIFEST", nil). Compact
// attributes them to whichever BEGIN transaction is open in its
// sequential scan; Recover skips them, since a transaction's BEGIN and
// COMMIT lines alone decide whether it is complete.
func parseSID(line string) (sid, kind string, err error) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", fmt.Errorf("malformed journal line %q", line)
	}
	kind = line[:i]
	rest := line[i+1:]
	switch kind {
	case "BEGIN", "COMMIT":
		return rest, kind, nil
	case "MANIFEST":
		return "", kind, nil
	case "METADATA":
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) == 0 {
			return "", "", fmt.Errorf("malformed METADATA line %q", line)
		}
		return parts[0], kind, nil
	default:
		return "", "", fmt.Errorf("unknown journal record kind %q", kind)
	}
}

// Compact rewrites the journal to contain only the lines belonging to
// committed transactions, using the chunkstore atomic-write idiom (temp
// file + rename) so a crash mid-compaction never leaves a half-written
// journal.
func (j *Journal) Compact() error {
	lines, err := j.readLines()
	if err != nil {
		return err
	}

	committed := map[string]bool{}
	for _, line := range lines {
		sid, kind, err := parseSID(line)
		if err == nil && kind == "COMMIT" {
			committed[sid] = true
		}
	}

	// A second pass is needed because a BEGIN line precedes knowledge of
	// whether its transaction eventually committed.
	var kept []string
	var openSID string
	for _, line := range lines {
		sid, kind, err := parseSID(line)
		if err != nil {
			continue
		}
		switch kind {
		case "BEGIN":
			openSID = sid
		case "MANIFEST":
			sid = openSID
		}
		if committed[sid] {
			kept = append(kept, line)
		}
	}

	return j.rewrite(kept)
}

func (j *Journal) readLines() ([]string, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read %s: %w", j.path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func (j *Journal) rewrite(lines []string) error {
	tmp, err := os.CreateTemp(dirOf(j.path), "wal.log.tmp-*")
	if err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("journal: compact: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: compact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: compact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}
	return os.Rename(tmpName, j.path)
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}
