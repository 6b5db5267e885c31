// Package undo keeps per-turn snapshots of files before tools mutate them,
// so a turn's writes can be reversed. Mutations made through the shell are
// not tracked; only tools that declare their write paths are journaled.
package undo

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"clio.dev/session"
)

// RingSize is how many turns of undo history are retained.
const RingSize = 20

// TurnRecord holds the pre-mutation state of every path written in one turn.
type TurnRecord struct {
	TurnID  uint64              `json:"turn_id"`
	Entries []session.UndoEntry `json:"entries"`
}

// Journal is the sidecar undo file for one session. All methods are safe
// for concurrent use; the journal is rewritten atomically on every change.
type Journal struct {
	mu    sync.Mutex
	path  string
	turns []*TurnRecord // oldest first, at most RingSize
}

// Open loads the journal at path, creating an empty one if absent.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open undo journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var tr TurnRecord
		if err := json.Unmarshal([]byte(line), &tr); err != nil {
			continue // torn trailing write
		}
		j.turns = append(j.turns, &tr)
	}
	if n := len(j.turns); n > RingSize {
		j.turns = j.turns[n-RingSize:]
	}
	return j, nil
}

// Record snapshots the current content of path (or a tombstone if it does
// not exist) under turnID. Later writes to the same path within the same
// turn are ignored: the journal keeps the pre-turn state.
func (j *Journal) Record(turnID uint64, path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tr := j.currentTurn(turnID)
	for _, e := range tr.Entries {
		if e.Path == path {
			return nil
		}
	}

	entry := session.UndoEntry{Path: path}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// tombstone: PreviousContent stays nil
	case err != nil:
		return fmt.Errorf("undo snapshot of %s: %w", path, err)
	default:
		content := string(data)
		entry.PreviousContent = &content
		sum := sha256.Sum256(data)
		entry.Hash = hex.EncodeToString(sum[:])
	}
	tr.Entries = append(tr.Entries, entry)
	return j.flushLocked()
}

func (j *Journal) currentTurn(turnID uint64) *TurnRecord {
	if n := len(j.turns); n > 0 && j.turns[n-1].TurnID == turnID {
		return j.turns[n-1]
	}
	tr := &TurnRecord{TurnID: turnID}
	j.turns = append(j.turns, tr)
	if len(j.turns) > RingSize {
		j.turns = j.turns[1:]
	}
	return tr
}

// Depth returns how many turns can still be undone.
func (j *Journal) Depth() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.turns)
}

// Undo reverses the most recent recorded turn: entries are applied in
// reverse order, restoring previous content or deleting files that did not
// exist. The turn is popped from the journal.
func (j *Journal) Undo() (*TurnRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.turns)
	if n == 0 {
		return nil, fmt.Errorf("nothing to undo")
	}
	tr := j.turns[n-1]

	for i := len(tr.Entries) - 1; i >= 0; i-- {
		e := tr.Entries[i]
		if e.PreviousContent == nil {
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("undo remove %s: %w", e.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(e.Path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(e.Path, []byte(*e.PreviousContent), 0o644); err != nil {
			return nil, fmt.Errorf("undo restore %s: %w", e.Path, err)
		}
	}

	j.turns = j.turns[:n-1]
	return tr, j.flushLocked()
}

// Preview renders what Undo would change, as a unified-ish text diff from
// each path's current content back to its recorded snapshot.
func (j *Journal) Preview() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.turns)
	if n == 0 {
		return "", fmt.Errorf("nothing to undo")
	}
	tr := j.turns[n-1]

	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, e := range tr.Entries {
		current := ""
		if data, err := os.ReadFile(e.Path); err == nil {
			current = string(data)
		}
		previous := ""
		if e.PreviousContent != nil {
			previous = *e.PreviousContent
		}
		fmt.Fprintf(&b, "--- %s\n", e.Path)
		if e.PreviousContent == nil {
			b.WriteString("(will be deleted; did not exist before the turn)\n")
			continue
		}
		diffs := dmp.DiffMain(current, previous, false)
		dmp.DiffCleanupSemantic(diffs)
		b.WriteString(dmp.DiffPrettyText(diffs))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (j *Journal) flushLocked() error {
	var buf strings.Builder
	for _, tr := range j.turns {
		line, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(j.path, []byte(buf.String()))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
