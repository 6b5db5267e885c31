package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/richardlehane/crock32"
)

// SchemaVersion is the session file schema understood by this build.
// Readers reject unknown header versions and ignore unknown record types.
const SchemaVersion = 1

// Record is one line of the session file. Unknown Type values are preserved
// verbatim so that newer writers do not lose data through older readers.
type Record struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	recHeader    = "header"
	recMessage   = "message"
	recTodos     = "todos" // full snapshot per record
	recKnowledge = "knowledge"
)

type header struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// RepairSummary reports what load-time repair had to do.
type RepairSummary struct {
	SkippedRecords  int // malformed or truncated records dropped
	OrphanResults   int // tool results with no matching assistant call
	AbandonedCalls  int // assistant calls with no result; synthesized
	DemotedTodos    int // extra in_progress todos demoted to pending
	PrunedKnowledge int
}

func (r RepairSummary) IsZero() bool { return r == RepairSummary{} }

func (r RepairSummary) String() string {
	return fmt.Sprintf("skipped=%d orphan_results=%d abandoned_calls=%d demoted_todos=%d pruned_knowledge=%d",
		r.SkippedRecords, r.OrphanResults, r.AbandonedCalls, r.DemotedTodos, r.PrunedKnowledge)
}

// NewSessionID generates a short human-friendly session ID.
func NewSessionID() string {
	s := crock32.Encode(uint64(rand.Uint32()))
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s[:3] + "-" + s[3:]
}

// Store is the durable backing of one session. All mutating methods flush
// to disk before returning. At most one writer per session; the Store's
// mutex enforces that within a process.
type Store struct {
	dir       string
	sessionID string

	mu        sync.Mutex
	f         *os.File
	hdr       header
	messages  []*Message
	todos     []Todo
	knowledge []KnowledgeEntry
	unknown   []Record // preserved records from newer schema revisions
	repair    RepairSummary
}

// Path returns the session transcript file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.sessionID+".jsonl")
}

// UndoJournalPath returns the sidecar undo journal path for this session.
func (s *Store) UndoJournalPath() string {
	return filepath.Join(s.dir, s.sessionID+".undo.jsonl")
}

// ResultDir returns the content-addressed result store directory.
func (s *Store) ResultDir() string {
	return filepath.Join(s.dir, s.sessionID+".results")
}

func (s *Store) SessionID() string { return s.sessionID }

// Open loads the session with the given ID from dir, creating it if absent.
// Load performs repair; the summary reports what was fixed.
func Open(dir, sessionID string) (*Store, RepairSummary, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, RepairSummary{}, fmt.Errorf("session dir: %w", err)
	}
	s := &Store{dir: dir, sessionID: sessionID}

	data, err := os.ReadFile(s.Path())
	switch {
	case os.IsNotExist(err):
		if err := s.create(); err != nil {
			return nil, RepairSummary{}, err
		}
	case err != nil:
		return nil, RepairSummary{}, fmt.Errorf("read session: %w", err)
	default:
		if err := s.load(data); err != nil {
			return nil, RepairSummary{}, err
		}
	}

	f, err := os.OpenFile(s.Path(), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, RepairSummary{}, fmt.Errorf("open session for append: %w", err)
	}
	s.f = f
	return s, s.repair, nil
}

func (s *Store) create() error {
	s.hdr = header{SchemaVersion: SchemaVersion, SessionID: s.sessionID, CreatedAt: time.Now()}
	payload, err := json.Marshal(s.hdr)
	if err != nil {
		return err
	}
	rec := Record{Type: recHeader, TS: s.hdr.CreatedAt, Payload: payload}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path(), append(line, '\n'))
}

func (s *Store) load(data []byte) error {
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn write leaves a malformed trailing record; drop it
			// (and anything else that does not parse) and keep going.
			s.repair.SkippedRecords++
			continue
		}
		if first {
			if rec.Type != recHeader {
				return fmt.Errorf("session %s: first record is %q, want header", s.sessionID, rec.Type)
			}
			if err := json.Unmarshal(rec.Payload, &s.hdr); err != nil {
				return fmt.Errorf("session %s: bad header: %w", s.sessionID, err)
			}
			if s.hdr.SchemaVersion != SchemaVersion {
				return fmt.Errorf("session %s: unknown schema version %d", s.sessionID, s.hdr.SchemaVersion)
			}
			first = false
			continue
		}
		switch rec.Type {
		case recMessage:
			var m Message
			if err := json.Unmarshal(rec.Payload, &m); err != nil {
				s.repair.SkippedRecords++
				continue
			}
			s.messages = append(s.messages, &m)
		case recTodos:
			var todos []Todo
			if err := json.Unmarshal(rec.Payload, &todos); err != nil {
				s.repair.SkippedRecords++
				continue
			}
			s.todos = todos // later snapshots supersede earlier ones
		case recKnowledge:
			var entries []KnowledgeEntry
			if err := json.Unmarshal(rec.Payload, &entries); err != nil {
				s.repair.SkippedRecords++
				continue
			}
			s.knowledge = entries
		default:
			s.unknown = append(s.unknown, rec)
		}
	}
	if first {
		return fmt.Errorf("session %s: no header record", s.sessionID)
	}

	s.messages, s.repair = repairTranscript(s.messages, s.repair)
	s.todos, s.repair.DemotedTodos = enforceSingleInProgress(s.todos)
	before := len(s.knowledge)
	s.knowledge = pruneKnowledge(s.knowledge, time.Now())
	s.repair.PrunedKnowledge = before - len(s.knowledge)

	if !s.repair.IsZero() {
		slog.Info("session repaired on load", "session_id", s.sessionID, "summary", s.repair.String())
		// Persist the repaired view so the damage is not re-repaired forever.
		return s.rewrite()
	}
	return nil
}

// rewrite persists the full in-memory state with the atomic rename idiom.
func (s *Store) rewrite() error {
	var buf strings.Builder
	appendRec := func(rec Record) error {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}

	hdrPayload, err := json.Marshal(s.hdr)
	if err != nil {
		return err
	}
	if err := appendRec(Record{Type: recHeader, TS: s.hdr.CreatedAt, Payload: hdrPayload}); err != nil {
		return err
	}
	for _, m := range s.messages {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := appendRec(Record{Type: recMessage, ID: m.ID, TS: m.CreatedAt, Payload: payload}); err != nil {
			return err
		}
	}
	if len(s.todos) > 0 {
		payload, err := json.Marshal(s.todos)
		if err != nil {
			return err
		}
		if err := appendRec(Record{Type: recTodos, TS: time.Now(), Payload: payload}); err != nil {
			return err
		}
	}
	if len(s.knowledge) > 0 {
		payload, err := json.Marshal(s.knowledge)
		if err != nil {
			return err
		}
		if err := appendRec(Record{Type: recKnowledge, TS: time.Now(), Payload: payload}); err != nil {
			return err
		}
	}
	for _, rec := range s.unknown {
		if err := appendRec(rec); err != nil {
			return err
		}
	}
	return writeFileAtomic(s.Path(), []byte(buf.String()))
}

func (s *Store) appendRecord(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append session record: %w", err)
	}
	return s.f.Sync()
}

// AppendMessage appends m to the transcript and flushes it.
// It enforces the transcript invariants: exactly one system message at
// index 0, and non-decreasing turn IDs.
func (s *Store) AppendMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Kind == KindSystem && len(s.messages) > 0 {
		return fmt.Errorf("system message must be the first message")
	}
	if m.Kind != KindSystem && len(s.messages) == 0 {
		return fmt.Errorf("first message must be the system message, got %s", m.Kind)
	}
	if n := len(s.messages); n > 0 && m.TurnID < s.messages[n-1].TurnID {
		return fmt.Errorf("turn id went backwards: %d < %d", m.TurnID, s.messages[n-1].TurnID)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.appendRecord(Record{Type: recMessage, ID: m.ID, TS: m.CreatedAt, Payload: payload}); err != nil {
		return err
	}
	s.messages = append(s.messages, m)
	return nil
}

// Messages returns a copy of the transcript.
func (s *Store) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount returns the number of transcript messages.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastTurnID returns the turn ID of the last message, or 0 for an empty session.
func (s *Store) LastTurnID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return 0
	}
	return s.messages[len(s.messages)-1].TurnID
}

// Todos returns a copy of the current todo list.
func (s *Store) Todos() []Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Todo, len(s.todos))
	copy(out, s.todos)
	return out
}

// SetTodos replaces the todo list, enforcing the single in_progress
// invariant, and flushes a snapshot record.
func (s *Store) SetTodos(todos []Todo) error {
	inProgress := 0
	for _, t := range todos {
		if t.Status == TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("at most one todo may be in_progress, got %d", inProgress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(todos)
	if err != nil {
		return err
	}
	if err := s.appendRecord(Record{Type: recTodos, TS: time.Now(), Payload: payload}); err != nil {
		return err
	}
	s.todos = todos
	return nil
}

// Knowledge returns a copy of the knowledge entries.
func (s *Store) Knowledge() []KnowledgeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]KnowledgeEntry, len(s.knowledge))
	copy(out, s.knowledge)
	return out
}

// SetKnowledge replaces the knowledge entries and flushes a snapshot record.
func (s *Store) SetKnowledge(entries []KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := s.appendRecord(Record{Type: recKnowledge, TS: time.Now(), Payload: payload}); err != nil {
		return err
	}
	s.knowledge = entries
	return nil
}

// Close releases the session file. The Store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Delete removes all session state from disk. The store must be closed first.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.UndoJournalPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.RemoveAll(s.ResultDir()); err != nil {
		return err
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file, fsync, and rename,
// so the file is either the old or the new content after a crash.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

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
