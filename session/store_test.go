package session

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, repair, err := Open(dir, "tst-0001")
	if err != nil {
		t.Fatal(err)
	}
	if !repair.IsZero() {
		t.Fatalf("fresh session needed repair: %s", repair)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAppend(t *testing.T, s *Store, m *Message) {
	t.Helper()
	if err := s.AppendMessage(m); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir, "tst-0002")
	if err != nil {
		t.Fatal(err)
	}

	mustAppend(t, s, &Message{Kind: KindSystem, Text: "you are clio"})
	mustAppend(t, s, &Message{Kind: KindUser, TurnID: 1, Text: "ping"})
	mustAppend(t, s, &Message{
		Kind: KindAssistant, TurnID: 1,
		ToolCalls: []ToolCallRequest{{CallID: "c1", ToolName: "shell", Parameters: json.RawMessage(`{"command":"true"}`)}},
	})
	mustAppend(t, s, &Message{Kind: KindToolResult, TurnID: 1, CallID: "c1", Inline: "ok", Status: &ToolStatus{OK: true}})
	mustAppend(t, s, &Message{Kind: KindAssistant, TurnID: 1, Text: "pong"})
	if err := s.SetTodos([]Todo{{ID: "t1", Text: "reply", Status: TodoDone, CreatedAt: time.Now(), UpdatedAt: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	want := s.Messages()
	s.Close()

	s2, repair, err := Open(dir, "tst-0002")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if !repair.IsZero() {
		t.Errorf("clean session needed repair: %s", repair)
	}
	got := s2.Messages()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].ID != want[i].ID || got[i].Kind != want[i].Kind || got[i].Text != want[i].Text || got[i].TurnID != want[i].TurnID {
			t.Errorf("message %d differs: got %+v want %+v", i, got[i], want[i])
		}
		if !got[i].CreatedAt.Equal(want[i].CreatedAt) {
			t.Errorf("message %d timestamp not preserved", i)
		}
	}
	todos := s2.Todos()
	if len(todos) != 1 || todos[0].ID != "t1" {
		t.Errorf("todos not restored: %+v", todos)
	}
}

func TestSystemMessageInvariants(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendMessage(&Message{Kind: KindUser, Text: "hi"}); err == nil {
		t.Error("expected error appending user message before system message")
	}
	mustAppend(t, s, &Message{Kind: KindSystem, Text: "prompt"})
	if err := s.AppendMessage(&Message{Kind: KindSystem, Text: "another"}); err == nil {
		t.Error("expected error appending second system message")
	}
}

func TestTurnIDMonotonic(t *testing.T) {
	s := newTestStore(t)
	mustAppend(t, s, &Message{Kind: KindSystem, Text: "prompt"})
	mustAppend(t, s, &Message{Kind: KindUser, TurnID: 2, Text: "later"})
	if err := s.AppendMessage(&Message{Kind: KindUser, TurnID: 1, Text: "earlier"}); err == nil {
		t.Error("expected error on decreasing turn id")
	}
}

func TestCrashTruncation(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir, "tst-0003")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, &Message{Kind: KindSystem, Text: "prompt"})
	for i := 1; i <= 4; i++ {
		mustAppend(t, s, &Message{Kind: KindUser, TurnID: uint64(i), Text: "msg"})
	}
	path := s.Path()
	s.Close()

	// Simulate a crash mid-append of a 6th message.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"message","id":"trunc`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2, repair, err := Open(dir, "tst-0003")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if repair.SkippedRecords != 1 {
		t.Errorf("SkippedRecords = %d, want 1", repair.SkippedRecords)
	}
	if n := s2.MessageCount(); n != 5 {
		t.Fatalf("got %d messages after truncated load, want 5", n)
	}
	// The next write must append cleanly.
	mustAppend(t, s2, &Message{Kind: KindUser, TurnID: 5, Text: "sixth"})
	if n := s2.MessageCount(); n != 6 {
		t.Fatalf("got %d messages after re-append, want 6", n)
	}
}

func TestUnknownRecordTypesPreserved(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir, "tst-0004")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, &Message{Kind: KindSystem, Text: "prompt"})
	path := s.Path()
	s.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"future_thing","ts":"2026-01-01T00:00:00Z","payload":{"x":1}}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2, repair, err := Open(dir, "tst-0004")
	if err != nil {
		t.Fatal(err)
	}
	s2.Close()
	if repair.SkippedRecords != 0 {
		t.Errorf("unknown record counted as skipped: %s", repair)
	}

	// The unknown record must survive a full rewrite cycle.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := `"future_thing"`; !strings.Contains(string(data), want) {
		t.Errorf("unknown record lost after reload; file:\n%s", data)
	}
}

func TestSetTodosEnforcesSingleInProgress(t *testing.T) {
	s := newTestStore(t)
	err := s.SetTodos([]Todo{
		{ID: "a", Status: TodoInProgress},
		{ID: "b", Status: TodoInProgress},
	})
	if err == nil {
		t.Error("expected error with two in_progress todos")
	}
}

func TestKnowledgePrunedOnLoad(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir, "tst-0005")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, &Message{Kind: KindSystem, Text: "prompt"})
	now := time.Now()
	entries := []KnowledgeEntry{
		{Namespace: "repo", Topic: "fresh", Data: "x", Confidence: 0.9, CreatedAt: now},
		{Namespace: "repo", Topic: "stale", Data: "y", Confidence: 0.9, CreatedAt: now.Add(-365 * 24 * time.Hour)},
		{Namespace: "repo", Topic: "weak", Data: "z", Confidence: 0.05, CreatedAt: now},
	}
	if err := s.SetKnowledge(entries); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, repair, err := Open(dir, "tst-0005")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got := s2.Knowledge()
	if len(got) != 1 || got[0].Topic != "fresh" {
		t.Errorf("knowledge after prune = %+v, want only 'fresh'", got)
	}
	if repair.PrunedKnowledge != 2 {
		t.Errorf("PrunedKnowledge = %d, want 2", repair.PrunedKnowledge)
	}
}
