package cliotool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clio.dev/cliotool/resultstore"
	"clio.dev/session"
)

func testCtx(t *testing.T) (context.Context, *CallCtx) {
	t.Helper()
	cc := &CallCtx{
		SessionID:  "tst-0001",
		WorkingDir: t.TempDir(),
	}
	return WithCallCtx(context.Background(), cc), cc
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Lookup("shell"); !ok {
		t.Error("shell not registered")
	}
	if _, ok := r.Lookup("no_such_tool"); ok {
		t.Error("lookup of unregistered tool succeeded")
	}

	// Duplicate registration fails.
	if err := r.Register(NewShellTool()); err == nil {
		t.Error("duplicate registration accepted")
	}

	// Sealed registry rejects everything.
	r.Seal()
	if err := r.Register(&Tool{Name: "late"}); err == nil {
		t.Error("registration after seal accepted")
	}

	descs := r.Descriptors()
	if len(descs) != len(r.Names()) {
		t.Errorf("descriptor count %d != registered %d", len(descs), len(r.Names()))
	}
	if descs[0].Name != "shell" {
		t.Errorf("descriptors not in registration order: first is %s", descs[0].Name)
	}
}

func TestExternalName(t *testing.T) {
	if got := ExternalName("jira", "search"); got != "external_jira_search" {
		t.Errorf("ExternalName = %q", got)
	}
}

func TestSchemaValidation(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}
	tool, _ := r.Lookup("write_file")

	if err := tool.ValidateInput(json.RawMessage(`{"path":"a.txt","content":"hi"}`)); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	err := tool.ValidateInput(json.RawMessage(`{"path":"a.txt"}`)) // content missing
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindValidation {
		t.Errorf("missing required field: got %v, want Validation error", err)
	}
	if err := tool.ValidateInput(json.RawMessage(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestWriteThenReadFile(t *testing.T) {
	ctx, cc := testCtx(t)
	w := NewWriteFileTool()
	out, err := w.Run(ctx, json.RawMessage(`{"path":"sub/a.txt","content":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "5 bytes") {
		t.Errorf("write output = %q", out)
	}
	if paths := w.WritePaths(json.RawMessage(`{"path":"sub/a.txt","content":"x"}`)); len(paths) != 1 || paths[0] != "sub/a.txt" {
		t.Errorf("WritePaths = %v", paths)
	}

	r := NewReadFileTool()
	got, err := r.Run(ctx, json.RawMessage(`{"path":"sub/a.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("read back %q, want hello", got)
	}
	_ = cc
}

func TestReadFileOffsetLimit(t *testing.T) {
	ctx, cc := testCtx(t)
	content := "l1\nl2\nl3\nl4\nl5"
	os.WriteFile(filepath.Join(cc.WorkingDir, "f.txt"), []byte(content), 0o644)

	r := NewReadFileTool()
	got, err := r.Run(ctx, json.RawMessage(`{"path":"f.txt","offset":2,"limit":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if got != "l2\nl3" {
		t.Errorf("paged read = %q, want l2\\nl3", got)
	}
}

func TestEditFile(t *testing.T) {
	ctx, cc := testCtx(t)
	path := filepath.Join(cc.WorkingDir, "m.go")
	os.WriteFile(path, []byte("foo bar foo"), 0o644)

	e := NewEditFileTool()

	// Ambiguous match without replace_all.
	if _, err := e.Run(ctx, json.RawMessage(`{"path":"m.go","old_text":"foo","new_text":"qux"}`)); err == nil {
		t.Error("ambiguous edit accepted")
	}
	// Missing text.
	if _, err := e.Run(ctx, json.RawMessage(`{"path":"m.go","old_text":"absent","new_text":"x"}`)); err == nil {
		t.Error("edit of absent text accepted")
	}
	// Unique replacement.
	if _, err := e.Run(ctx, json.RawMessage(`{"path":"m.go","old_text":"bar","new_text":"baz"}`)); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "foo baz foo" {
		t.Errorf("after edit: %q", data)
	}
	// replace_all.
	if _, err := e.Run(ctx, json.RawMessage(`{"path":"m.go","old_text":"foo","new_text":"qux","replace_all":true}`)); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "qux baz qux" {
		t.Errorf("after replace_all: %q", data)
	}
}

func TestShell(t *testing.T) {
	ctx, _ := testCtx(t)
	s := NewShellTool()

	out, err := s.Run(ctx, json.RawMessage(`{"command":"echo hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("shell output = %q", out)
	}

	// Syntax errors are rejected before execution.
	_, err = s.Run(ctx, json.RawMessage(`{"command":"echo \"unclosed"}`))
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindValidation {
		t.Errorf("syntax error not caught: %v", err)
	}

	// Non-zero exit is a Failed error carrying the output.
	_, err = s.Run(ctx, json.RawMessage(`{"command":"echo oops >&2; exit 3"}`))
	if !errors.As(err, &te) || te.Kind != KindFailed || !strings.Contains(te.Message, "oops") {
		t.Errorf("exit 3: got %v", err)
	}
}

func TestShellTimeout(t *testing.T) {
	ctx, _ := testCtx(t)
	s := NewShellTool()
	_, err := s.Run(ctx, json.RawMessage(`{"command":"sleep 5","timeout":"100ms"}`))
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindTimeout {
		t.Errorf("timeout: got %v", err)
	}
}

func TestTruncateMiddle(t *testing.T) {
	s := strings.Repeat("a", 100) + strings.Repeat("z", 100)
	out := truncateMiddle(s, 40)
	if !strings.HasPrefix(out, "aaaa") || !strings.HasSuffix(out, "zzzz") {
		t.Errorf("head/tail lost: %q", out)
	}
	if !strings.Contains(out, "elided") {
		t.Errorf("no elision marker: %q", out)
	}
	if truncateMiddle("short", 40) != "short" {
		t.Error("short string modified")
	}
}

func TestTodoTools(t *testing.T) {
	ctx, cc := testCtx(t)
	store, _, err := session.Open(t.TempDir(), "tst-0009")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	cc.Session = store

	w := NewTodoWriteTool()
	if _, err := w.Run(ctx, json.RawMessage(`{"todos":[{"text":"one","status":"in_progress"},{"text":"two","status":"pending"}]}`)); err != nil {
		t.Fatal(err)
	}

	// Two in_progress items violate the invariant.
	_, err = w.Run(ctx, json.RawMessage(`{"todos":[{"text":"a","status":"in_progress"},{"text":"b","status":"in_progress"}]}`))
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindValidation {
		t.Errorf("double in_progress: got %v", err)
	}

	r := NewTodoReadTool()
	out, err := r.Run(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "one") || !strings.Contains(out, "in_progress") {
		t.Errorf("todo_read output = %q", out)
	}
}

func TestResultFetch(t *testing.T) {
	ctx, cc := testCtx(t)
	rs, err := resultstore.Open(filepath.Join(t.TempDir(), "results"))
	if err != nil {
		t.Fatal(err)
	}
	cc.Results = rs

	payload := strings.Repeat("0123456789", 2000)
	ref, err := rs.Put([]byte(payload), "text/plain")
	if err != nil {
		t.Fatal(err)
	}

	f := NewResultFetchTool()
	out, err := f.Run(ctx, json.RawMessage(`{"ref":"`+ref.Ref+`","offset":0,"limit":10}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "0123456789") {
		t.Errorf("fetched chunk = %q", out[:20])
	}
	if !strings.Contains(out, "offset=10") {
		t.Errorf("no continuation hint: %q", out)
	}

	if _, err := f.Run(ctx, json.RawMessage(`{"ref":"nope"}`)); err == nil {
		t.Error("bad ref accepted")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Errorf(KindTimeout, "x")); got != KindTimeout {
		t.Errorf("KindOf(tool error) = %s", got)
	}
	if got := KindOf(errors.New("plain")); got != KindFailed {
		t.Errorf("KindOf(plain) = %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("KindOf(deadline) = %s", got)
	}
}
