package contextmgr

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clio.dev/llm"
	"clio.dev/session"
)

// testEstimator returns an estimator with a fixed chars-per-token ratio so
// tests are deterministic regardless of tiktoken availability.
func testEstimator(ratio float64) *Estimator {
	return &Estimator{charsPerToken: ratio, cache: make(map[string]int)}
}

func msg(id string, kind session.MessageKind, turn uint64, text string) *session.Message {
	return &session.Message{ID: id, Kind: kind, TurnID: turn, Text: text}
}

// transcript builds: system, user, then n assistant filler messages of
// fillerLen characters each.
func transcript(n, fillerLen int) []*session.Message {
	msgs := []*session.Message{
		msg("sys", session.KindSystem, 0, "you are a coding agent"),
		msg("u1", session.KindUser, 1, "fix the things"),
	}
	for i := 0; i < n; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("a%d", i), session.KindAssistant, 1, strings.Repeat("x", fillerLen)))
	}
	return msgs
}

func TestComposeNoTrimUnderThreshold(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 100000, OutputReserve: 8192}, est)

	msgs := transcript(5, 50)
	out, err := m.Compose(msgs, nil)
	require.NoError(t, err)
	assert.Len(t, out, len(msgs), "no trim expected under threshold")
}

func TestComposeKeepsEssentials(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 10192, OutputReserve: 8192}, est) // B = 2000

	msgs := transcript(20, 100)
	out, err := m.Compose(msgs, nil)
	require.NoError(t, err)

	require.NotEmpty(t, out)
	assert.Equal(t, session.KindSystem, out[0].Kind)
	ids := map[string]bool{}
	for _, o := range out {
		ids[o.ID] = true
	}
	assert.True(t, ids["u1"], "first user message must survive")
	for i := 0; i < DefaultKeepLast; i++ {
		id := fmt.Sprintf("a%d", 20-1-i)
		assert.True(t, ids[id], "recent message %s must survive", id)
	}
	assert.Less(t, len(out), len(msgs)+1, "something must have been dropped")
	assert.LessOrEqual(t, est.EstimateMessages(out), m.Budget())
}

func TestComposeEmitsSummary(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 10192, OutputReserve: 8192}, est)

	msgs := []*session.Message{
		msg("sys", session.KindSystem, 0, "prompt"),
		msg("u1", session.KindUser, 1, "refactor the parser"),
		msg("u2", session.KindUser, 2, "now add caching to it"),
	}
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("a%d", i), session.KindAssistant, 2, strings.Repeat("y", 120)))
	}

	todos := []session.Todo{{ID: "t1", Text: "add caching", Status: session.TodoInProgress}}
	out, err := m.Compose(msgs, todos)
	require.NoError(t, err)

	require.Greater(t, len(out), 1)
	summary := out[1]
	require.Equal(t, session.KindSystem, summary.Kind, "summary rides just after the system message")
	assert.Contains(t, summary.Text, "compressed")
	assert.Contains(t, summary.Text, "add caching")
	assert.LessOrEqual(t, len(summary.Text), DefaultSummaryMaxBytes)
}

func TestComposePairAtomicity(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 10192, OutputReserve: 8192}, est)

	msgs := []*session.Message{
		msg("sys", session.KindSystem, 0, "prompt"),
		msg("u1", session.KindUser, 1, "run the tests"),
	}
	// An early tool exchange that should be trimmed as one unit.
	call := msg("call1", session.KindAssistant, 1, "")
	call.ToolCalls = []session.ToolCallRequest{{CallID: "c1", ToolName: "shell", Parameters: json.RawMessage(`{"command":"ls"}`)}}
	res := &session.Message{ID: "res1", Kind: session.KindToolResult, TurnID: 1, CallID: "c1", Inline: strings.Repeat("f", 200), Status: &session.ToolStatus{OK: true}}
	msgs = append(msgs, call, res)
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("a%d", i), session.KindAssistant, 1, strings.Repeat("x", 120)))
	}

	out, err := m.Compose(msgs, nil)
	require.NoError(t, err)

	// Either both halves of the exchange survive or neither does, and no
	// result may appear without its call.
	calls := map[string]bool{}
	for _, o := range out {
		if o.Kind == session.KindAssistant {
			for _, c := range o.ToolCalls {
				calls[c.CallID] = true
			}
		}
	}
	for _, o := range out {
		if o.Kind == session.KindToolResult {
			assert.True(t, calls[o.CallID], "tool result %s lost its call", o.CallID)
		}
	}
}

func TestComposeBudgetExhausted(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 8292, OutputReserve: 8192}, est) // B = 100

	msgs := []*session.Message{
		msg("sys", session.KindSystem, 0, strings.Repeat("s", 500)),
		msg("u1", session.KindUser, 1, "hello"),
	}
	_, err := m.Compose(msgs, nil)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestReactiveTrimMinimal(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 100000, OutputReserve: 8192}, est)

	msgs := transcript(12, 80)
	out := m.ReactiveTrim(msgs, nil, 3)

	ids := map[string]bool{}
	for _, o := range out {
		ids[o.ID] = true
	}
	assert.True(t, ids["sys"])
	assert.True(t, ids["u1"])
	assert.True(t, ids["a11"], "last message kept")
	assert.True(t, ids["a10"], "second-to-last message kept")
	assert.False(t, ids["a0"], "old filler dropped at minimal level")
	// The summary is present since units were dropped.
	found := false
	for _, o := range out {
		if o.Kind == session.KindSystem && strings.Contains(o.Text, "compressed") {
			found = true
		}
	}
	assert.True(t, found, "minimal trim must regenerate the summary")
}

func TestReactiveTrimProgression(t *testing.T) {
	est := testEstimator(1.0)
	m := New(Params{ContextWindow: 100000, OutputReserve: 8192}, est)

	msgs := transcript(30, 80)
	l1 := m.ReactiveTrim(msgs, nil, 1)
	l2 := m.ReactiveTrim(msgs, nil, 2)
	l3 := m.ReactiveTrim(msgs, nil, 3)
	assert.Greater(t, len(l1), len(l2))
	assert.Greater(t, len(l2), len(l3))
}

func TestWire(t *testing.T) {
	sys := msg("sys", session.KindSystem, 0, "you are clio")
	cont := msg("cont", session.KindSystem, 0, "earlier context compressed")
	user := msg("u1", session.KindUser, 1, "read this")
	user.ContextBlocks = []session.ContextBlock{{Source: "#file:a.go", Content: "package a"}}
	asst := msg("a1", session.KindAssistant, 1, "running")
	asst.ToolCalls = []session.ToolCallRequest{{CallID: "c1", ToolName: "shell", Parameters: json.RawMessage(`{"command":"go vet"}`)}}
	res := &session.Message{ID: "r1", Kind: session.KindToolResult, TurnID: 1, CallID: "c1", Inline: "ok", Status: &session.ToolStatus{OK: true}}

	system, wire := Wire([]*session.Message{sys, cont, user, asst, res})

	assert.Contains(t, system, "you are clio")
	assert.Contains(t, system, "compressed")
	require.Len(t, wire, 3)

	assert.Equal(t, llm.MessageRoleUser, wire[0].Role)
	assert.Contains(t, wire[0].Content[0].Text, "package a")

	assert.Equal(t, llm.MessageRoleAssistant, wire[1].Role)
	require.Len(t, wire[1].Content, 2)
	assert.Equal(t, llm.ContentTypeToolUse, wire[1].Content[1].Type)
	assert.Equal(t, "c1", wire[1].Content[1].ID)

	assert.Equal(t, llm.MessageRoleUser, wire[2].Role)
	assert.Equal(t, llm.ContentTypeToolResult, wire[2].Content[0].Type)
	assert.Equal(t, "c1", wire[2].Content[0].ToolUseID)
	assert.Equal(t, "ok", wire[2].Content[0].ToolResult)
}

func TestCalibrate(t *testing.T) {
	est := testEstimator(4.0)
	est.Calibrate(350, 100) // observed 3.5
	assert.InDelta(t, 0.7*4.0+0.3*3.5, est.Ratio(), 1e-9)

	// Garbage observations are ignored.
	est.Calibrate(0, 100)
	est.Calibrate(100, 0)
	assert.InDelta(t, 0.7*4.0+0.3*3.5, est.Ratio(), 1e-9)
}

func TestParseTags(t *testing.T) {
	tags := ParseTags("look at #file:main.go and #folder:internal/ plus #codebase and #selection then #terminalLastCommand")
	require.Len(t, tags, 5)
	assert.Equal(t, Tag{Kind: "file", Arg: "main.go"}, tags[0])
	assert.Equal(t, Tag{Kind: "folder", Arg: "internal/"}, tags[1])
	assert.Equal(t, Tag{Kind: "codebase"}, tags[2])
	assert.Equal(t, Tag{Kind: "selection"}, tags[3])
	assert.Equal(t, Tag{Kind: "terminalLastCommand"}, tags[4])
}

func TestAttachmentBudget(t *testing.T) {
	est := testEstimator(1.0) // 1 char = 1 token
	blocks := []session.ContextBlock{
		{Source: "a", Content: strings.Repeat("a", 20000)},
		{Source: "b", Content: strings.Repeat("b", 20000)},
		{Source: "c", Content: strings.Repeat("c", 20000)},
	}
	out := applyAttachmentBudget(est, blocks)
	require.Len(t, out, 2, "third block gets no budget")
	assert.False(t, out[0].Truncated)
	assert.True(t, out[1].Truncated, "second block truncated from the tail")
	assert.Less(t, len(out[1].Content), 20000)

	total := 0
	for _, b := range out {
		total += est.EstimateText(b.Content)
	}
	assert.LessOrEqual(t, total, AttachmentTokenBudget+64)
}
