package session

import (
	"testing"
)

func TestRepairDropsOrphanResults(t *testing.T) {
	msgs := []*Message{
		{ID: "1", Kind: KindSystem, Text: "prompt"},
		{ID: "2", Kind: KindUser, TurnID: 1, Text: "go"},
		{ID: "3", Kind: KindToolResult, TurnID: 1, CallID: "nope", Inline: "orphan"},
		{ID: "4", Kind: KindAssistant, TurnID: 1, Text: "done"},
	}
	out, sum := repairTranscript(msgs, RepairSummary{})
	if sum.OrphanResults != 1 {
		t.Errorf("OrphanResults = %d, want 1", sum.OrphanResults)
	}
	for _, m := range out {
		if m.Kind == KindToolResult {
			t.Errorf("orphan tool result survived repair: %+v", m)
		}
	}
}

func TestRepairSynthesizesAbandonedResults(t *testing.T) {
	msgs := []*Message{
		{ID: "1", Kind: KindSystem, Text: "prompt"},
		{ID: "2", Kind: KindUser, TurnID: 1, Text: "go"},
		{ID: "3", Kind: KindAssistant, TurnID: 1, ToolCalls: []ToolCallRequest{
			{CallID: "c1", ToolName: "shell"},
			{CallID: "c2", ToolName: "read_file"},
		}},
		{ID: "4", Kind: KindToolResult, TurnID: 1, CallID: "c1", Inline: "ok", Status: &ToolStatus{OK: true}},
		// c2 has no result: the process died mid-turn.
	}
	out, sum := repairTranscript(msgs, RepairSummary{})
	if sum.AbandonedCalls != 1 {
		t.Fatalf("AbandonedCalls = %d, want 1", sum.AbandonedCalls)
	}
	var found *Message
	for _, m := range out {
		if m.Kind == KindToolResult && m.CallID == "c2" {
			found = m
		}
	}
	if found == nil {
		t.Fatal("no synthesized result for c2")
	}
	if found.Status == nil || found.Status.OK || found.Status.Kind != "Abandoned" {
		t.Errorf("synthesized result has wrong status: %+v", found.Status)
	}

	// Invariant 1: every tool result now has a matching preceding call.
	calls := map[string]bool{}
	for _, m := range out {
		switch m.Kind {
		case KindAssistant:
			for _, c := range m.ToolCalls {
				calls[c.CallID] = true
			}
		case KindToolResult:
			if !calls[m.CallID] {
				t.Errorf("tool result %s has no preceding call", m.CallID)
			}
		}
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	msgs := []*Message{
		{ID: "1", Kind: KindSystem, Text: "prompt"},
		{ID: "2", Kind: KindUser, TurnID: 1, Text: "go"},
		{ID: "3", Kind: KindAssistant, TurnID: 1, ToolCalls: []ToolCallRequest{{CallID: "c1", ToolName: "shell"}}},
	}
	once, _ := repairTranscript(msgs, RepairSummary{})
	twice, sum := repairTranscript(once, RepairSummary{})
	if sum.AbandonedCalls != 0 || sum.OrphanResults != 0 {
		t.Errorf("second repair did work: %s", sum)
	}
	if len(twice) != len(once) {
		t.Errorf("second repair changed length: %d != %d", len(twice), len(once))
	}
}

func TestEnforceSingleInProgress(t *testing.T) {
	todos := []Todo{
		{ID: "a", Status: TodoInProgress},
		{ID: "b", Status: TodoInProgress},
		{ID: "c", Status: TodoDone},
		{ID: "d", Status: TodoInProgress},
	}
	out, demoted := enforceSingleInProgress(todos)
	if demoted != 2 {
		t.Errorf("demoted = %d, want 2", demoted)
	}
	inProgress := 0
	for _, td := range out {
		if td.Status == TodoInProgress {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Errorf("in_progress after enforcement = %d, want 1", inProgress)
	}
	if out[0].Status != TodoInProgress {
		t.Error("first in_progress todo should keep its status")
	}
}
