package session

// repairTranscript restores the tool call/result pairing invariants:
// every ToolResult must follow an assistant message carrying its call_id,
// and every assistant tool call must eventually have a result. Orphan
// results are dropped; unanswered calls get a synthesized err=Abandoned
// result so the LLM can be re-entered safely.
func repairTranscript(messages []*Message, sum RepairSummary) ([]*Message, RepairSummary) {
	if len(messages) == 0 {
		return messages, sum
	}

	// First pass: system message invariant. Keep the first system message,
	// drop any later ones.
	var kept []*Message
	seenSystem := false
	for i, m := range messages {
		if m.Kind == KindSystem {
			if i != 0 || seenSystem {
				sum.SkippedRecords++
				continue
			}
			seenSystem = true
		}
		kept = append(kept, m)
	}

	// Second pass: pairing. pending maps call_id -> index into out of the
	// assistant message that requested it.
	pending := map[string]bool{}
	var pendingOrder []string
	var out []*Message

	flushPending := func(turnID uint64) {
		for _, callID := range pendingOrder {
			if !pending[callID] {
				continue
			}
			out = append(out, &Message{
				ID:     NewMessageID(),
				TurnID: turnID,
				Kind:   KindToolResult,
				CallID: callID,
				Status: &ToolStatus{OK: false, Kind: "Abandoned", Summary: "tool call was interrupted before a result was recorded"},
			})
		}
		pending = map[string]bool{}
		pendingOrder = pendingOrder[:0]
	}

	for _, m := range kept {
		switch m.Kind {
		case KindAssistant:
			// A new assistant message ends the previous call window.
			if len(pendingOrder) > 0 {
				sum.AbandonedCalls += countPending(pending)
				flushPending(m.TurnID)
			}
			for _, call := range m.ToolCalls {
				if call.CallID == "" {
					continue
				}
				pending[call.CallID] = true
				pendingOrder = append(pendingOrder, call.CallID)
			}
			out = append(out, m)
		case KindToolResult:
			if m.CallID == "" || !pending[m.CallID] {
				sum.OrphanResults++
				continue
			}
			pending[m.CallID] = false
			out = append(out, m)
		default:
			if len(pendingOrder) > 0 && countPending(pending) > 0 {
				sum.AbandonedCalls += countPending(pending)
				flushPending(m.TurnID)
			} else {
				pending = map[string]bool{}
				pendingOrder = pendingOrder[:0]
			}
			out = append(out, m)
		}
	}
	if n := countPending(pending); n > 0 {
		sum.AbandonedCalls += n
		turnID := uint64(0)
		if len(out) > 0 {
			turnID = out[len(out)-1].TurnID
		}
		flushPending(turnID)
	}

	return out, sum
}

func countPending(pending map[string]bool) int {
	n := 0
	for _, open := range pending {
		if open {
			n++
		}
	}
	return n
}

// enforceSingleInProgress demotes all but the first in_progress todo to pending.
func enforceSingleInProgress(todos []Todo) ([]Todo, int) {
	demoted := 0
	seen := false
	for i := range todos {
		if todos[i].Status != TodoInProgress {
			continue
		}
		if seen {
			todos[i].Status = TodoPending
			demoted++
			continue
		}
		seen = true
	}
	return todos, demoted
}
