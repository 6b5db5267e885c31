package contextmgr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"clio.dev/llm"
	"clio.dev/session"
)

// Params control trimming. Zero values take the defaults below. The
// threshold and weights are heuristics; treat them as tunables, not truths.
type Params struct {
	ContextWindow      int     // model context window in tokens
	OutputReserve      int     // tokens reserved for the model's reply
	ProactiveThreshold float64 // fraction of budget that triggers proactive trim
	KeepLast           int     // most-recent messages always kept
	KeywordBoost       float64 // score boost for error/fix keywords
	SummaryMaxBytes    int     // cap on the synthetic dropped-context summary
}

const (
	DefaultOutputReserve      = 8192
	DefaultProactiveThreshold = 0.58
	DefaultKeepLast           = 8
	DefaultKeywordBoost       = 0.3
	DefaultSummaryMaxBytes    = 4096
)

func (p Params) withDefaults() Params {
	if p.OutputReserve == 0 {
		p.OutputReserve = DefaultOutputReserve
	}
	if p.ProactiveThreshold == 0 {
		p.ProactiveThreshold = DefaultProactiveThreshold
	}
	if p.KeepLast == 0 {
		p.KeepLast = DefaultKeepLast
	}
	if p.KeywordBoost == 0 {
		p.KeywordBoost = DefaultKeywordBoost
	}
	if p.SummaryMaxBytes == 0 {
		p.SummaryMaxBytes = DefaultSummaryMaxBytes
	}
	return p
}

// ErrBudgetExhausted is returned when even a minimal request exceeds the budget.
var ErrBudgetExhausted = fmt.Errorf("context budget exhausted: minimal request does not fit the model window")

var keywordRe = regexp.MustCompile(`(?i)\b(error|bug|fail|fix|critical)\b`)

// Manager owns the trim pipeline for one session/model pairing.
type Manager struct {
	params Params
	est    *Estimator
}

func New(params Params, est *Estimator) *Manager {
	if est == nil {
		est = NewEstimator()
	}
	return &Manager{params: params.withDefaults(), est: est}
}

func (m *Manager) Estimator() *Estimator { return m.est }

// Budget returns B: the context window minus the output reserve.
func (m *Manager) Budget() int {
	return m.params.ContextWindow - m.params.OutputReserve
}

// unit groups messages that must be kept or dropped together: an assistant
// message carrying tool calls forms one unit with all of its results.
type unit struct {
	msgs  []*session.Message
	first int // index of first message in the original slice
	last  int // index of last message
}

func (m *Manager) buildUnits(msgs []*session.Message) []unit {
	var units []unit
	i := 0
	for i < len(msgs) {
		u := unit{msgs: []*session.Message{msgs[i]}, first: i, last: i}
		if msgs[i].Kind == session.KindAssistant && len(msgs[i].ToolCalls) > 0 {
			calls := map[string]bool{}
			for _, c := range msgs[i].ToolCalls {
				calls[c.CallID] = true
			}
			j := i + 1
			for j < len(msgs) && msgs[j].Kind == session.KindToolResult && calls[msgs[j].CallID] {
				u.msgs = append(u.msgs, msgs[j])
				u.last = j
				j++
			}
			i = j
		} else {
			i++
		}
	}
	return units
}

func (m *Manager) unitTokens(u unit) int {
	total := 0
	for _, msg := range u.msgs {
		total += m.est.EstimateMessage(msg)
	}
	return total
}

// score rates a unit's keep-worthiness. Higher survives longer.
func (m *Manager) score(u unit, total int) float64 {
	recency := 0.0
	if total > 1 {
		recency = float64(u.last) / float64(total-1)
	}
	s := recency

	boosted := false
	roleWeight := 0.0
	for _, msg := range u.msgs {
		if !boosted && keywordRe.MatchString(msg.Text) {
			s += m.params.KeywordBoost
			boosted = true
		}
		var w float64
		switch msg.Kind {
		case session.KindToolResult:
			w = 0.05
		case session.KindUser:
			w = 0.15
		case session.KindAssistant:
			w = 0.25
		}
		if w > roleWeight {
			roleWeight = w
		}
	}
	return s + roleWeight
}

// firstUserIndex returns the index of the first user message (the original task).
func firstUserIndex(msgs []*session.Message) int {
	for i, m := range msgs {
		if m.Kind == session.KindUser {
			return i
		}
	}
	return -1
}

// essential reports whether u may never be dropped: the system message, the
// first user message, or anything within the keep-last window.
func (m *Manager) essential(u unit, msgs []*session.Message, firstUser int) bool {
	if u.first == 0 && len(msgs) > 0 && msgs[0].Kind == session.KindSystem {
		return true
	}
	if firstUser >= 0 && u.first <= firstUser && firstUser <= u.last {
		return true
	}
	if u.last >= len(msgs)-m.params.KeepLast {
		return true
	}
	return false
}

// dropInfo accumulates what a trim removed, for the synthetic summary.
type dropInfo struct {
	dropped      int
	userRequests []string
	toolOps      map[string]int
}

func (d *dropInfo) note(u unit) {
	d.dropped += len(u.msgs)
	for _, msg := range u.msgs {
		switch msg.Kind {
		case session.KindUser:
			line := strings.SplitN(strings.TrimSpace(msg.Text), "\n", 2)[0]
			if len(line) > 120 {
				line = line[:120] + "…"
			}
			if line != "" {
				d.userRequests = append(d.userRequests, line)
			}
		case session.KindAssistant:
			for _, c := range msg.ToolCalls {
				if d.toolOps == nil {
					d.toolOps = map[string]int{}
				}
				d.toolOps[c.ToolName]++
			}
		}
	}
}

func (d *dropInfo) empty() bool { return d.dropped == 0 }

// summaryMessage renders the dropped-context summary, bounded to maxBytes.
func (m *Manager) summaryMessage(d *dropInfo, todos []session.Todo) *session.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Earlier context was compressed to fit the model window: %d messages dropped.\n", d.dropped)
	if len(d.userRequests) > 0 {
		b.WriteString("\nUser requests:\n")
		for _, r := range d.userRequests {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteByte('\n')
		}
	}
	if len(d.toolOps) > 0 {
		b.WriteString("\nTool operations:\n")
		names := make([]string, 0, len(d.toolOps))
		for name := range d.toolOps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s ×%d\n", name, d.toolOps[name])
		}
	}
	if len(todos) > 0 {
		b.WriteString("\nCurrent todos:\n")
		for _, t := range todos {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Status, t.Text)
		}
	}
	text := b.String()
	if len(text) > m.params.SummaryMaxBytes {
		text = text[:m.params.SummaryMaxBytes]
	}
	return &session.Message{
		ID:        session.NewMessageID(),
		Kind:      session.KindSystem,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// Compose returns the message list for the next request, trimmed so its
// estimated token count is at most the budget. The returned slice may
// include a synthetic system-continuation summary message after the system
// message. Compose never mutates its input.
func (m *Manager) Compose(msgs []*session.Message, todos []session.Todo) ([]*session.Message, error) {
	B := m.Budget()
	if B <= 0 {
		return nil, fmt.Errorf("non-positive budget: window %d, reserve %d", m.params.ContextWindow, m.params.OutputReserve)
	}

	drops := &dropInfo{}
	out := msgs

	// Layer 1: proactive. Score-and-drop down to threshold·B.
	threshold := int(m.params.ProactiveThreshold * float64(B))
	if m.est.EstimateMessages(out) > threshold {
		out = m.trimToTarget(out, threshold, drops)
	}

	// Layer 2: validation. Recompute just before send; if the request still
	// does not fit, drop every non-essential unit and summarize the damage.
	if m.est.EstimateMessages(out) > B {
		out = m.trimToTarget(out, 0, drops) // 0 target: drop all droppable units
	}

	if !drops.empty() {
		out = insertAfterSystem(out, m.summaryMessage(drops, todos))
	}

	if m.est.EstimateMessages(out) > B {
		return nil, ErrBudgetExhausted
	}
	return out, nil
}

// trimToTarget drops the lowest-scored non-essential units until the
// estimate is at most target (or nothing droppable remains).
func (m *Manager) trimToTarget(msgs []*session.Message, target int, drops *dropInfo) []*session.Message {
	units := m.buildUnits(msgs)
	firstUser := firstUserIndex(msgs)

	type scored struct {
		u unit
		s float64
	}
	var droppable []scored
	for _, u := range units {
		if m.essential(u, msgs, firstUser) {
			continue
		}
		droppable = append(droppable, scored{u, m.score(u, len(msgs))})
	}
	sort.Slice(droppable, func(i, j int) bool { return droppable[i].s < droppable[j].s })

	dropped := map[*session.Message]bool{}
	total := m.est.EstimateMessages(msgs)
	for _, cand := range droppable {
		if total <= target {
			break
		}
		for _, msg := range cand.u.msgs {
			dropped[msg] = true
		}
		total -= m.unitTokens(cand.u)
		drops.note(cand.u)
	}

	if len(dropped) == 0 {
		return msgs
	}
	out := make([]*session.Message, 0, len(msgs)-len(dropped))
	for _, msg := range msgs {
		if !dropped[msg] {
			out = append(out, msg)
		}
	}
	return out
}

// ReactiveTrim handles a provider context-overflow error. attempt is
// 1-based; each level trims harder and regenerates the summary.
//
//	1: drop the lower-scored half of non-essential units
//	2: keep only the top quarter
//	3: minimal (system + first user + last 2 + todo summary)
func (m *Manager) ReactiveTrim(msgs []*session.Message, todos []session.Todo, attempt int) []*session.Message {
	drops := &dropInfo{}
	var out []*session.Message

	switch {
	case attempt <= 1:
		out = m.trimFraction(msgs, 0.5, drops)
	case attempt == 2:
		out = m.trimFraction(msgs, 0.75, drops)
	default:
		out = m.minimal(msgs, drops)
	}

	if !drops.empty() {
		out = insertAfterSystem(out, m.summaryMessage(drops, todos))
	}
	return out
}

// trimFraction drops the lowest-scored fraction of non-essential units.
func (m *Manager) trimFraction(msgs []*session.Message, fraction float64, drops *dropInfo) []*session.Message {
	units := m.buildUnits(msgs)
	firstUser := firstUserIndex(msgs)

	type scored struct {
		u unit
		s float64
	}
	var droppable []scored
	for _, u := range units {
		if m.essential(u, msgs, firstUser) {
			continue
		}
		droppable = append(droppable, scored{u, m.score(u, len(msgs))})
	}
	sort.Slice(droppable, func(i, j int) bool { return droppable[i].s < droppable[j].s })

	n := int(float64(len(droppable)) * fraction)
	dropped := map[*session.Message]bool{}
	for _, cand := range droppable[:n] {
		for _, msg := range cand.u.msgs {
			dropped[msg] = true
		}
		drops.note(cand.u)
	}
	out := make([]*session.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !dropped[msg] {
			out = append(out, msg)
		}
	}
	return out
}

// minimal keeps the system message, the first user message, and the last
// two messages; everything else is summarized.
func (m *Manager) minimal(msgs []*session.Message, drops *dropInfo) []*session.Message {
	keep := map[*session.Message]bool{}
	if len(msgs) > 0 && msgs[0].Kind == session.KindSystem {
		keep[msgs[0]] = true
	}
	if i := firstUserIndex(msgs); i >= 0 {
		keep[msgs[i]] = true
	}
	for i := max(0, len(msgs)-2); i < len(msgs); i++ {
		keep[msgs[i]] = true
	}

	var out []*session.Message
	for _, u := range m.buildUnits(msgs) {
		anyKept := false
		for _, msg := range u.msgs {
			if keep[msg] {
				anyKept = true
			}
		}
		if anyKept {
			out = append(out, u.msgs...)
			continue
		}
		drops.note(u)
	}
	return out
}

func insertAfterSystem(msgs []*session.Message, summary *session.Message) []*session.Message {
	out := make([]*session.Message, 0, len(msgs)+1)
	if len(msgs) > 0 && msgs[0].Kind == session.KindSystem {
		out = append(out, msgs[0], summary)
		out = append(out, msgs[1:]...)
		return out
	}
	out = append(out, summary)
	out = append(out, msgs...)
	return out
}

// Wire converts the composed transcript into provider wire messages plus
// the system prompt text. Synthetic summary messages ride along as system
// continuations prepended to the system prompt.
func Wire(msgs []*session.Message) (system string, wire []llm.Message) {
	for _, m := range msgs {
		switch m.Kind {
		case session.KindSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
		case session.KindUser:
			text := m.Text
			for _, b := range m.ContextBlocks {
				text += fmt.Sprintf("\n\n<context source=%q>\n%s\n</context>", b.Source, b.Content)
			}
			wire = append(wire, llm.UserStringMessage(text))
		case session.KindAssistant:
			var contents []llm.Content
			if m.Text != "" {
				contents = append(contents, llm.StringContent(m.Text))
			}
			for _, c := range m.ToolCalls {
				contents = append(contents, llm.Content{
					Type:      llm.ContentTypeToolUse,
					ID:        c.CallID,
					ToolName:  c.ToolName,
					ToolInput: c.Parameters,
				})
			}
			wire = append(wire, llm.Message{Role: llm.MessageRoleAssistant, Content: contents})
		case session.KindToolResult:
			text := m.Inline
			if m.Ref != nil {
				text = fmt.Sprintf("[%d bytes stored as %s; preview follows]\n%s", m.Ref.ByteLength, m.Ref.Ref, m.Ref.HeadPreview)
			}
			toolErr := m.Status != nil && !m.Status.OK
			if toolErr && m.Status.Summary != "" && text == "" {
				text = m.Status.Summary
			}
			wire = append(wire, llm.Message{Role: llm.MessageRoleUser, Content: []llm.Content{{
				Type:       llm.ContentTypeToolResult,
				ToolUseID:  m.CallID,
				ToolError:  toolErr,
				ToolResult: text,
			}}})
		}
	}
	return system, wire
}
