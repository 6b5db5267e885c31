// Package contextmgr produces the ordered message list sent to the LLM for
// each request, guaranteed to fit the model's token budget, with the most
// task-relevant history preserved.
package contextmgr

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"clio.dev/session"
)

// fallbackCharsPerToken is used when no calibration data is available at all.
const fallbackCharsPerToken = 4.0

// calibrationSample is representative of transcript content: prose mixed
// with code and JSON. Its measured token count seeds the ratio.
const calibrationSample = `Fix the race condition in store.go: the writer goroutine
reads s.messages without holding s.mu. {"type":"message","id":"01H...","payload":
{"kind":"tool_result","call_id":"c1","inline":"3 files: a.txt, b.txt, c.txt"}}
func (s *Store) AppendMessage(m *Message) error { s.mu.Lock(); defer s.mu.Unlock() }`

// Estimator estimates token counts from characters using a per-model ratio
// calibrated from actual provider usage (exponentially weighted moving
// average). Estimates are cached per message ID; transcript messages are
// immutable once appended, so the cache never goes stale.
type Estimator struct {
	mu            sync.Mutex
	charsPerToken float64
	cache         map[string]int
}

// NewEstimator builds an estimator seeded from the tiktoken cl100k_base
// encoding when available, else a fixed ratio.
func NewEstimator() *Estimator {
	ratio := fallbackCharsPerToken
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		if toks := enc.Encode(calibrationSample, nil, nil); len(toks) > 0 {
			ratio = float64(len(calibrationSample)) / float64(len(toks))
		}
	}
	return &Estimator{
		charsPerToken: ratio,
		cache:         make(map[string]int),
	}
}

// Calibrate folds an observed (characters sent, input tokens billed) pair
// into the ratio. alpha weights the new observation.
func (e *Estimator) Calibrate(promptChars int, inputTokens uint64) {
	if promptChars <= 0 || inputTokens == 0 {
		return
	}
	const alpha = 0.3
	observed := float64(promptChars) / float64(inputTokens)
	e.mu.Lock()
	e.charsPerToken = (1-alpha)*e.charsPerToken + alpha*observed
	e.mu.Unlock()
}

// Ratio returns the current chars-per-token ratio.
func (e *Estimator) Ratio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.charsPerToken
}

// EstimateText estimates tokens for a plain string.
func (e *Estimator) EstimateText(s string) int {
	if s == "" {
		return 0
	}
	e.mu.Lock()
	ratio := e.charsPerToken
	e.mu.Unlock()
	n := int(float64(len(s))/ratio) + 1
	return n
}

// EstimateMessage estimates tokens for a transcript message, caching the
// result by message ID.
func (e *Estimator) EstimateMessage(m *session.Message) int {
	if m.ID != "" {
		e.mu.Lock()
		if n, ok := e.cache[m.ID]; ok {
			e.mu.Unlock()
			return n
		}
		e.mu.Unlock()
	}

	chars := len(m.Text) + len(m.Inline)
	for _, b := range m.ContextBlocks {
		chars += len(b.Source) + len(b.Content)
	}
	for _, c := range m.ToolCalls {
		chars += len(c.ToolName) + len(c.Parameters)
	}
	if m.Ref != nil {
		chars += len(m.Ref.HeadPreview) + 64
	}
	if m.Status != nil {
		raw, _ := json.Marshal(m.Status)
		chars += len(raw)
	}
	chars += 16 // message framing overhead

	e.mu.Lock()
	n := int(float64(chars)/e.charsPerToken) + 1
	if m.ID != "" {
		e.cache[m.ID] = n
	}
	e.mu.Unlock()
	return n
}

// EstimateMessages estimates total tokens across messages.
func (e *Estimator) EstimateMessages(msgs []*session.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.EstimateMessage(m)
	}
	return total
}
