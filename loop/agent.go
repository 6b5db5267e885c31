package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"clio.dev/broker"
	"clio.dev/cliotool"
	"clio.dev/cliotool/redact"
	"clio.dev/cliotool/resultstore"
	"clio.dev/cliotool/sandbox"
	"clio.dev/cliotool/undo"
	"clio.dev/contextmgr"
	"clio.dev/llm"
	"clio.dev/session"
)

const (
	// DefaultMaxIterations caps LLM requests per turn. Reaching the cap
	// terminates the turn without issuing the next request; the tool round
	// triggered by request N-1 still completes.
	DefaultMaxIterations = 500
	// DefaultTurnTimeout bounds one whole turn.
	DefaultTurnTimeout = 30 * time.Minute
	// DefaultToolTimeout applies when the tool declares none.
	DefaultToolTimeout = 120 * time.Second
	// DefaultInlineBudget caps the cumulative inline tool output per turn.
	// Results past the budget are stored externally regardless of size.
	DefaultInlineBudget = 4 * 1024 * 1024

	maxConcurrentTools = 8
	drainTimeout       = 5 * time.Second

	maxRateRetries      = 3
	maxOverflowTrims    = 3
	maxTransientRetries = 1
)

// Agent runs turns against one session. All collaborator fields must be set
// before the first Turn; Broker may stay nil for uncoordinated runs.
type Agent struct {
	Service  llm.Service
	Model    string
	Store    *session.Store
	Context  *contextmgr.Manager
	Registry *cliotool.Registry
	Redactor *redact.Redactor
	Results  *resultstore.Store
	Undo     *undo.Journal
	Auth     *sandbox.Authorizer
	Broker   *broker.Client
	Log      *slog.Logger

	MaxIterations int
	TurnTimeout   time.Duration
	ToolTimeout   time.Duration
	InlineBudget  int

	mu           sync.Mutex
	cancelTurn   context.CancelCauseFunc
	brokerWarned bool
}

// ErrCancelled is the cancellation cause set by Cancel.
var ErrCancelled = errors.New("turn cancelled")

// TurnResult reports how a turn ended.
type TurnResult struct {
	State      State
	FinalText  string
	Iterations int
	Usage      llm.Usage
	Err        error
}

func (a *Agent) defaults() {
	if a.MaxIterations <= 0 {
		a.MaxIterations = DefaultMaxIterations
	}
	if a.TurnTimeout <= 0 {
		a.TurnTimeout = DefaultTurnTimeout
	}
	if a.ToolTimeout <= 0 {
		a.ToolTimeout = DefaultToolTimeout
	}
	if a.InlineBudget <= 0 {
		a.InlineBudget = DefaultInlineBudget
	}
	if a.Log == nil {
		a.Log = slog.Default()
	}
	if a.Redactor == nil {
		a.Redactor = redact.New(redact.Off)
	}
}

// Cancel aborts the in-flight turn, if any. In-flight tools get a short
// drain window before their results are synthesized.
func (a *Agent) Cancel() {
	a.mu.Lock()
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
}

// Turn appends userMsg to the transcript and drives the loop until a
// terminal state. The transcript holds every intermediate message even when
// the turn ends badly, so a crash or cancellation loses nothing.
func (a *Agent) Turn(ctx context.Context, userMsg *session.Message) (*TurnResult, error) {
	a.defaults()

	ctx, cancelTimeout := context.WithTimeout(ctx, a.TurnTimeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.mu.Lock()
	a.cancelTurn = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancelTurn = nil
		a.mu.Unlock()
	}()

	turnID := a.Store.LastTurnID() + 1
	userMsg.TurnID = turnID
	userMsg.Kind = session.KindUser
	if err := a.Store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	m := NewMachine(a.Log)
	res := &TurnResult{}
	inline := &inlineBudget{limit: a.InlineBudget}

	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			return a.finish(m, res, StateCancelled, context.Cause(ctx))
		}
		if iter >= a.MaxIterations {
			return a.finish(m, res, StateMaxIterations,
				fmt.Errorf("turn hit the %d iteration cap", a.MaxIterations))
		}
		res.Iterations = iter + 1

		m.Transition(StateCompose)
		composed, err := a.Context.Compose(a.Store.Messages(), a.Store.Todos())
		if err != nil {
			return a.finish(m, res, StateBudgetExhausted, err)
		}
		system, wire := contextmgr.Wire(composed)
		req := &llm.Request{
			Model:    a.Model,
			Messages: wire,
			Tools:    a.Registry.Descriptors(),
			System:   system,
		}

		m.Transition(StateAwait)
		resp, err := a.doLLM(ctx, req)
		if err != nil {
			return a.finish(m, res, classifyLLMFailure(ctx, err), err)
		}
		res.Usage.Add(resp.Usage)
		if resp.Usage.InputTokens > 0 {
			a.Context.Estimator().Calibrate(promptChars(req), resp.Usage.InputTokens)
		}

		asst := &session.Message{
			TurnID:    turnID,
			Kind:      session.KindAssistant,
			Text:      resp.TextContent(),
			ToolCalls: toolCallRequests(resp),
		}
		if err := a.Store.AppendMessage(asst); err != nil {
			return a.finish(m, res, StateFatal, err)
		}

		calls := asst.ToolCalls
		if len(calls) == 0 {
			res.FinalText = asst.Text
			return a.finish(m, res, StateDone, nil)
		}

		m.Transition(StateDispatch)
		results := a.dispatch(ctx, turnID, calls, inline)

		m.Transition(StateFeed)
		for _, r := range results {
			if err := a.Store.AppendMessage(r); err != nil {
				return a.finish(m, res, StateFatal, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return a.finish(m, res, StateCancelled, context.Cause(ctx))
		}
	}
}

func (a *Agent) finish(m *Machine, res *TurnResult, st State, err error) (*TurnResult, error) {
	m.Transition(st)
	res.State = st
	res.Err = err
	a.Log.Info("turn finished",
		"state", st.String(), "iterations", res.Iterations, res.Usage.Attr())
	return res, nil
}

func classifyLLMFailure(ctx context.Context, err error) State {
	if ctx.Err() != nil {
		return StateCancelled
	}
	if errors.Is(err, contextmgr.ErrBudgetExhausted) {
		return StateBudgetExhausted
	}
	return StateFatal
}

// doLLM issues one request with the retry policy: rate limits back off with
// the provider or broker advised delay, context overflows trim reactively,
// transient failures get one retry, everything else is fatal.
func (a *Agent) doLLM(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var rateRetries, overflowTrims, transientRetries int
	for {
		release, err := a.acquireSlot(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := a.Service.Do(ctx, req)
		if resp != nil {
			release(&resp.RateHeaders, 200)
		} else {
			release(nil, statusOf(err))
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		pe, ok := llm.AsProviderError(err)
		if !ok {
			return nil, err
		}
		switch pe.Kind {
		case llm.ErrKindRateLimited, llm.ErrKindOverloaded:
			rateRetries++
			if rateRetries > maxRateRetries {
				return nil, fmt.Errorf("rate limited after %d retries: %w", maxRateRetries, err)
			}
			delay := pe.RetryAfter
			if delay <= 0 {
				delay = backoff(rateRetries)
			}
			a.Log.Warn("provider rate limited, backing off",
				"attempt", rateRetries, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		case llm.ErrKindContextOverflow:
			overflowTrims++
			if overflowTrims > maxOverflowTrims {
				return nil, fmt.Errorf("%w: provider still rejects after %d trims",
					contextmgr.ErrBudgetExhausted, maxOverflowTrims)
			}
			a.Log.Warn("provider rejected context size, trimming", "attempt", overflowTrims)
			trimmed := a.Context.ReactiveTrim(a.Store.Messages(), a.Store.Todos(), overflowTrims)
			req.System, req.Messages = contextmgr.Wire(trimmed)
		case llm.ErrKindTransient:
			transientRetries++
			if transientRetries > maxTransientRetries {
				return nil, err
			}
			if err := sleep(ctx, backoff(transientRetries)); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// acquireSlot takes a broker API slot, or degrades to a no-op when no broker
// is configured or the connection is gone.
func (a *Agent) acquireSlot(ctx context.Context) (func(h *llm.RateHeaders, status int), error) {
	noop := func(*llm.RateHeaders, int) {}
	if a.Broker == nil {
		return noop, nil
	}
	if err := a.Broker.AcquireAPISlot(ctx); err != nil {
		if errors.Is(err, broker.ErrNotConnected) {
			a.warnBrokerLost()
			return noop, nil
		}
		return nil, err
	}
	return func(h *llm.RateHeaders, status int) {
		if err := a.Broker.ReleaseAPISlot(h, status); err != nil && !errors.Is(err, broker.ErrNotConnected) {
			a.Log.Warn("api slot release failed", "error", err)
		}
	}, nil
}

func (a *Agent) warnBrokerLost() {
	a.mu.Lock()
	warned := a.brokerWarned
	a.brokerWarned = true
	a.mu.Unlock()
	if !warned {
		a.Log.Warn("broker connection lost, continuing uncoordinated")
	}
}

func statusOf(err error) int {
	if pe, ok := llm.AsProviderError(err); ok && pe.StatusCode != 0 {
		return pe.StatusCode
	}
	return 0
}

func backoff(attempt int) time.Duration {
	base := time.Second << (attempt - 1)
	return base + rand.N(base/2)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func promptChars(req *llm.Request) int {
	n := len(req.System)
	for _, m := range req.Messages {
		for _, c := range m.Content {
			n += len(c.Text) + len(c.ToolResult) + len(c.ToolInput)
		}
	}
	return n
}

func toolCallRequests(resp *llm.Response) []session.ToolCallRequest {
	calls := resp.ToolCalls()
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCallRequest, len(calls))
	for i, c := range calls {
		out[i] = session.ToolCallRequest{
			CallID:     c.ID,
			ToolName:   c.ToolName,
			Parameters: c.ToolInput,
		}
	}
	return out
}

// inlineBudget tracks cumulative inline output across one turn.
type inlineBudget struct {
	mu    sync.Mutex
	used  int
	limit int
}

// fits reserves n inline bytes, reporting whether they fit the budget.
func (b *inlineBudget) fits(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

type preparedCall struct {
	req      session.ToolCallRequest
	tool     *cliotool.Tool
	paths    []string
	lockKeys []string
}

// gitMutexKey sorts before any absolute path so lock acquisition order
// stays globally consistent.
const gitMutexKey = "\x00git"

// dispatch runs the round's tool calls concurrently. Two serialization
// rules apply on top of the concurrency limit: mutating calls touching the
// same path run one at a time, and git-writing calls never overlap. Results
// come back in request order. On cancellation, in-flight calls get a drain
// window; whatever is still running afterwards is reported as abandoned.
func (a *Agent) dispatch(ctx context.Context, turnID uint64, calls []session.ToolCallRequest, inline *inlineBudget) []*session.Message {
	prepared := make([]*preparedCall, len(calls))
	mutexes := make(map[string]*sync.Mutex)
	for i, call := range calls {
		pc := &preparedCall{req: call}
		if tool, ok := a.Registry.Lookup(call.ToolName); ok {
			pc.tool = tool
			if tool.Mutating && tool.WritePaths != nil {
				for _, p := range tool.WritePaths(call.Parameters) {
					pc.paths = append(pc.paths, sandbox.Resolve(p, a.workingDir()))
				}
				pc.lockKeys = append(pc.lockKeys, pc.paths...)
			}
			if tool.GitWriting {
				pc.lockKeys = append(pc.lockKeys, gitMutexKey)
			}
		}
		sort.Strings(pc.lockKeys)
		for _, k := range pc.lockKeys {
			if mutexes[k] == nil {
				mutexes[k] = &sync.Mutex{}
			}
		}
		prepared[i] = pc
	}

	results := make([]*session.Message, len(calls))
	done := make([]atomic.Bool, len(calls))

	g := &errgroup.Group{}
	g.SetLimit(maxConcurrentTools)
	for i, pc := range prepared {
		g.Go(func() error {
			for _, k := range pc.lockKeys {
				mutexes[k].Lock()
			}
			results[i] = a.runCall(ctx, turnID, pc, inline)
			for j := len(pc.lockKeys) - 1; j >= 0; j-- {
				mutexes[pc.lockKeys[j]].Unlock()
			}
			done[i].Store(true)
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		select {
		case <-finished:
		case <-time.After(drainTimeout):
			a.Log.Warn("abandoning tool calls still running after cancellation drain")
		}
	}

	out := make([]*session.Message, len(calls))
	for i := range calls {
		if done[i].Load() {
			out[i] = results[i]
			continue
		}
		out[i] = a.errorResult(turnID, calls[i].CallID, cliotool.KindAbandoned,
			"call was still running when the turn was abandoned")
	}
	return out
}

func (a *Agent) workingDir() string {
	if a.Auth != nil {
		return a.Auth.WorkingDir()
	}
	return ""
}

func (a *Agent) errorResult(turnID uint64, callID, kind, msg string) *session.Message {
	return &session.Message{
		TurnID: turnID,
		Kind:   session.KindToolResult,
		CallID: callID,
		Status: &session.ToolStatus{OK: false, Kind: kind, Summary: a.Redactor.Redact(msg)},
	}
}

// runCall pushes one tool call through the pipeline: validate, authorize,
// broker-lock, journal, run with timeout, redact, size-route.
func (a *Agent) runCall(ctx context.Context, turnID uint64, pc *preparedCall, inline *inlineBudget) *session.Message {
	callID := pc.req.CallID
	if err := ctx.Err(); err != nil {
		return a.errorResult(turnID, callID, cliotool.KindCancelled, "turn cancelled before the call started")
	}
	if pc.tool == nil {
		return a.errorResult(turnID, callID, cliotool.KindValidation,
			fmt.Sprintf("unknown tool %q", pc.req.ToolName))
	}
	if err := pc.tool.ValidateInput(pc.req.Parameters); err != nil {
		return a.errorResult(turnID, callID, cliotool.KindOf(err), err.Error())
	}

	if a.Auth != nil {
		for _, p := range pc.paths {
			if err := a.Auth.Authorize(p, pc.tool.Name+":"+p, false); err != nil {
				return a.errorResult(turnID, callID, cliotool.KindAuthorizationRequired, err.Error())
			}
		}
	}

	if release, denied := a.brokerLocks(pc); denied != nil {
		return a.errorResult(turnID, callID, cliotool.KindLockDenied, denied.Error())
	} else if release != nil {
		defer release()
	}

	if a.Undo != nil && pc.tool.Mutating {
		for _, p := range pc.paths {
			if err := a.Undo.Record(turnID, p); err != nil {
				return a.errorResult(turnID, callID, cliotool.KindFailed,
					fmt.Sprintf("undo journal: %v", err))
			}
		}
	}

	timeout := pc.tool.Timeout
	if timeout <= 0 {
		timeout = a.ToolTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx = cliotool.WithCallCtx(tctx, &cliotool.CallCtx{
		SessionID:  a.Store.SessionID(),
		WorkingDir: a.workingDir(),
		Session:    a.Store,
		Results:    a.Results,
		Undo:       a.Undo,
		Auth:       a.Auth,
	})

	start := time.Now()
	out, err := pc.tool.Run(tctx, pc.req.Parameters)
	a.Log.Debug("tool call finished",
		"tool", pc.tool.Name, "call_id", callID,
		"duration", time.Since(start), "ok", err == nil)
	if err != nil {
		return a.errorResult(turnID, callID, cliotool.KindOf(err), err.Error())
	}

	out = a.Redactor.Redact(out)
	msg := &session.Message{
		TurnID: turnID,
		Kind:   session.KindToolResult,
		CallID: callID,
		Status: &session.ToolStatus{OK: true},
	}
	if len(out) <= resultstore.InlineThreshold && inline.fits(len(out)) {
		msg.Inline = out
		return msg
	}
	if a.Results == nil {
		msg.Inline = out
		return msg
	}
	ref, err := a.Results.Put([]byte(out), "text/plain")
	if err != nil {
		return a.errorResult(turnID, callID, cliotool.KindFailed,
			fmt.Sprintf("store result: %v", err))
	}
	msg.Ref = ref
	msg.Status.Summary = resultstore.Describe(ref)
	return msg
}

// brokerLocks takes the file and git locks a call needs. A denial comes back
// as the second return; a lost broker degrades to no locking.
func (a *Agent) brokerLocks(pc *preparedCall) (release func(), denied error) {
	if a.Broker == nil {
		return nil, nil
	}
	var undoFns []func()
	if len(pc.paths) > 0 {
		_, err := a.Broker.RequestFileLock(pc.paths, "write")
		switch {
		case err == nil:
			undoFns = append(undoFns, func() { a.Broker.ReleaseFileLock(pc.paths) })
		case errors.Is(err, broker.ErrNotConnected):
			a.warnBrokerLost()
		default:
			return nil, err
		}
	}
	if pc.tool.GitWriting {
		_, err := a.Broker.RequestGitLock()
		switch {
		case err == nil:
			undoFns = append(undoFns, func() { a.Broker.ReleaseGitLock() })
		case errors.Is(err, broker.ErrNotConnected):
			a.warnBrokerLost()
		default:
			for _, fn := range undoFns {
				fn()
			}
			return nil, err
		}
	}
	if len(undoFns) == 0 {
		return nil, nil
	}
	return func() {
		for i := len(undoFns) - 1; i >= 0; i-- {
			undoFns[i]()
		}
	}, nil
}
