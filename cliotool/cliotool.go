// Package cliotool defines the tool contract the orchestrator dispatches
// against, the sealed registry, and the built-in tools.
package cliotool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"clio.dev/cliotool/resultstore"
	"clio.dev/cliotool/sandbox"
	"clio.dev/cliotool/undo"
	"clio.dev/session"
)

// Tool is a single capability exposed to the model. Run returns the payload
// on success; failures are *Error values so the pipeline can classify them.
type Tool struct {
	Name        string
	Description string
	InputSchema string

	// Mutating tools change files; their WritePaths are authorized,
	// broker-locked, and undo-journaled before Run.
	Mutating bool
	// GitWriting tools additionally take the broker git lock.
	GitWriting bool
	// Timeout overrides the pipeline's per-tool default when non-zero.
	Timeout time.Duration

	// WritePaths extracts the paths a call will write, from its raw input.
	// Nil for tools that never write.
	WritePaths func(input json.RawMessage) []string

	Run func(ctx context.Context, input json.RawMessage) (string, error)

	schema *jsonschema.Schema
}

// ValidateInput checks raw against the tool's compiled schema.
func (t *Tool) ValidateInput(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Errorf(KindValidation, "input is not valid JSON: %v", err)
	}
	if t.schema == nil {
		return nil
	}
	if err := t.schema.Validate(v); err != nil {
		return Errorf(KindValidation, "input rejected by schema: %v", err)
	}
	return nil
}

// Error kinds carried on ToolResult statuses.
const (
	KindValidation            = "Validation"
	KindAuthorizationRequired = "AuthorizationRequired"
	KindLockDenied            = "LockDenied"
	KindTimeout               = "Timeout"
	KindCancelled             = "Cancelled"
	KindAbandoned             = "Abandoned"
	KindFailed                = "Failed"
)

// Error is a classified tool failure.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to Failed for plain errors.
func KindOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindFailed
}

// CallCtx is the per-call environment, carried through the context.
type CallCtx struct {
	SessionID     string
	WorkingDir    string
	UserInitiated bool

	Session *session.Store
	Results *resultstore.Store
	Undo    *undo.Journal
	Auth    *sandbox.Authorizer
}

type callCtxKey struct{}

// WithCallCtx attaches cc to the context for tools to retrieve.
func WithCallCtx(ctx context.Context, cc *CallCtx) context.Context {
	return context.WithValue(ctx, callCtxKey{}, cc)
}

// CurrentCallCtx returns the call environment, or an empty one if absent
// (some tools can run standalone in tests).
func CurrentCallCtx(ctx context.Context) *CallCtx {
	if cc, ok := ctx.Value(callCtxKey{}).(*CallCtx); ok {
		return cc
	}
	return &CallCtx{}
}
