// Package scribe defines clio-wide logging types and functions.
//
// Logging happens via slog. Components annotate their contexts with
// ContextWithAttr; the handler returned by AttrsWrap folds those
// attributes into every record logged under that context.
package scribe

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
)

type attrsKey struct{}

// secretEnvPrefixes lists environment variable names whose values must never
// reach a log file or a subprocess listing.
var secretEnvPrefixes = []string{
	"OPENAI_API_KEY=",
	"ANTHROPIC_API_KEY=",
	"CLIO_API_KEY=",
	"FIREWORKS_API_KEY=",
	"TOGETHER_API_KEY=",
	"GEMINI_API_KEY=",
}

// RedactEnv returns a copy of environ with API key values replaced.
func RedactEnv(environ []string) []string {
	ret := make([]string, 0, len(environ))
	for _, kv := range environ {
		redacted := false
		for _, prefix := range secretEnvPrefixes {
			if strings.HasPrefix(kv, prefix) {
				ret = append(ret, prefix+"[REDACTED]")
				redacted = true
				break
			}
		}
		if !redacted {
			ret = append(ret, kv)
		}
	}
	return ret
}

// ContextWithAttr returns a context carrying the given slog attributes in
// addition to any it already carries.
func ContextWithAttr(ctx context.Context, add ...slog.Attr) context.Context {
	attrs := slices.Clone(Attrs(ctx))
	attrs = append(attrs, add...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// Attrs returns the slog attributes carried by ctx, if any.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

// AttrsWrap wraps h so that context-carried attributes are added to every record.
func AttrsWrap(h slog.Handler) slog.Handler {
	return &augmentHandler{Handler: h}
}

type augmentHandler struct {
	slog.Handler
}

func (h *augmentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

// NewSessionLogger builds the standard clio session logger: JSON records at
// debug level with context attributes folded in.
func NewSessionLogger(w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(AttrsWrap(h))
}
