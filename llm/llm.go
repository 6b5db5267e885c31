// Package llm provides a unified interface for interacting with LLMs.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"context"
)

// Service is implemented by provider drivers.
type Service interface {
	// Do sends a request to an LLM and blocks until the full response
	// (or the end of the stream) is available.
	Do(context.Context, *Request) (*Response, error)
}

type Request struct {
	Model     string
	Messages  []Message
	Tools     []ToolDescriptor
	System    string
	MaxTokens int
	// Stream asks the driver to use a streaming transport if it has one.
	// Drivers accumulate frames internally; Do always returns a whole Response.
	Stream bool
}

// ToolDescriptor describes a tool to the model. Execution is not part of
// this package; the orchestrator dispatches calls through its registry.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Message represents one message in the conversation as sent on the wire.
type Message struct {
	Role    MessageRole
	Content []Content
}

type Content struct {
	Type ContentType
	Text string

	// for tool_use
	ID        string
	ToolName  string
	ToolInput json.RawMessage

	// for tool_result
	ToolUseID  string
	ToolError  bool
	ToolResult string
}

func StringContent(s string) Content {
	return Content{Type: ContentTypeText, Text: s}
}

// UserStringMessage creates a user message with a single text content item.
func UserStringMessage(text string) Message {
	return Message{Role: MessageRoleUser, Content: []Content{StringContent(text)}}
}

type (
	MessageRole int
	ContentType int
	StopReason  int
)

//go:generate go tool golang.org/x/tools/cmd/stringer -type=MessageRole,ContentType,StopReason -output=llm_string.go

const (
	MessageRoleSystem MessageRole = iota
	MessageRoleUser
	MessageRoleAssistant

	ContentTypeText ContentType = iota
	ContentTypeToolUse
	ContentTypeToolResult

	StopReasonEndTurn StopReason = iota
	StopReasonToolUse
	StopReasonMaxTokens
)

type Response struct {
	ID          string
	Model       string
	Content     []Content
	StopReason  StopReason
	Usage       Usage
	RateHeaders RateHeaders
	StartTime   *time.Time
	EndTime     *time.Time
}

// ToolCalls returns the tool_use parts of the response, in response order.
func (r *Response) ToolCalls() []Content {
	var calls []Content
	for _, c := range r.Content {
		if c.Type == ContentTypeToolUse {
			calls = append(calls, c)
		}
	}
	return calls
}

// TextContent returns all text parts joined with blank lines.
func (r *Response) TextContent() string {
	var out string
	for _, c := range r.Content {
		if c.Type != ContentTypeText || c.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += c.Text
	}
	return out
}

// Usage represents billing usage for a single response.
type Usage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

func (u *Usage) IsZero() bool { return *u == Usage{} }

func (u *Usage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
	)
}

// RateHeaders carries provider rate-limit state observed on a response.
// Zero values mean "not reported".
type RateHeaders struct {
	Remaining    int           `json:"remaining"`
	ResetAt      time.Time     `json:"reset_at"`
	RetryAfter   time.Duration `json:"retry_after"`
	QuotaUsedPct float64       `json:"quota_used_pct"`
}

func (h RateHeaders) IsZero() bool {
	return h.Remaining == 0 && h.ResetAt.IsZero() && h.RetryAfter == 0 && h.QuotaUsedPct == 0
}

// ErrorKind classifies provider failures for the orchestrator's retry policy.
type ErrorKind int

//go:generate go tool golang.org/x/tools/cmd/stringer -type=ErrorKind -trimprefix=ErrKind -output=errorkind_string.go

const (
	ErrKindTransient ErrorKind = iota
	ErrKindRateLimited
	ErrKindOverloaded
	ErrKindContextOverflow
	ErrKindAuth
	ErrKindBadRequest
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter is set when the provider supplied an explicit cooldown.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Retryable reports whether the orchestrator may retry the request at all.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrKindTransient, ErrKindRateLimited, ErrKindOverloaded:
		return true
	}
	return false
}

// AsProviderError unwraps err into a *ProviderError if possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}
