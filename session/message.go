// Package session holds the durable state of one clio session: the message
// transcript, todos, undo journal references, and long-term knowledge.
package session

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageKind discriminates the four transcript message variants.
type MessageKind string

const (
	KindSystem     MessageKind = "system"
	KindUser       MessageKind = "user"
	KindAssistant  MessageKind = "assistant"
	KindToolResult MessageKind = "tool_result"
)

// ToolCallRequest is one tool invocation requested by an assistant message.
type ToolCallRequest struct {
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters"`
}

// ToolStatus is the structured outcome attached to a ToolResult message.
type ToolStatus struct {
	OK      bool   `json:"ok"`
	Kind    string `json:"kind,omitempty"` // e.g. AuthorizationRequired, Cancelled, Abandoned
	Summary string `json:"summary,omitempty"`
}

// ResultRef points at an externally stored tool payload.
type ResultRef struct {
	Ref         string `json:"ref"` // content hash
	ByteLength  int    `json:"byte_length"`
	ContentType string `json:"content_type,omitempty"`
	HeadPreview string `json:"head_preview,omitempty"` // at most 512 bytes
}

// ContextBlock is user-attached context (file/dir/selection contents),
// resolved before the user message was appended.
type ContextBlock struct {
	Source    string `json:"source"` // e.g. "file:main.go", "selection"
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Message is one transcript entry. Which fields are meaningful depends on Kind:
//
//   - system: Text is the composed system prompt
//   - user: Text plus optional ContextBlocks
//   - assistant: Text and/or ToolCalls
//   - tool_result: CallID plus Inline or Ref, and Status
type Message struct {
	ID        string      `json:"id"`
	TurnID    uint64      `json:"turn_id"`
	Kind      MessageKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`

	Text          string            `json:"text,omitempty"`
	ContextBlocks []ContextBlock    `json:"context_blocks,omitempty"`
	ToolCalls     []ToolCallRequest `json:"tool_calls,omitempty"`

	CallID string      `json:"call_id,omitempty"`
	Inline string      `json:"inline,omitempty"`
	Ref    *ResultRef  `json:"ref,omitempty"`
	Status *ToolStatus `json:"status,omitempty"`
}

// NewMessageID returns a new monotonic message ID.
func NewMessageID() string {
	return ulid.Make().String()
}

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
	TodoBlocked    TodoStatus = "blocked"
)

type Todo struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Status    TodoStatus `json:"status"`
	Priority  int        `json:"priority,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UndoEntry records the pre-mutation state of one path for one turn.
// A nil PreviousContent is a tombstone: the path did not exist before the turn.
type UndoEntry struct {
	Path            string  `json:"path"`
	PreviousContent *string `json:"previous_content"`
	Hash            string  `json:"hash,omitempty"`
}
