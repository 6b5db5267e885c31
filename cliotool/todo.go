package cliotool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clio.dev/session"
)

const (
	todoReadName        = "todo_read"
	todoReadDescription = `Returns the current todo list for this session.`

	todoWriteName        = "todo_write"
	todoWriteDescription = `Replaces the session todo list. At most one item may be in_progress at a time.`
	todoWriteInputSchema = `
{
  "type": "object",
  "required": ["todos"],
  "properties": {
    "todos": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text", "status"],
        "properties": {
          "id": {"type": "string"},
          "text": {"type": "string"},
          "status": {"type": "string", "enum": ["pending", "in_progress", "done", "blocked"]},
          "priority": {"type": "integer"}
        }
      }
    }
  }
}
`
)

func NewTodoReadTool() *Tool {
	return &Tool{
		Name:        todoReadName,
		Description: todoReadDescription,
		Run:         runTodoRead,
	}
}

func runTodoRead(ctx context.Context, _ json.RawMessage) (string, error) {
	cc := CurrentCallCtx(ctx)
	if cc.Session == nil {
		return "", Errorf(KindFailed, "no session store available")
	}
	todos := cc.Session.Todos()
	if len(todos) == 0 {
		return "(no todos)", nil
	}
	var b strings.Builder
	for _, t := range todos {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.Status, t.Text, t.ID)
	}
	return b.String(), nil
}

type todoWriteInput struct {
	Todos []struct {
		ID       string `json:"id,omitempty"`
		Text     string `json:"text"`
		Status   string `json:"status"`
		Priority int    `json:"priority,omitempty"`
	} `json:"todos"`
}

func NewTodoWriteTool() *Tool {
	return &Tool{
		Name:        todoWriteName,
		Description: todoWriteDescription,
		InputSchema: todoWriteInputSchema,
		Run:         runTodoWrite,
	}
}

func runTodoWrite(ctx context.Context, m json.RawMessage) (string, error) {
	var req todoWriteInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad todo_write input: %v", err)
	}
	cc := CurrentCallCtx(ctx)
	if cc.Session == nil {
		return "", Errorf(KindFailed, "no session store available")
	}

	existing := map[string]session.Todo{}
	for _, t := range cc.Session.Todos() {
		existing[t.ID] = t
	}

	now := time.Now()
	todos := make([]session.Todo, 0, len(req.Todos))
	for i, in := range req.Todos {
		t := session.Todo{
			ID:        in.ID,
			Text:      in.Text,
			Status:    session.TodoStatus(in.Status),
			Priority:  in.Priority,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("todo-%d-%d", now.UnixNano(), i)
		}
		if prev, ok := existing[t.ID]; ok {
			t.CreatedAt = prev.CreatedAt
		}
		todos = append(todos, t)
	}

	if err := cc.Session.SetTodos(todos); err != nil {
		return "", Errorf(KindValidation, "%v", err)
	}
	return fmt.Sprintf("todo list updated: %d items", len(todos)), nil
}
