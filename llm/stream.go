package llm

import (
	"encoding/json"
	"fmt"
)

// FrameKind discriminates streaming frames.
type FrameKind int

//go:generate go tool golang.org/x/tools/cmd/stringer -type=FrameKind -trimprefix=Frame -output=framekind_string.go

const (
	FrameTextChunk FrameKind = iota
	FrameToolCallDelta
	FrameUsage
	FrameEnd
)

// Frame is one element of a streamed response. Drivers translate their
// provider's stream events into frames; an Accumulator folds frames back
// into a whole Response.
type Frame struct {
	Kind FrameKind

	Text string // FrameTextChunk

	// FrameToolCallDelta. Index identifies which tool call the delta
	// belongs to; ID and Name are set on the first delta for a call,
	// ArgsDelta carries a fragment of the JSON-encoded arguments.
	Index     int
	ID        string
	Name      string
	ArgsDelta string

	Usage      *Usage     // FrameUsage
	StopReason StopReason // FrameEnd
}

// Accumulator folds a frame sequence into a Response.
type Accumulator struct {
	text  []byte
	calls []pendingCall
	resp  Response
	done  bool
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

func (a *Accumulator) Add(f Frame) error {
	if a.done {
		return fmt.Errorf("frame after end frame")
	}
	switch f.Kind {
	case FrameTextChunk:
		a.text = append(a.text, f.Text...)
	case FrameToolCallDelta:
		for f.Index >= len(a.calls) {
			a.calls = append(a.calls, pendingCall{})
		}
		call := &a.calls[f.Index]
		if f.ID != "" {
			call.id = f.ID
		}
		if f.Name != "" {
			call.name = f.Name
		}
		call.args = append(call.args, f.ArgsDelta...)
	case FrameUsage:
		if f.Usage != nil {
			a.resp.Usage.Add(*f.Usage)
		}
	case FrameEnd:
		a.resp.StopReason = f.StopReason
		a.done = true
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return nil
}

// Response returns the accumulated response. It is an error to call it
// before an end frame has been added.
func (a *Accumulator) Response() (*Response, error) {
	if !a.done {
		return nil, fmt.Errorf("stream not finished")
	}
	resp := a.resp
	if len(a.text) > 0 {
		resp.Content = append(resp.Content, Content{Type: ContentTypeText, Text: string(a.text)})
	}
	for _, call := range a.calls {
		args := call.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		if !json.Valid(args) {
			return nil, fmt.Errorf("tool call %s: accumulated arguments are not valid JSON", call.id)
		}
		resp.Content = append(resp.Content, Content{
			Type:      ContentTypeToolUse,
			ID:        call.id,
			ToolName:  call.name,
			ToolInput: json.RawMessage(args),
		})
		resp.StopReason = StopReasonToolUse
	}
	return &resp, nil
}
