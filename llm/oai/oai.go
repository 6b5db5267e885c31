// Package oai implements llm.Service on top of OpenAI-compatible
// chat-completions endpoints.
package oai

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"clio.dev/llm"
)

const (
	DefaultMaxTokens = 8192

	OpenAIURL    = "https://api.openai.com/v1"
	FireworksURL = "https://api.fireworks.ai/inference/v1"
	TogetherURL  = "https://api.together.xyz/v1"
	GeminiURL    = "https://generativelanguage.googleapis.com/v1beta/openai/"

	OpenAIAPIKeyEnv    = "OPENAI_API_KEY"
	FireworksAPIKeyEnv = "FIREWORKS_API_KEY"
	TogetherAPIKeyEnv  = "TOGETHER_API_KEY"
	GeminiAPIKeyEnv    = "GEMINI_API_KEY"
)

// Model identifies a chat model and where to reach it.
type Model struct {
	UserName      string // provided by the user to identify this model (e.g. "gpt4.1")
	ModelName     string // provided to the service to specify which model to use
	URL           string
	APIKeyEnv     string
	ContextWindow int
}

var (
	DefaultModel = GPT41

	GPT41 = Model{
		UserName:      "gpt4.1",
		ModelName:     "gpt-4.1-2025-04-14",
		URL:           OpenAIURL,
		APIKeyEnv:     OpenAIAPIKeyEnv,
		ContextWindow: 200000,
	}

	GPT41Mini = Model{
		UserName:      "gpt4.1-mini",
		ModelName:     "gpt-4.1-mini-2025-04-14",
		URL:           OpenAIURL,
		APIKeyEnv:     OpenAIAPIKeyEnv,
		ContextWindow: 200000,
	}

	GPT4o = Model{
		UserName:      "gpt4o",
		ModelName:     "gpt-4o-2024-08-06",
		URL:           OpenAIURL,
		APIKeyEnv:     OpenAIAPIKeyEnv,
		ContextWindow: 128000,
	}

	Gemini25Flash = Model{
		UserName:      "gemini-flash-2.5",
		ModelName:     "gemini-2.5-flash-preview-04-17",
		URL:           GeminiURL,
		APIKeyEnv:     GeminiAPIKeyEnv,
		ContextWindow: 128000,
	}
)

// ModelsRegistry is a registry of all known models with their user-friendly names.
var ModelsRegistry = []Model{
	GPT41,
	GPT41Mini,
	GPT4o,
	Gemini25Flash,
}

// ModelByUserName returns a model by its user-friendly name.
// Returns the zero Model if no model with the given name is found.
func ModelByUserName(name string) Model {
	for _, model := range ModelsRegistry {
		if model.UserName == name {
			return model
		}
	}
	return Model{}
}

func (m Model) IsZero() bool { return m == Model{} }

// Service provides chat completions.
// Fields should not be altered concurrently with calling any method on Service.
type Service struct {
	HTTPC     *http.Client // defaults to http.DefaultClient if nil
	APIKey    string
	Model     Model  // defaults to DefaultModel if zero value
	ModelURL  string // optional, overrides Model.URL
	MaxTokens int    // defaults to DefaultMaxTokens if zero
}

var _ llm.Service = (*Service)(nil)

// TokenContextWindow returns the maximum token context window size for this service.
func (s *Service) TokenContextWindow() int {
	model := s.Model
	if model.IsZero() {
		model = DefaultModel
	}
	if model.ContextWindow > 0 {
		return model.ContextWindow
	}
	return 128000
}

var toLLMStopReason = map[string]llm.StopReason{
	"stop":          llm.StopReasonEndTurn,
	"length":        llm.StopReasonMaxTokens,
	"tool_calls":    llm.StopReasonToolUse,
	"function_call": llm.StopReasonToolUse,
}

// fromLLMMessage converts one llm.Message into OpenAI wire messages.
// Tool results become their own role="tool" messages.
func fromLLMMessage(msg llm.Message) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage

	var regular []llm.Content
	for _, c := range msg.Content {
		if c.Type == llm.ContentTypeToolResult {
			content := c.ToolResult
			if c.ToolError {
				content = cmp.Or("error: "+content, "error: tool execution failed")
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    cmp.Or(content, " "), // avoid omitempty dropping the field
				ToolCallID: c.ToolUseID,
			})
			continue
		}
		regular = append(regular, c)
	}

	if len(regular) > 0 {
		role := openai.ChatMessageRoleUser
		if msg.Role == llm.MessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		m := openai.ChatCompletionMessage{Role: role}
		for _, c := range regular {
			switch c.Type {
			case llm.ContentTypeText:
				if m.Content != "" {
					m.Content += "\n"
				}
				m.Content += c.Text
			case llm.ContentTypeToolUse:
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					Type: openai.ToolTypeFunction,
					ID:   c.ID,
					Function: openai.FunctionCall{
						Name:      c.ToolName,
						Arguments: string(c.ToolInput),
					},
				})
			}
		}
		messages = append(messages, m)
	}
	return messages
}

func toLLMContents(msg openai.ChatCompletionMessage) []llm.Content {
	var contents []llm.Content
	if msg.Content != "" {
		contents = append(contents, llm.Content{Type: llm.ContentTypeText, Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "tc_" + tc.Function.Name
		}
		contents = append(contents, llm.Content{
			Type:      llm.ContentTypeToolUse,
			ID:        id,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(contents) == 0 {
		contents = append(contents, llm.Content{Type: llm.ContentTypeText})
	}
	return contents
}

// toRateHeaders extracts rate-limit state from OpenAI response headers.
func toRateHeaders(h http.Header) llm.RateHeaders {
	var rh llm.RateHeaders
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rh.Remaining = n
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rh.ResetAt = time.Now().Add(d)
		}
	}
	if v := h.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			rh.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	limit := 0
	if v := h.Get("x-ratelimit-limit-requests"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if limit > 0 {
		rh.QuotaUsedPct = 100 * float64(limit-rh.Remaining) / float64(limit)
	}
	return rh
}

// classify translates a go-openai error into a *llm.ProviderError.
// The orchestrator owns retries; the driver only labels failures.
func classify(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return &llm.ProviderError{Kind: llm.ErrKindTransient, Message: err.Error()}
	}
	pe := &llm.ProviderError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	switch {
	case apiErr.HTTPStatusCode == 429:
		pe.Kind = llm.ErrKindRateLimited
	case apiErr.HTTPStatusCode == 503:
		pe.Kind = llm.ErrKindOverloaded
	case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
		pe.Kind = llm.ErrKindAuth
	case isContextOverflow(apiErr):
		pe.Kind = llm.ErrKindContextOverflow
	case apiErr.HTTPStatusCode >= 500:
		pe.Kind = llm.ErrKindTransient
	default:
		pe.Kind = llm.ErrKindBadRequest
	}
	return pe
}

func isContextOverflow(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(apiErr.Message, "maximum context length")
}

// Do sends a request to the configured endpoint using the go-openai package.
func (s *Service) Do(ctx context.Context, ir *llm.Request) (*llm.Response, error) {
	model := s.Model
	if model.IsZero() {
		model = DefaultModel
	}

	config := openai.DefaultConfig(s.APIKey)
	if u := cmp.Or(s.ModelURL, model.URL); u != "" {
		config.BaseURL = u
	}
	config.HTTPClient = cmp.Or(s.HTTPC, http.DefaultClient)
	client := openai.NewClientWithConfig(config)

	var allMessages []openai.ChatCompletionMessage
	if ir.System != "" {
		allMessages = append(allMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: ir.System,
		})
	}
	for _, msg := range ir.Messages {
		allMessages = append(allMessages, fromLLMMessage(msg)...)
	}

	var tools []openai.Tool
	for _, t := range ir.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	modelName := cmp.Or(ir.Model, model.ModelName)
	req := openai.ChatCompletionRequest{
		Model:     modelName,
		Messages:  allMessages,
		Tools:     tools,
		MaxTokens: cmp.Or(ir.MaxTokens, s.MaxTokens, DefaultMaxTokens),
	}

	if ir.Stream {
		return s.doStream(ctx, client, req)
	}

	startTime := time.Now()
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	endTime := time.Now()

	out := &llm.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: llm.Usage{
			InputTokens:  uint64(resp.Usage.PromptTokens),
			OutputTokens: uint64(resp.Usage.CompletionTokens),
		},
		RateHeaders: toRateHeaders(resp.Header()),
		StartTime:   &startTime,
		EndTime:     &endTime,
	}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.Content = toLLMContents(choice.Message)
	if sr, ok := toLLMStopReason[string(choice.FinishReason)]; ok {
		out.StopReason = sr
	} else {
		out.StopReason = llm.StopReasonEndTurn
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = llm.StopReasonToolUse
	}
	return out, nil
}

// doStream runs the streaming transport and folds the deltas back into a
// whole Response with an llm.Accumulator.
func (s *Service) doStream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (*llm.Response, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	startTime := time.Now()
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	var acc llm.Accumulator
	var id, respModel string
	stop := llm.StopReasonEndTurn
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		id = cmp.Or(id, chunk.ID)
		respModel = cmp.Or(respModel, chunk.Model)
		if chunk.Usage != nil {
			u := llm.Usage{
				InputTokens:  uint64(chunk.Usage.PromptTokens),
				OutputTokens: uint64(chunk.Usage.CompletionTokens),
			}
			if err := acc.Add(llm.Frame{Kind: llm.FrameUsage, Usage: &u}); err != nil {
				return nil, err
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := acc.Add(llm.Frame{Kind: llm.FrameTextChunk, Text: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			f := llm.Frame{
				Kind:      llm.FrameToolCallDelta,
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}
			if err := acc.Add(f); err != nil {
				return nil, err
			}
		}
		if sr, ok := toLLMStopReason[string(choice.FinishReason)]; ok {
			stop = sr
		}
	}
	if err := acc.Add(llm.Frame{Kind: llm.FrameEnd, StopReason: stop}); err != nil {
		return nil, err
	}
	endTime := time.Now()

	out, err := acc.Response()
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrKindTransient, Message: err.Error()}
	}
	out.ID = id
	out.Model = respModel
	out.StartTime = &startTime
	out.EndTime = &endTime
	return out, nil
}

// Err reports a human-readable remediation hint for fatal provider errors.
func Err(e *llm.ProviderError, model Model) string {
	switch e.Kind {
	case llm.ErrKindAuth:
		return fmt.Sprintf("check %s", model.APIKeyEnv)
	default:
		return ""
	}
}
