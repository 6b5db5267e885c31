package cliotool

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	resultFetchName        = "result_fetch"
	resultFetchDescription = `Fetches a stored tool result by its ref. Results larger than the inline threshold are stored externally and only a preview appears in the transcript; use this to read the rest, paging with offset/limit (bytes).`
	resultFetchInputSchema = `
{
  "type": "object",
  "required": ["ref"],
  "properties": {
    "ref": {"type": "string", "description": "Result ref (sha-256 hex) from a stored tool result"},
    "offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start from"},
    "limit": {"type": "integer", "minimum": 1, "description": "Maximum bytes to return, default 32768"}
  }
}
`
)

const defaultFetchLimit = 32 * 1024

type resultFetchInput struct {
	Ref    string `json:"ref"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func NewResultFetchTool() *Tool {
	return &Tool{
		Name:        resultFetchName,
		Description: resultFetchDescription,
		InputSchema: resultFetchInputSchema,
		Run:         runResultFetch,
	}
}

func runResultFetch(ctx context.Context, m json.RawMessage) (string, error) {
	var req resultFetchInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad result_fetch input: %v", err)
	}
	cc := CurrentCallCtx(ctx)
	if cc.Results == nil {
		return "", Errorf(KindFailed, "no result store available")
	}

	data, err := cc.Results.Get(req.Ref)
	if err != nil {
		return "", Errorf(KindFailed, "%v", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if req.Offset >= len(data) {
		return "", Errorf(KindValidation, "offset %d past end of %d-byte result", req.Offset, len(data))
	}
	end := req.Offset + limit
	if end > len(data) {
		end = len(data)
	}
	chunk := string(data[req.Offset:end])
	if end < len(data) {
		chunk += fmt.Sprintf("\n… (%d more bytes; continue with offset=%d)", len(data)-end, end)
	}
	return chunk, nil
}
