package cliotool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clio.dev/cliotool/sandbox"
)

const maxReadBytes = 512 * 1024

const (
	readFileName        = "read_file"
	readFileDescription = `Reads a file and returns its content. Large files are truncated; pass offset/limit (line numbers) to page through them.`
	readFileInputSchema = `
{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "description": "File path, absolute or relative to the working directory"},
    "offset": {"type": "integer", "minimum": 1, "description": "1-based first line to return"},
    "limit": {"type": "integer", "minimum": 1, "description": "Maximum number of lines to return"}
  }
}
`
)

type readFileInput struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func NewReadFileTool() *Tool {
	return &Tool{
		Name:        readFileName,
		Description: readFileDescription,
		InputSchema: readFileInputSchema,
		Run:         runReadFile,
	}
}

func runReadFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req readFileInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad read_file input: %v", err)
	}
	cc := CurrentCallCtx(ctx)
	path := resolveInWD(cc, req.Path)
	if err := authorize(cc, path, "read_file:"+path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", Errorf(KindFailed, "read %s: %v", path, err)
	}
	content := string(data)
	truncated := false
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes]
		truncated = true
	}

	if req.Offset > 0 || req.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := max(req.Offset-1, 0)
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if req.Limit > 0 && start+req.Limit < end {
			end = start + req.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	if truncated {
		content += "\n… (file truncated)"
	}
	return content, nil
}

const (
	writeFileName        = "write_file"
	writeFileDescription = `Writes content to a file, creating it and any missing parent directories. The previous content is journaled for /undo.`
	writeFileInputSchema = `
{
  "type": "object",
  "required": ["path", "content"],
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"}
  }
}
`
)

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func NewWriteFileTool() *Tool {
	return &Tool{
		Name:        writeFileName,
		Description: writeFileDescription,
		InputSchema: writeFileInputSchema,
		Mutating:    true,
		WritePaths:  singlePath,
		Run:         runWriteFile,
	}
}

func runWriteFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req writeFileInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad write_file input: %v", err)
	}
	cc := CurrentCallCtx(ctx)
	path := resolveInWD(cc, req.Path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", Errorf(KindFailed, "create parent dirs for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return "", Errorf(KindFailed, "write %s: %v", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(req.Content), path), nil
}

const (
	editFileName        = "edit_file"
	editFileDescription = `Replaces exact text in a file. old_text must match exactly once unless replace_all is set. The previous content is journaled for /undo.`
	editFileInputSchema = `
{
  "type": "object",
  "required": ["path", "old_text", "new_text"],
  "properties": {
    "path": {"type": "string"},
    "old_text": {"type": "string"},
    "new_text": {"type": "string"},
    "replace_all": {"type": "boolean"}
  }
}
`
)

type editFileInput struct {
	Path       string `json:"path"`
	OldText    string `json:"old_text"`
	NewText    string `json:"new_text"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func NewEditFileTool() *Tool {
	return &Tool{
		Name:        editFileName,
		Description: editFileDescription,
		InputSchema: editFileInputSchema,
		Mutating:    true,
		WritePaths:  singlePath,
		Run:         runEditFile,
	}
}

func runEditFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req editFileInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad edit_file input: %v", err)
	}
	if req.OldText == "" {
		return "", Errorf(KindValidation, "old_text must not be empty")
	}
	cc := CurrentCallCtx(ctx)
	path := resolveInWD(cc, req.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", Errorf(KindFailed, "read %s: %v", path, err)
	}
	content := string(data)

	n := strings.Count(content, req.OldText)
	switch {
	case n == 0:
		return "", Errorf(KindFailed, "old_text not found in %s", path)
	case n > 1 && !req.ReplaceAll:
		return "", Errorf(KindFailed, "old_text matches %d times in %s; pass replace_all or make it unique", n, path)
	}

	if req.ReplaceAll {
		content = strings.ReplaceAll(content, req.OldText, req.NewText)
	} else {
		content = strings.Replace(content, req.OldText, req.NewText, 1)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", Errorf(KindFailed, "write %s: %v", path, err)
	}
	return fmt.Sprintf("replaced %d occurrence(s) in %s", n, path), nil
}

// singlePath extracts the "path" field for WritePaths.
func singlePath(input json.RawMessage) []string {
	var v struct {
		Path string `json:"path"`
	}
	if json.Unmarshal(input, &v) == nil && v.Path != "" {
		return []string{v.Path}
	}
	return nil
}

func resolveInWD(cc *CallCtx, path string) string {
	wd := cc.WorkingDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	return sandbox.Resolve(path, wd)
}

func authorize(cc *CallCtx, path, opKey string) error {
	if cc.Auth == nil {
		return nil
	}
	if err := cc.Auth.Authorize(path, opKey, cc.UserInitiated); err != nil {
		return Errorf(KindAuthorizationRequired, "%v", err)
	}
	return nil
}
