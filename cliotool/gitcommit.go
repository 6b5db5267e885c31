package cliotool

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"
)

const (
	gitCommitName        = "git_commit"
	gitCommitDescription = `Stages the given paths (or everything, if none are given) and commits them with the given message. Serialized across agents through the broker git lock.`
	gitCommitInputSchema = `
{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string", "description": "Commit message"},
    "paths": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Paths to stage; omit to stage all changes"
    }
  }
}
`
)

type gitCommitInput struct {
	Message string   `json:"message"`
	Paths   []string `json:"paths,omitempty"`
}

func NewGitCommitTool() *Tool {
	return &Tool{
		Name:        gitCommitName,
		Description: gitCommitDescription,
		InputSchema: gitCommitInputSchema,
		Mutating:    true,
		GitWriting:  true,
		Timeout:     2 * time.Minute,
		Run:         runGitCommit,
	}
}

func runGitCommit(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitCommitInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad git_commit input: %v", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return "", Errorf(KindValidation, "commit message must not be empty")
	}
	cc := CurrentCallCtx(ctx)

	addArgs := []string{"add", "--"}
	if len(req.Paths) == 0 {
		addArgs = []string{"add", "-A"}
	} else {
		addArgs = append(addArgs, req.Paths...)
	}
	if out, err := git(ctx, cc.WorkingDir, addArgs...); err != nil {
		return "", Errorf(KindFailed, "git add: %v\n%s", err, out)
	}

	out, err := git(ctx, cc.WorkingDir, "commit", "-m", req.Message)
	if err != nil {
		return "", Errorf(KindFailed, "git commit: %v\n%s", err, out)
	}
	return out, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}
