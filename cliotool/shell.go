package cliotool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

const (
	shellName        = "shell"
	shellDescription = `
Executes a shell command using bash -c with an optional timeout, returning combined stdout and stderr.
The command runs in the session working directory. File changes made through the shell are not
covered by /undo; prefer write_file and edit_file for edits you may want to reverse.
`
	shellInputSchema = `
{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {
      "type": "string",
      "description": "Shell script to execute"
    },
    "timeout": {
      "type": "string",
      "description": "Timeout as a Go duration string, defaults to 1m"
    }
  }
}
`
)

// maxShellOutput caps what one command may return inline; anything longer
// is cut in the middle, keeping the head and the tail.
const maxShellOutput = 256 * 1024

type shellInput struct {
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
}

func (i *shellInput) timeout() time.Duration {
	if i.Timeout != "" {
		if d, err := time.ParseDuration(i.Timeout); err == nil {
			return d
		}
	}
	return time.Minute
}

// NewShellTool builds the shell built-in.
func NewShellTool() *Tool {
	return &Tool{
		Name:        shellName,
		Description: strings.TrimSpace(shellDescription),
		InputSchema: shellInputSchema,
		Mutating:    true, // may write anywhere, though paths are unknowable up front
		Timeout:     10 * time.Minute,
		Run:         runShell,
	}
}

func runShell(ctx context.Context, m json.RawMessage) (string, error) {
	var req shellInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", Errorf(KindValidation, "bad shell input: %v", err)
	}

	// Catch syntax errors before paying for a bash round trip.
	if _, err := syntax.NewParser().Parse(strings.NewReader(req.Command), "command"); err != nil {
		return "", Errorf(KindValidation, "shell syntax error: %v", err)
	}

	cc := CurrentCallCtx(ctx)
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", req.Command)
	if cc.WorkingDir != "" {
		cmd.Dir = cc.WorkingDir
	}
	// Run in its own process group so the kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := truncateMiddle(buf.String(), maxShellOutput)

	if ctx.Err() == context.DeadlineExceeded {
		return "", Errorf(KindTimeout, "command timed out after %s\n%s", req.timeout(), out)
	}
	if err != nil {
		return "", Errorf(KindFailed, "command failed: %v\n%s", err, out)
	}
	return out, nil
}

func truncateMiddle(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	half := limit / 2
	return fmt.Sprintf("%s\n… %d bytes elided …\n%s", s[:half], len(s)-2*half, s[len(s)-half:])
}
