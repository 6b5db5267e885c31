package contextmgr

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"clio.dev/session"
)

// AttachmentTokenBudget caps the total tokens across all context blocks
// attached to one user message.
const AttachmentTokenBudget = 32000

// maxFolderFiles bounds how many files a #folder: tag will inline.
const maxFolderFiles = 50

var tagRe = regexp.MustCompile(`#(file|folder):(\S+)|#(codebase|selection|terminalLastCommand)\b`)

// Tag is one hashtag token found in user input.
type Tag struct {
	Kind string // "file", "folder", "codebase", "selection", "terminalLastCommand"
	Arg  string // path for file/folder tags
}

// ParseTags extracts hashtag tokens from user text, in order of appearance.
func ParseTags(text string) []Tag {
	var tags []Tag
	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			tags = append(tags, Tag{Kind: m[1], Arg: m[2]})
		} else {
			tags = append(tags, Tag{Kind: m[3]})
		}
	}
	return tags
}

// Resolver supplies content for tags that the file system cannot: the
// editor selection and the last terminal command output. Either may be
// empty when the host has nothing to offer.
type Resolver struct {
	WorkingDir      string
	Selection       func() string
	TerminalLastCmd func() string
}

// Resolve turns tags into context blocks, bounded by the attachment
// budget. Blocks past the budget are truncated from the tail; blocks
// with no budget left are dropped. Resolution failures become small
// error blocks so the model learns the tag did not resolve.
func (r *Resolver) Resolve(est *Estimator, tags []Tag) []session.ContextBlock {
	var blocks []session.ContextBlock
	for _, tag := range tags {
		switch tag.Kind {
		case "file":
			blocks = append(blocks, r.resolveFile(tag.Arg))
		case "folder":
			blocks = append(blocks, r.resolveFolder(tag.Arg)...)
		case "codebase":
			blocks = append(blocks, r.resolveCodebase())
		case "selection":
			if r.Selection != nil {
				if s := r.Selection(); s != "" {
					blocks = append(blocks, session.ContextBlock{Source: "#selection", Content: s})
				}
			}
		case "terminalLastCommand":
			if r.TerminalLastCmd != nil {
				if s := r.TerminalLastCmd(); s != "" {
					blocks = append(blocks, session.ContextBlock{Source: "#terminalLastCommand", Content: s})
				}
			}
		}
	}
	return applyAttachmentBudget(est, blocks)
}

func (r *Resolver) resolveFile(path string) session.ContextBlock {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.WorkingDir, full)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return session.ContextBlock{Source: "#file:" + path, Content: fmt.Sprintf("(could not read: %v)", err)}
	}
	return session.ContextBlock{Source: "#file:" + path, Content: string(data)}
}

func (r *Resolver) resolveFolder(path string) []session.ContextBlock {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.WorkingDir, full)
	}
	var blocks []session.ContextBlock
	n := 0
	err := filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != full {
				return fs.SkipDir
			}
			return nil
		}
		if n >= maxFolderFiles {
			return fs.SkipAll
		}
		data, err := os.ReadFile(p)
		if err != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(r.WorkingDir, p)
		blocks = append(blocks, session.ContextBlock{Source: "#file:" + rel, Content: string(data)})
		n++
		return nil
	})
	if err != nil || len(blocks) == 0 {
		return []session.ContextBlock{{Source: "#folder:" + path, Content: "(no readable files)"}}
	}
	return blocks
}

// resolveCodebase attaches a file tree listing rather than file contents;
// whole-repo inlining would never fit the attachment budget.
func (r *Resolver) resolveCodebase() session.ContextBlock {
	var b strings.Builder
	filepath.WalkDir(r.WorkingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules" || name == "vendor") {
			return fs.SkipDir
		}
		rel, _ := filepath.Rel(r.WorkingDir, p)
		if rel == "." {
			return nil
		}
		b.WriteString(rel)
		if d.IsDir() {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
		return nil
	})
	return session.ContextBlock{Source: "#codebase", Content: b.String()}
}

// applyAttachmentBudget enforces the total budget across blocks, truncating
// each overflowing block from the tail and dropping blocks once nothing
// remains.
func applyAttachmentBudget(est *Estimator, blocks []session.ContextBlock) []session.ContextBlock {
	remaining := AttachmentTokenBudget
	out := blocks[:0]
	for _, b := range blocks {
		if remaining <= 0 {
			break
		}
		n := est.EstimateText(b.Content)
		if n > remaining {
			keepChars := int(float64(remaining) * est.Ratio())
			if keepChars <= 0 {
				break
			}
			if keepChars < len(b.Content) {
				b.Content = b.Content[:keepChars] + "\n…(truncated)"
				b.Truncated = true
			}
			n = remaining
		}
		remaining -= n
		out = append(out, b)
	}
	return out
}

func isText(data []byte) bool {
	if len(data) > 8192 {
		data = data[:8192]
	}
	for _, c := range data {
		if c == 0 {
			return false
		}
	}
	return true
}
