// Package sandbox decides whether a tool may touch a filesystem path.
// By default a session is confined to its working directory; anything
// outside requires a grant or explicit user authorization.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AuthError is the denial: the operation needs explicit user authorization.
type AuthError struct {
	Path   string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization required for %s: %s", e.Path, e.Reason)
}

type grant struct {
	oneTime bool
}

// Authorizer holds per-session authorization state. Grants live in memory
// only; they do not survive a restart.
type Authorizer struct {
	workingDir  string
	autoApprove bool

	mu     sync.Mutex
	grants map[string]grant // keyed by operation key
}

// NewAuthorizer confines a session to workingDir. The directory is
// canonicalized once so later prefix checks compare like with like.
func NewAuthorizer(workingDir string, autoApprove bool) *Authorizer {
	if resolved, err := filepath.EvalSymlinks(workingDir); err == nil {
		workingDir = resolved
	}
	return &Authorizer{
		workingDir:  filepath.Clean(workingDir),
		autoApprove: autoApprove,
		grants:      make(map[string]grant),
	}
}

func (a *Authorizer) WorkingDir() string { return a.workingDir }

// AddGrant allows the operation identified by opKey. One-time grants are
// consumed on first use; session grants last until the process exits.
func (a *Authorizer) AddGrant(opKey string, oneTime bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[opKey] = grant{oneTime: oneTime}
}

// Authorize decides whether the operation may proceed on path. A nil error
// means allowed. The decision order is fixed: user-initiated, auto-approve,
// working-directory confinement, grants, then denial.
func (a *Authorizer) Authorize(path, opKey string, userInitiated bool) error {
	if userInitiated {
		return nil
	}
	if a.autoApprove {
		return nil
	}

	resolved := Resolve(path, a.workingDir)
	if underDir(resolved, a.workingDir) {
		return nil
	}

	a.mu.Lock()
	g, ok := a.grants[opKey]
	if ok && g.oneTime {
		delete(a.grants, opKey)
	}
	a.mu.Unlock()
	if ok {
		return nil
	}

	return &AuthError{
		Path:   resolved,
		Reason: fmt.Sprintf("outside working directory %s and no grant for %q", a.workingDir, opKey),
	}
}

// Resolve canonicalizes path: expand a leading ~, make it absolute against
// workingDir, resolve symlinks over the longest existing prefix, and carry
// any unresolved tail components literally.
func Resolve(path, workingDir string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	path = filepath.Clean(path)

	prefix := path
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(prefix)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved
		}
		parent := filepath.Dir(prefix)
		if parent == prefix {
			return path
		}
		tail = append(tail, filepath.Base(prefix))
		prefix = parent
	}
}

// underDir reports whether path is dir or inside dir. The check requires a
// separator boundary: /ws/conv-1 must never match /ws/conv-1-other.
func underDir(path, dir string) bool {
	if path == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
