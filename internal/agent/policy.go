// ABOUTME: Safety policy confining agent file operations to the workspace root
// ABOUTME: Tool inputs naming paths outside the root, directly or via symlinks, are rejected

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPolicyViolation is returned when a tool call escapes the workspace root.
var ErrPolicyViolation = errors.New("operation outside workspace denied")

// pathKeys are the tool input fields that carry file system paths.
var pathKeys = []string{"file_path", "path", "notebook_path", "directory", "cwd"}

// Policy confines file operations to Root.
type Policy struct {
	Root string
}

// NewPolicy returns a policy rooted at root with symlinks resolved. The root
// must exist.
func NewPolicy(root string) (*Policy, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &Policy{Root: real}, nil
}

// Resolve maps a path (relative paths are taken from Root) to the absolute
// location it would touch, following symlinks, and rejects it unless that
// location is inside Root.
func (p *Policy) Resolve(path string) (string, error) {
	real, err := p.walk(path)
	if err != nil || !p.contains(real) {
		return "", fmt.Errorf("%w: %s", ErrPolicyViolation, filepath.Clean(path))
	}
	return real, nil
}

func (p *Policy) contains(path string) bool {
	rel, err := filepath.Rel(p.Root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// walk resolves path one component at a time the way the kernel does, so a
// ".." after a symlink climbs out of the link's target. Components that do
// not exist yet are appended as given. A dangling symlink is an error.
func (p *Policy) walk(path string) (string, error) {
	cur := p.Root
	if filepath.IsAbs(path) {
		cur = string(filepath.Separator)
	}
	for _, comp := range strings.Split(path, string(filepath.Separator)) {
		switch comp {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		cur = filepath.Join(cur, comp)

		info, err := os.Lstat(cur)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return "", err
		case info.Mode()&fs.ModeSymlink != 0:
			if cur, err = filepath.EvalSymlinks(cur); err != nil {
				return "", err
			}
		}
	}
	return cur, nil
}

// Allow checks a tool invocation's input against the policy.
func (p *Policy) Allow(tool string, input json.RawMessage) error {
	if len(input) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		// Non-object inputs carry no paths
		return nil
	}
	for _, key := range pathKeys {
		v, ok := fields[key].(string)
		if !ok || v == "" {
			continue
		}
		if _, err := p.Resolve(v); err != nil {
			return fmt.Errorf("%s: %w", tool, err)
		}
	}
	return nil
}

// Check validates every tool_use in msg.
func (p *Policy) Check(msg *Message) error {
	if p == nil || msg == nil {
		return nil
	}
	for _, item := range msg.Content {
		if item.Type != ContentToolUse {
			continue
		}
		if err := p.Allow(item.Name, item.Input); err != nil {
			return err
		}
	}
	return nil
}
