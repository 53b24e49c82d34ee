// Package policy is the guard every tool call passes before dispatch. All checks are pure
// functions over an immutable Policy value, so callers never synchronize.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ford/pkg/resilience"
)

// Policy holds the security inputs for one process lifetime.
type Policy struct {
	AllowedDirs      []string
	CommandWhitelist []string
	SecretScan       bool
}

// Violation describes why the guard rejected a request.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
}

// Is lets errors.Is match the generic policy sentinel.
func (v *Violation) Is(target error) bool {
	return target == resilience.ErrPolicyViolation
}

func violation(rule, format string, args ...any) error {
	return resilience.Security(&Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
}

// CheckPath resolves path and rejects it unless it lies within one of roots. Relative paths are
// resolved against the first root. Symlinks are followed for the existing prefix of the path so a
// link cannot escape the scope.
func CheckPath(path string, roots []string) (string, error) {
	if path == "" {
		return "", violation("path_scope", "empty path")
	}
	if len(roots) == 0 {
		return "", violation("path_scope", "no allowed directories configured")
	}
	if strings.ContainsRune(path, 0) {
		return "", violation("path_scope", "path contains NUL byte")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(roots[0], candidate)
	}
	resolved, err := resolve(candidate)
	if err != nil {
		return "", violation("path_scope", "cannot resolve %q: %v", path, err)
	}

	for _, root := range roots {
		r, err := resolve(root)
		if err != nil {
			continue
		}
		if within(resolved, r) {
			return resolved, nil
		}
	}
	return "", violation("path_scope", "%q is outside the allowed directories", path)
}

// CheckPaths applies CheckPath to every path, failing on the first violation.
func CheckPaths(paths []string, roots []string) error {
	for _, p := range paths {
		if _, err := CheckPath(p, roots); err != nil {
			return err
		}
	}
	return nil
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolve makes p absolute and evaluates symlinks on its longest existing prefix.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	evaluated, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{evaluated}, rest...)...), nil
}

// CheckCommand rejects command unless it is a bare name present in whitelist. Paths and shell
// syntax are refused outright since commands are executed without a shell.
func CheckCommand(command string, whitelist []string) error {
	if command == "" {
		return violation("command_whitelist", "empty command")
	}
	if strings.ContainsAny(command, "/\\ \t;|&$`<>") {
		return violation("command_whitelist", "%q is not a bare command name", command)
	}
	for _, allowed := range whitelist {
		if command == allowed {
			return nil
		}
	}
	return violation("command_whitelist", "%q is not whitelisted", command)
}

// CheckPath checks against the policy's allowed directories.
func (p Policy) CheckPath(path string) (string, error) {
	return CheckPath(path, p.AllowedDirs)
}

// CheckCommand checks against the policy's whitelist.
func (p Policy) CheckCommand(command string) error {
	return CheckCommand(command, p.CommandWhitelist)
}

// CheckWrite validates a file write: scope first, then content.
func (p Policy) CheckWrite(path, content string) (string, error) {
	resolved, err := p.CheckPath(path)
	if err != nil {
		return "", err
	}
	if p.SecretScan {
		if err := ScanSecrets(path, content); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

// WithRoots returns a copy narrowed to roots. Used to apply a cluster's approved scope.
func (p Policy) WithRoots(roots []string) Policy {
	out := p
	out.AllowedDirs = append([]string(nil), roots...)
	return out
}
