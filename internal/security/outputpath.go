// Package security checks file paths that come from flags or requests
// before the service writes to them.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// canonical resolves symlinks in the longest existing prefix of path, so
// that a file which does not exist yet is judged by where its directory
// really is.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if parent := filepath.Dir(dir); parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// within reports whether path lies inside dir, both canonical.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ValidateOutputPath rejects paths outside every allowed directory,
// following symlinks. With no directories given, the working directory and
// the temp directory are allowed.
func ValidateOutputPath(path string, allowedDirs ...string) error {
	if len(allowedDirs) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		allowedDirs = []string{cwd, os.TempDir()}
	}

	target, err := canonical(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	for _, dir := range allowedDirs {
		d, err := canonical(dir)
		if err != nil {
			continue
		}
		if within(target, d) {
			return nil
		}
	}
	return errors.New("path must be within one of: " + strings.Join(allowedDirs, ", "))
}

// SanitizeFilename replaces anything other than ASCII letters, digits, dot,
// underscore and dash with a single underscore, and caps the length.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		if !ok {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte('_')
		}
		pending = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
