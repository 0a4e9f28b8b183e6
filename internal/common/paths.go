package common

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// RepoSuffix is appended to every hosted repository path
const RepoSuffix = ".git"

// CleanPath sanitizes a file path to prevent directory traversal attacks
func CleanPath(p string) (string, error) {
	if hasTraversal(p) {
		return "", fmt.Errorf("invalid path: contains directory traversal")
	}

	cleaned := filepath.Clean(p)

	if !filepath.IsAbs(cleaned) {
		abs, err := filepath.Abs(cleaned)
		if err != nil {
			return "", fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		cleaned = abs
	}

	return cleaned, nil
}

// ValidatePath ensures a path is within an allowed directory
func ValidatePath(p, baseDir string) (string, error) {
	cleanedPath, err := CleanPath(p)
	if err != nil {
		return "", err
	}

	cleanedBase, err := CleanPath(baseDir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(cleanedBase, cleanedPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path is outside allowed directory")
	}

	return cleanedPath, nil
}

// EvalWithin resolves symlinks in the longest existing prefix of p and checks
// that the result still lies under baseDir (itself symlink-resolved). Missing
// trailing components are fine, so it also guards paths about to be created.
func EvalWithin(p, baseDir string) error {
	realBase, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	existing := filepath.Clean(p)
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	if _, err := ValidatePath(real, realBase); err != nil {
		return fmt.Errorf("path resolves outside allowed directory")
	}
	return nil
}

// JoinPath safely joins path components
func JoinPath(base string, elements ...string) (string, error) {
	for _, e := range elements {
		if hasTraversal(e) {
			return "", fmt.Errorf("invalid path: contains directory traversal")
		}
	}

	cleanedBase, err := CleanPath(base)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(append([]string{cleanedBase}, elements...)...)

	return ValidatePath(joined, cleanedBase)
}

// NormalizeRepoPath turns a client supplied repository path into the canonical
// slash separated form relative to the repository root: leading slashes
// stripped, traversal rejected and a .git suffix appended when missing.
func NormalizeRepoPath(raw string) (string, error) {
	if strings.ContainsAny(raw, "\x00\\") {
		return "", fmt.Errorf("invalid characters in repository path")
	}

	trimmed := strings.TrimLeft(raw, "/")
	if strings.HasPrefix(trimmed, "~") {
		return "", fmt.Errorf("home relative repository paths are not supported")
	}
	if hasTraversal(trimmed) {
		return "", fmt.Errorf("repository path contains directory traversal")
	}

	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == "" || cleaned == RepoSuffix {
		return "", fmt.Errorf("empty repository path")
	}

	if !strings.HasSuffix(cleaned, RepoSuffix) {
		cleaned += RepoSuffix
	}
	return cleaned, nil
}

// ResolveRepoPath normalizes raw and maps it onto an absolute path inside root
func ResolveRepoPath(root, raw string) (normalized string, abs string, err error) {
	normalized, err = NormalizeRepoPath(raw)
	if err != nil {
		return "", "", err
	}

	abs, err = JoinPath(root, filepath.FromSlash(normalized))
	if err != nil {
		return "", "", err
	}
	return normalized, abs, nil
}

// hasTraversal reports whether any segment of p is "..", in either separator style
func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}
