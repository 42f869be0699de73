package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePathInWorkspace maps a model-supplied path onto the real filesystem,
// rejecting anything that lands outside the workspace root. Both the lexical
// path and its symlink-resolved form are checked: a symlink inside the
// workspace pointing out of it is an escape, not a convenience.
func resolvePathInWorkspace(workspaceRoot, userPath string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		userPath = "."
	}

	rootAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	rootAbs = filepath.Clean(rootAbs)

	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root symlinks: %w", err)
	}
	rootReal = filepath.Clean(rootReal)

	targetAbs := userPath
	if !filepath.IsAbs(targetAbs) {
		targetAbs = filepath.Join(rootAbs, targetAbs)
	}
	targetAbs, err = filepath.Abs(filepath.Clean(targetAbs))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	targetAbs = filepath.Clean(targetAbs)

	if !pathWithinRoot(rootAbs, targetAbs) {
		return "", fmt.Errorf("path escapes workspace: %s", userPath)
	}

	if _, err := os.Lstat(targetAbs); err == nil {
		return resolveExisting(rootReal, targetAbs, userPath)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}
	return resolveNonexistent(rootReal, targetAbs, userPath)
}

// resolveExisting follows an existing target's symlinks and verifies the real
// location is still inside the (real) workspace root.
func resolveExisting(rootReal, targetAbs, userPath string) (string, error) {
	targetReal, err := filepath.EvalSymlinks(targetAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path symlinks: %w", err)
	}
	targetReal = filepath.Clean(targetReal)
	if !pathWithinRoot(rootReal, targetReal) {
		return "", fmt.Errorf("path escapes workspace via symlink: %s", userPath)
	}
	return targetReal, nil
}

// resolveNonexistent handles a target that doesn't exist yet (a file about to
// be written): resolve the nearest existing ancestor's symlinks, re-attach
// the not-yet-created suffix, and verify the result stays inside the root.
func resolveNonexistent(rootReal, targetAbs, userPath string) (string, error) {
	parent := filepath.Dir(targetAbs)
	for {
		if _, err := os.Lstat(parent); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to stat parent path: %w", err)
		}

		next := filepath.Dir(parent)
		if next == parent {
			break
		}
		parent = next
	}

	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("failed to resolve parent symlinks: %w", err)
	}
	parentReal = filepath.Clean(parentReal)

	suffix, err := filepath.Rel(parent, targetAbs)
	if err != nil {
		return "", fmt.Errorf("failed to compute target suffix: %w", err)
	}
	if suffix == ".." || strings.HasPrefix(suffix, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", userPath)
	}

	targetReal := filepath.Clean(filepath.Join(parentReal, suffix))
	if !pathWithinRoot(rootReal, targetReal) {
		return "", fmt.Errorf("path escapes workspace via symlink: %s", userPath)
	}
	return targetReal, nil
}

func pathWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
