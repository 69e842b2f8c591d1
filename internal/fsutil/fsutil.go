// SPDX-License-Identifier: MIT

// Package fsutil confines filesystem lookups to a root directory.
// Asset refs arrive from API clients and stored records, so every
// relative ref must be pinned under a media root before it is opened.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRelPath joins root and rel and guarantees the result stays
// physically underneath root, including through symlinks. The ref must
// be relative; backslashes are rejected to close OS-specific bypasses.
func ConfineRelPath(root, rel string) (string, error) {
	if strings.Contains(rel, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", rel)
	}

	cleanRel := filepath.Clean(rel)
	if filepath.IsAbs(cleanRel) || strings.HasPrefix(cleanRel, "/") {
		return "", fmt.Errorf("target path must be relative: %s", rel)
	}

	// Segment-based so ".." inside a filename stays legal.
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}

	return resolveAndCheck(realRoot, filepath.Join(realRoot, cleanRel))
}

// resolveAndCheck resolves fullPath through symlinks and verifies it
// still lives under realRoot.
func resolveAndCheck(realRoot, fullPath string) (string, error) {
	var realPath string
	if _, err := os.Lstat(fullPath); err == nil {
		rp, err := filepath.EvalSymlinks(fullPath)
		if err != nil {
			// An existing path that cannot be resolved is denied
			// rather than guessed at.
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		realPath = rp
	} else {
		// Missing file: resolve the parent instead so a symlinked
		// directory cannot smuggle the path outside the root.
		dir := filepath.Dir(fullPath)
		if rp, err := filepath.EvalSymlinks(dir); err == nil {
			realPath = filepath.Join(rp, filepath.Base(fullPath))
		} else {
			if _, statErr := os.Stat(dir); statErr == nil {
				return "", fmt.Errorf("failed to resolve parent path: %v", err)
			}
			realPath = fullPath
		}
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root via symlinks: %s", realPath)
	}
	return realPath, nil
}
