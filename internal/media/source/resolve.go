// SPDX-License-Identifier: MIT

// Package source turns a broadcast's content reference into something
// the encoder can consume as one continuous input: resolved on-disk
// paths, a concat manifest for playlists, and the audio-presence flag
// that decides whether silent audio must be synthesized.
package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"loopcast/internal/fsutil"
)

// NotFoundError reports assets whose stored refs resolved to no
// existing file. Checked lists every candidate path probed so operators
// can see exactly where the lookup went.
type NotFoundError struct {
	Refs    []string
	Checked []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("source not found: %s (checked %d paths: %s)",
		strings.Join(e.Refs, ", "), len(e.Checked), strings.Join(e.Checked, ", "))
}

// ErrUnsafeRef marks asset refs rejected before any lookup because they
// would land outside the media roots: path traversal, backslash
// separators, or a symlink escaping the tree.
var ErrUnsafeRef = errors.New("unsafe asset ref")

// Resolver maps stored asset refs to on-disk paths.
//
// Candidates are tried in order: the converted rendition, the original
// upload, and the legacy root for assets that predate a storage
// migration. Relative refs are confined to those roots. Absolute refs
// are honored as-is first, so records written by older releases keep
// working.
type Resolver struct {
	ConvertedDir string
	OriginalDir  string
	LegacyDir    string // optional

	// Stat is swappable for tests; nil means os.Stat.
	Stat func(string) (os.FileInfo, error)
}

// candidates returns the paths Resolve probes, in order. Relative refs
// are confined per root; when a root itself is missing the plain join
// is kept as a candidate so a miss still reports where the lookup went.
func (r *Resolver) candidates(ref string) ([]string, error) {
	if filepath.IsAbs(ref) {
		out := []string{filepath.Clean(ref)}
		if r.LegacyDir != "" {
			out = append(out, filepath.Join(r.LegacyDir, filepath.Base(ref)))
		}
		return out, nil
	}

	var out []string
	for _, root := range []string{r.ConvertedDir, r.OriginalDir, r.LegacyDir} {
		if root == "" {
			continue
		}
		cand, err := fsutil.ConfineRelPath(root, ref)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			// Root or target absent; nothing resolves here, and the ref
			// already passed the lexical checks. Keep the plain join so
			// the miss is reported against this root too.
			cand = filepath.Join(root, filepath.Clean(ref))
		default:
			return nil, fmt.Errorf("%w %q: %v", ErrUnsafeRef, ref, err)
		}
		out = append(out, cand)
	}
	return out, nil
}

// Resolve returns the first existing candidate for ref, plus every path
// it checked along the way.
func (r *Resolver) Resolve(ref string) (path string, checked []string, err error) {
	stat := r.Stat
	if stat == nil {
		stat = os.Stat
	}

	cands, err := r.candidates(ref)
	if err != nil {
		return "", nil, err
	}
	for _, cand := range cands {
		checked = append(checked, cand)
		info, statErr := stat(cand)
		if statErr == nil && info.Mode().IsRegular() {
			return cand, checked, nil
		}
	}
	return "", checked, &NotFoundError{Refs: []string{ref}, Checked: checked}
}
