// SPDX-License-Identifier: MIT

package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"loopcast/internal/log"
	"loopcast/internal/media/probe"
)

// loopRepetitions bounds the manifest for looping playlists. Repeating
// the whole list this many times stands in for an unbounded loop.
const loopRepetitions = 500

// ErrInvalid marks assets that exist on disk but are proven not to be
// broadcastable media (no video stream).
var ErrInvalid = errors.New("source invalid")

// Input is a ready-to-encode descriptor. Exactly one encoder input path
// plus the flags the argument builder needs.
type Input struct {
	// Path is what the encoder reads: a media file or a concat manifest.
	Path string
	// Concat marks Path as a concat manifest.
	Concat bool
	// LoopInput asks the encoder to replay the input forever. Only set
	// for single files; looping playlists encode the repetition in the
	// manifest instead.
	LoopInput bool
	// HasAudio reports whether the source carries an audio track. For
	// playlists only the first member is probed; members are assumed
	// uniform.
	HasAudio bool
	// Probe holds the probed characteristics of the (first) member.
	Probe *probe.Result
	// Paths lists resolved member paths in play order.
	Paths []string

	manifestPath string
}

// Cleanup removes the manifest artifact, if one was created. Safe to
// call twice; a missing file is not an error.
func (in *Input) Cleanup() error {
	if in.manifestPath == "" {
		return nil
	}
	err := os.Remove(in.manifestPath)
	in.manifestPath = ""
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ManifestPath exposes the artifact location for logging. Empty for
// single-file inputs.
func (in *Input) ManifestPath() string { return in.manifestPath }

// Shuffled returns a uniform permutation of refs, leaving the input
// untouched. Drawn once per start call; retries keep the order.
func Shuffled(refs []string) []string {
	out := append([]string(nil), refs...)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// FileProber is the slice of the prober the preparer needs.
type FileProber interface {
	File(ctx context.Context, path string) (*probe.Result, error)
}

// Preparer builds encoder inputs. WorkDir holds manifest artifacts;
// empty means the OS temp directory.
type Preparer struct {
	Resolver *Resolver
	Prober   FileProber
	WorkDir  string
}

// probeOrDefault characterizes path for the encode resolver. A probe
// run the tool cannot complete falls back to conservative defaults with
// audio assumed present, so an otherwise playable file still gets its
// spawn attempt. A file proven to carry no video stream stays fatal.
func (p *Preparer) probeOrDefault(ctx context.Context, path string) (*probe.Result, error) {
	pr, err := p.Prober.File(ctx, path)
	if err == nil {
		return pr, nil
	}
	if errors.Is(err, probe.ErrNoVideo) {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	logger := log.WithComponentFromContext(ctx, "source")
	logger.Warn().
		Err(err).
		Str("event", "source.probe_fallback").
		Str("path", path).
		Msg("probe failed, using default characteristics")
	return &probe.Result{HasAudio: true}, nil
}

// Single prepares a one-file broadcast input.
func (p *Preparer) Single(ctx context.Context, ref string, loop bool) (*Input, error) {
	path, _, err := p.Resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}

	pr, err := p.probeOrDefault(ctx, path)
	if err != nil {
		return nil, err
	}

	return &Input{
		Path:      path,
		LoopInput: loop,
		HasAudio:  pr.HasAudio,
		Probe:     pr,
		Paths:     []string{path},
	}, nil
}

// Playlist prepares a multi-file broadcast input. The caller supplies
// refs already in play order (shuffling happens once per start call,
// before the first attempt). Every member must resolve; a single
// missing asset fails the whole preparation with every checked path
// listed, and an unsafe ref fails it immediately. The manifest is
// written atomically under workKey and belongs to exactly one attempt.
func (p *Preparer) Playlist(ctx context.Context, workKey string, refs []string, loop bool) (*Input, error) {
	if len(refs) == 0 {
		return nil, &NotFoundError{Refs: []string{"(empty playlist)"}}
	}

	resolved := make([]string, 0, len(refs))
	var missing NotFoundError
	for _, ref := range refs {
		path, checked, err := p.Resolver.Resolve(ref)
		if err != nil {
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				return nil, err
			}
			missing.Refs = append(missing.Refs, ref)
			missing.Checked = append(missing.Checked, checked...)
			continue
		}
		resolved = append(resolved, path)
	}
	if len(missing.Refs) > 0 {
		return nil, &missing
	}

	// Audio presence is probed on the first member only and assumed
	// uniform across the playlist.
	pr, err := p.probeOrDefault(ctx, resolved[0])
	if err != nil {
		return nil, err
	}

	parts := resolved
	if loop {
		parts = make([]string, 0, len(resolved)*loopRepetitions)
		for i := 0; i < loopRepetitions; i++ {
			parts = append(parts, resolved...)
		}
	}

	manifest := filepath.Join(p.workDir(), workKey+".concat.txt")
	if err := WriteConcatList(manifest, parts); err != nil {
		return nil, fmt.Errorf("write concat list: %w", err)
	}

	return &Input{
		Path:         manifest,
		Concat:       true,
		HasAudio:     pr.HasAudio,
		Probe:        pr,
		Paths:        resolved,
		manifestPath: manifest,
	}, nil
}

func (p *Preparer) workDir() string {
	if p.WorkDir != "" {
		return p.WorkDir
	}
	return os.TempDir()
}

// WriteConcatList writes a concat-demuxer manifest atomically: temp
// file, fsync, rename. A crashed attempt never leaves a half-written
// manifest behind.
func WriteConcatList(path string, parts []string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	for _, part := range parts {
		if _, err := fmt.Fprintf(pending, "file %s\n", ConcatEscape(part)); err != nil {
			return err
		}
	}
	return pending.CloseAtomicallyReplace()
}

// ConcatEscape escapes a path for the concat demuxer's list syntax.
func ConcatEscape(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r == '\\' || r == '\'' || r == ' ' || r == '#' || r == '\t' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
