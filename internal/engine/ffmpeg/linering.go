// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// LineRing keeps the last N stderr lines of the encoder process. The
// failure classifier and the persisted error message both read from it,
// so it must stay cheap enough to feed on every line.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int // next write slot
	count int // lines stored, up to cap
}

// NewLineRing creates a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Append stores one line, evicting the oldest when full.
func (r *LineRing) Append(line string) {
	r.mu.Lock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
	r.mu.Unlock()
}

// Write implements io.Writer for line-oriented input, splitting on
// newlines and dropping empty fragments.
func (r *LineRing) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			r.Append(line)
		}
	}
	return len(p), nil
}

// Scan consumes rd line by line until EOF, storing every non-empty
// line. Intended to run on its own goroutine over a stderr pipe.
func (r *LineRing) Scan(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			r.Append(line)
		}
	}
}

// LastN returns up to n stored lines, oldest first.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := (r.head - n + len(r.lines)) % len(r.lines)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// Dump returns everything stored, oldest first, joined by newlines.
// This is what the classifier matches patterns against.
func (r *LineRing) Dump() string {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return strings.Join(r.LastN(n), "\n")
}
