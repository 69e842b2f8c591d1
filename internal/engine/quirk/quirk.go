// SPDX-License-Identifier: MIT

// Package quirk applies destination-specific pre-flight behavior. Some
// platforms hold a dropped ingest connection for a few seconds and
// reject a fresh publish as "already publishing"; for those we delay
// the first spawn. Matching is a plain allow-list of destination
// substrings, not a plugin system.
package quirk

import (
	"context"
	"strings"
	"time"

	"loopcast/internal/log"
	"loopcast/internal/metrics"
)

// DefaultPreflightDelay gives a platform's ingest time to drain the
// previous connection.
const DefaultPreflightDelay = 5 * time.Second

// defaultSlowReleaseHosts lists ingest hosts known to release prior
// connections slowly.
var defaultSlowReleaseHosts = []string{
	"rtmp.youtube.com",
	"live-video.net",
}

// Handler holds the allow-list. The zero value is unusable; use New.
type Handler struct {
	Delay time.Duration
	Hosts []string
}

// New returns a handler with the built-in allow-list. Extra hosts from
// configuration are appended to, not replacing, the defaults.
func New(extraHosts ...string) *Handler {
	return &Handler{
		Delay: DefaultPreflightDelay,
		Hosts: append(append([]string(nil), defaultSlowReleaseHosts...), extraHosts...),
	}
}

// Match reports whether destination needs pre-flight handling and which
// allow-list entry decided it.
func (h *Handler) Match(destination string) (string, bool) {
	for _, host := range h.Hosts {
		if host != "" && strings.Contains(destination, host) {
			return host, true
		}
	}
	return "", false
}

// Hint returns remediation advice for destinations on the allow-list,
// attached to exhaustion failure messages. Empty for other hosts.
func (h *Handler) Hint(destination string) string {
	host, ok := h.Match(destination)
	if !ok {
		return ""
	}
	return host + " releases a dropped ingest connection slowly; wait a few seconds before restarting"
}

// Preflight delays before the first spawn of a session when the
// destination matches. Retries past the first spawn skip the delay;
// cancellation cuts it short.
func (h *Handler) Preflight(ctx context.Context, destination string, firstSpawn bool) error {
	if !firstSpawn {
		return nil
	}
	host, ok := h.Match(destination)
	if !ok {
		return nil
	}

	logger := log.WithComponentFromContext(ctx, "quirk")
	logger.Info().
		Str("event", "quirk.preflight_delay").
		Str("host", host).
		Dur("delay", h.Delay).
		Msg("waiting for ingest to release previous connection")
	metrics.IncPreflightDelay(host)

	t := time.NewTimer(h.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
