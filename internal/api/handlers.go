// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"loopcast/internal/engine"
	"loopcast/internal/log"
	"loopcast/internal/media/encode"
	"loopcast/internal/store"
)

// maxStartBody bounds the optional start request body.
const maxStartBody = 1 << 20

// startPayload is the optional JSON body of a start request. When
// present it replaces the stored broadcast descriptor before the
// session launches; when absent the stored record drives the start.
type startPayload struct {
	Title          string               `json:"title,omitempty"`
	DestinationURL string               `json:"destinationUrl"`
	StreamKey      string               `json:"streamKey,omitempty"`
	Content        store.ContentRef     `json:"content"`
	Encode         store.EncodeSettings `json:"encode,omitempty"`
	DurationLimitS int                  `json:"durationLimitS,omitempty"`
}

// validate checks the fields a session cannot start without.
func (p *startPayload) validate() error {
	if strings.TrimSpace(p.DestinationURL) == "" {
		return badRequest("destinationUrl is required")
	}
	u, err := url.Parse(p.DestinationURL)
	if err != nil || u.Host == "" {
		return badRequest("destinationUrl must be a valid URL with a host")
	}
	switch u.Scheme {
	case "rtmp", "rtmps":
	default:
		return badRequest(fmt.Sprintf("destinationUrl scheme %q not supported (use rtmp or rtmps)", u.Scheme))
	}

	if p.Content.AssetPath == "" && len(p.Content.Playlist) == 0 {
		return badRequest("content requires an assetPath or a non-empty playlist")
	}
	for _, ref := range p.Content.Playlist {
		if strings.TrimSpace(ref) == "" {
			return badRequest("playlist entries must not be blank")
		}
	}
	if p.DurationLimitS < 0 {
		return badRequest("durationLimitS must not be negative")
	}
	return nil
}

// handleStart launches a broadcast session. The body is optional: when
// a descriptor is posted it is persisted first so the session history
// lands on the updated record.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "broadcastId")
	ctx := log.ContextWithBroadcastID(r.Context(), id)

	rec, err := s.broadcastForStart(w, r.WithContext(ctx), id)
	if err != nil {
		writeError(w, engineStatus(err), err)
		return
	}

	req := engine.StartRequest{
		BroadcastID:    id,
		Content:        rec.Content,
		DestinationURL: rec.DestinationURL,
		StreamKey:      rec.StreamKey,
		DurationLimitS: rec.DurationLimitS,
		Overrides: encode.Overrides{
			Resolution:  rec.Encode.Resolution,
			BitrateKbps: rec.Encode.BitrateKbps,
			Framerate:   rec.Encode.Framerate,
			Orientation: rec.Encode.Orientation,
		},
	}

	if err := s.engine.Start(ctx, req); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}

	logger := log.WithComponentFromContext(ctx, "api")
	logger.Info().
		Str("event", "api.broadcast_start").
		Str("destination", rec.DestinationURL).
		Msg("broadcast start accepted")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "starting",
	})
}

// broadcastForStart resolves the descriptor that drives a start: the
// posted body when present, the stored record otherwise. A posted body
// is rejected while the broadcast is live so a running session's record
// is not rewritten under it.
func (s *Server) broadcastForStart(w http.ResponseWriter, r *http.Request, id string) (*store.BroadcastRecord, error) {
	var payload startPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBody))
	dec.DisallowUnknownFields()

	err := dec.Decode(&payload)
	switch {
	case errors.Is(err, io.EOF):
		rec, err := s.store.GetBroadcast(r.Context(), id)
		if err != nil {
			return nil, fmt.Errorf("broadcast %s: %w", id, err)
		}
		return rec, nil
	case err != nil:
		return nil, badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}

	if s.engine.IsActive(id) {
		return nil, fmt.Errorf("broadcast %s: %w", id, engine.ErrAlreadyActive)
	}

	rec := &store.BroadcastRecord{
		ID:             id,
		Title:          payload.Title,
		DestinationURL: payload.DestinationURL,
		StreamKey:      payload.StreamKey,
		Content:        payload.Content,
		Encode:         payload.Encode,
		DurationLimitS: payload.DurationLimitS,
		Status:         store.StatusOffline,
	}

	// Keep identity and lifecycle fields of an existing record; the
	// posted body only replaces the descriptor.
	if existing, err := s.store.GetBroadcast(r.Context(), id); err == nil {
		if payload.StreamKey == "" {
			rec.StreamKey = existing.StreamKey
		}
		rec.Status = existing.Status
		rec.ErrorMessage = existing.ErrorMessage
		rec.CreatedAt = existing.CreatedAt
		rec.StartedAt = existing.StartedAt
		rec.EndedAt = existing.EndedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := s.store.PutBroadcast(r.Context(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// handleStop tears down a live session. The engine blocks until the
// encoder exited and the terminal status is persisted.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "broadcastId")
	ctx := log.ContextWithBroadcastID(r.Context(), id)

	if err := s.engine.Stop(ctx, id); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}

	logger := log.WithComponentFromContext(ctx, "api")
	logger.Info().
		Str("event", "api.broadcast_stop").
		Msg("broadcast stopped")

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "stopped",
	})
}

// handleActive reports the ids currently holding a session slot.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.ActiveIds()
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(ids),
		"ids":   ids,
	})
}

// broadcastResponse is a stored record plus its live state. The stream
// key never leaves the daemon.
type broadcastResponse struct {
	*store.BroadcastRecord
	Active  bool                 `json:"active"`
	History []store.StatusChange `json:"history,omitempty"`
}

// handleGet returns one broadcast record. ?history=N appends the last
// N status transitions.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "broadcastId")

	rec, err := s.store.GetBroadcast(r.Context(), id)
	if err != nil {
		writeError(w, engineStatus(err), fmt.Errorf("broadcast %s: %w", id, err))
		return
	}
	if rec.StreamKey != "" {
		rec.StreamKey = "***"
	}

	resp := broadcastResponse{
		BroadcastRecord: rec,
		Active:          s.engine.IsActive(id),
	}

	if raw := r.URL.Query().Get("history"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, badRequest("history must be a positive integer"))
			return
		}
		hist, err := s.store.StatusHistory(r.Context(), id, limit)
		if err != nil {
			writeError(w, engineStatus(err), err)
			return
		}
		resp.History = hist
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHealthz answers liveness probes. It carries the active session
// count so a probe log doubles as a cheap status line.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": s.engine.ActiveCount(),
	})
}
