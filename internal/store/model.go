// SPDX-License-Identifier: MIT

package store

import "time"

// Status is the persisted lifecycle state of a broadcast record.
type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusOffline      Status = "offline"
	StatusActive       Status = "active"
	StatusReconnecting Status = "reconnecting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusOffline, StatusActive, StatusReconnecting,
		StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether s ends a broadcast's lifecycle. Terminal
// states stamp EndedAt and release the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ContentRef names what a broadcast plays: either a single stored asset
// or an ordered playlist of stored assets. Exactly one of AssetPath and
// Playlist is set.
type ContentRef struct {
	AssetPath string   `json:"assetPath,omitempty"`
	Playlist  []string `json:"playlist,omitempty"`
	Shuffle   bool     `json:"shuffle,omitempty"`
	Loop      bool     `json:"loop,omitempty"`
}

// IsPlaylist reports whether the ref targets an ordered list of assets.
func (c ContentRef) IsPlaylist() bool { return len(c.Playlist) > 0 }

// EncodeSettings carries user-chosen encode overrides. Zero values mean
// "derive from the source" and are resolved before spawning an encoder.
type EncodeSettings struct {
	Resolution  string `json:"resolution,omitempty"` // tier name: 720p, 1080p, 1440p, 2160p
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
	Framerate   int    `json:"framerate,omitempty"`
	Orientation string `json:"orientation,omitempty"` // landscape (default) or portrait
}

// BroadcastRecord is the persisted description of one broadcast. The
// engine only writes Status, ErrorMessage and the timestamps; everything
// else belongs to whoever created the record.
type BroadcastRecord struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	DestinationURL string         `json:"destinationUrl"`
	StreamKey      string         `json:"streamKey"`
	Content        ContentRef     `json:"content"`
	Encode         EncodeSettings `json:"encode"`
	DurationLimitS int            `json:"durationLimitS,omitempty"`

	Status       Status    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	EndedAt      time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (r *BroadcastRecord) Clone() *BroadcastRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if len(r.Content.Playlist) > 0 {
		cp.Content.Playlist = append([]string(nil), r.Content.Playlist...)
	}
	return &cp
}

// StatusChange is one entry in a broadcast's status history.
type StatusChange struct {
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ChangedAt    time.Time `json:"changedAt"`
}
