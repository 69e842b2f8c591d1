// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

const schemaVersion = 1

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore implements Store on a single SQLite file in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates
// the schema. The mandatory pragmas ride in the DSN so they apply to
// every connection in the pool.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, sqliteBusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broadcast store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS broadcasts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		destination_url TEXT NOT NULL,
		stream_key TEXT NOT NULL,
		asset_path TEXT NOT NULL DEFAULT '',
		playlist TEXT NOT NULL DEFAULT '[]',
		shuffle INTEGER NOT NULL DEFAULT 0,
		loop INTEGER NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		bitrate_kbps INTEGER NOT NULL DEFAULT 0,
		framerate INTEGER NOT NULL DEFAULT 0,
		orientation TEXT NOT NULL DEFAULT '',
		duration_limit_s INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_broadcasts_status ON broadcasts(status);

	CREATE TABLE IF NOT EXISTS broadcast_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broadcast_id TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		changed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_broadcast ON broadcast_status_history(broadcast_id, id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PutBroadcast(ctx context.Context, rec *BroadcastRecord) error {
	now := time.Now().UTC()
	cp := rec.Clone()
	if cp.Status == "" {
		cp.Status = StatusOffline
	}
	if !cp.Status.Valid() {
		return ErrInvalidStatus
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	playlist, err := json.Marshal(cp.Content.Playlist)
	if err != nil {
		return fmt.Errorf("encode playlist: %w", err)
	}

	query := `
	INSERT INTO broadcasts (
		id, title, destination_url, stream_key,
		asset_path, playlist, shuffle, loop,
		resolution, bitrate_kbps, framerate, orientation, duration_limit_s,
		status, error_message, created_at, updated_at, started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		destination_url = excluded.destination_url,
		stream_key = excluded.stream_key,
		asset_path = excluded.asset_path,
		playlist = excluded.playlist,
		shuffle = excluded.shuffle,
		loop = excluded.loop,
		resolution = excluded.resolution,
		bitrate_kbps = excluded.bitrate_kbps,
		framerate = excluded.framerate,
		orientation = excluded.orientation,
		duration_limit_s = excluded.duration_limit_s,
		status = excluded.status,
		error_message = excluded.error_message,
		updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ID, cp.Title, cp.DestinationURL, cp.StreamKey,
		cp.Content.AssetPath, string(playlist), cp.Content.Shuffle, cp.Content.Loop,
		cp.Encode.Resolution, cp.Encode.BitrateKbps, cp.Encode.Framerate, cp.Encode.Orientation, cp.DurationLimitS,
		string(cp.Status), cp.ErrorMessage,
		cp.CreatedAt.Format(time.RFC3339Nano), cp.UpdatedAt.Format(time.RFC3339Nano),
		nullTime(cp.StartedAt), nullTime(cp.EndedAt),
	)
	return err
}

const selectColumns = `
	id, title, destination_url, stream_key,
	asset_path, playlist, shuffle, loop,
	resolution, bitrate_kbps, framerate, orientation, duration_limit_s,
	status, error_message, created_at, updated_at, started_at, ended_at`

func (s *SQLiteStore) GetBroadcast(ctx context.Context, id string) (*BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM broadcasts WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListBroadcasts(ctx context.Context) ([]*BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT"+selectColumns+" FROM broadcasts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*BroadcastRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBroadcast(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM broadcasts WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var startedAt sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT started_at FROM broadcasts WHERE id = ?", id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if status == StatusActive && !startedAt.Valid {
		startedAt = sql.NullString{String: nowStr, Valid: true}
	}
	var endedAt any
	if status.Terminal() {
		endedAt = nowStr
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = ?, error_message = ?, updated_at = ?,
		    started_at = ?, ended_at = COALESCE(?, ended_at)
		WHERE id = ?`,
		string(status), errorMessage, nowStr, startedAt, endedAt, id)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO broadcast_status_history (broadcast_id, status, error_message, changed_at)
		VALUES (?, ?, ?, ?)`,
		id, string(status), errorMessage, nowStr)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) StatusHistory(ctx context.Context, id string, limit int) ([]StatusChange, error) {
	if _, err := s.GetBroadcast(ctx, id); err != nil {
		return nil, err
	}

	query := `
	SELECT status, error_message, changed_at
	FROM broadcast_status_history
	WHERE broadcast_id = ?
	ORDER BY id DESC`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StatusChange
	for rows.Next() {
		var c StatusChange
		var statusStr, changedAt string
		if err := rows.Scan(&statusStr, &c.ErrorMessage, &changedAt); err != nil {
			return nil, err
		}
		c.Status = Status(statusStr)
		c.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest rows come first off the index; callers get chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*BroadcastRecord, error) {
	var rec BroadcastRecord
	var playlist, statusStr, createdAt, updatedAt string
	var startedAt, endedAt sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Title, &rec.DestinationURL, &rec.StreamKey,
		&rec.Content.AssetPath, &playlist, &rec.Content.Shuffle, &rec.Content.Loop,
		&rec.Encode.Resolution, &rec.Encode.BitrateKbps, &rec.Encode.Framerate, &rec.Encode.Orientation, &rec.DurationLimitS,
		&statusStr, &rec.ErrorMessage, &createdAt, &updatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(playlist), &rec.Content.Playlist); err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	rec.Status = Status(statusStr)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if startedAt.Valid {
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
	}
	if endedAt.Valid {
		rec.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt.String)
	}
	return &rec, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
