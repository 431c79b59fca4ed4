package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"go2tv.app/castkeeper/internal/domain"
)

// Store persists devices and videos in SQLite. The runtime registry stays
// authoritative; the store is read at startup and written on Sync.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		name TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		address TEXT NOT NULL,
		protocol TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		is_audio_only INTEGER NOT NULL DEFAULT 0,
		control_mode TEXT NOT NULL DEFAULT 'auto' CHECK(control_mode IN ('auto', 'manual')),
		last_seen TEXT
	);

	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		format TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		mod_time TEXT
	);

	CREATE TABLE IF NOT EXISTS deleted_videos (
		id TEXT PRIMARY KEY,
		deleted_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT name, id, address, protocol, type, is_audio_only, control_mode, last_seen
	FROM devices
	ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		var mode string
		var lastSeen sql.NullString
		if err := rows.Scan(&d.Name, &d.ID, &d.Address, &d.Protocol, &d.Type, &d.IsAudioOnly, &mode, &lastSeen); err != nil {
			return nil, err
		}
		d.ControlMode = domain.ControlMode(mode)
		d.LastSeen = parseTime(lastSeen)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveDevices replaces the stored device set with devices.
func (s *Store) SaveDevices(ctx context.Context, devices []domain.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO devices (name, id, address, protocol, type, is_audio_only, control_mode, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, d := range devices {
		mode := d.ControlMode
		if mode == "" {
			mode = domain.ControlAuto
		}
		if _, err := stmt.ExecContext(ctx, d.Name, d.ID, d.Address, d.Protocol, d.Type, d.IsAudioOnly, string(mode), formatTime(d.LastSeen)); err != nil {
			return fmt.Errorf("save device %s: %w", d.Name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListVideos(ctx context.Context) ([]domain.Video, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, path, duration_ms, format, size_bytes, mod_time
	FROM videos
	ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Video
	for rows.Next() {
		var v domain.Video
		var durationMS int64
		var modTime sql.NullString
		if err := rows.Scan(&v.ID, &v.Path, &durationMS, &v.Format, &v.Size, &modTime); err != nil {
			return nil, err
		}
		v.Duration = time.Duration(durationMS) * time.Millisecond
		v.ModTime = parseTime(modTime)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) UpsertVideos(ctx context.Context, videos []domain.Video) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertVideosTx(ctx, tx, videos); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceVideos makes videos the complete stored set, less any deleted ids.
func (s *Store) ReplaceVideos(ctx context.Context, videos []domain.Video) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deleted, err := deletedIDsTx(ctx, tx)
	if err != nil {
		return err
	}
	kept := make([]domain.Video, 0, len(videos))
	for _, v := range videos {
		if _, gone := deleted[v.ID]; !gone {
			kept = append(kept, v)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM videos`); err != nil {
		return err
	}
	if err := upsertVideosTx(ctx, tx, kept); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteVideo removes a video and records its id so later scans skip it.
func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.VideoNotFound(id)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO deleted_videos (id, deleted_at) VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET deleted_at = excluded.deleted_at
	`, id, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// DeletedVideoIDs lists ids removed through DeleteVideo.
func (s *Store) DeletedVideoIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM deleted_videos ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func deletedIDsTx(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM deleted_videos`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func upsertVideosTx(ctx context.Context, tx *sql.Tx, videos []domain.Video) error {
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO videos (id, path, duration_ms, format, size_bytes, mod_time)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		path = excluded.path,
		duration_ms = excluded.duration_ms,
		format = excluded.format,
		size_bytes = excluded.size_bytes,
		mod_time = excluded.mod_time
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, v := range videos {
		if v.ID == "" {
			return errors.New("video id is empty")
		}
		if _, err := stmt.ExecContext(ctx, v.ID, v.Path, v.Duration.Milliseconds(), v.Format, v.Size, formatTime(v.ModTime)); err != nil {
			return fmt.Errorf("save video %s: %w", v.ID, err)
		}
	}
	return nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
