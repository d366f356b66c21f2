package sqlite

import (
	"codemonk-server/core"
	"context"
	"database/sql"
	stdlog "log"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type store struct {
	db *sql.DB
}

// NewStore creates the SQLite-backed storage backend.
func NewStore(dataSourceName string) core.Store {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		stdlog.Fatalf("failed to open sqlite database: %v", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			room_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, filename)
		);`,
		`CREATE TABLE IF NOT EXISTS file_tombstones (
			room_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			deleted_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, filename)
		);`,
		`CREATE TABLE IF NOT EXISTS presence (
			room_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			user_color TEXT,
			editing_file TEXT,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_name)
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			stdlog.Fatalf("failed to initialize sqlite schema: %v", err)
		}
	}

	// The store serializes same-key mutations; one writer at a time keeps
	// sqlite's locking out of the picture.
	db.SetMaxOpenConns(1)

	return &store{db}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *store) roomExistsTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *store) CreateRoom(ctx context.Context, id string) (*core.Room, error) {
	log := logrus.WithField("room_id", id)
	now := nowMillis()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, created_at, last_active) VALUES (?, ?, ?)", id, now, now)
	if err != nil {
		exists, checkErr := s.roomExistsTx(ctx, s.db, id)
		if checkErr == nil && exists {
			return nil, core.ErrRoomExists
		}
		log.WithField("error", err).Error("Failed to create room")
		return nil, err
	}

	log.Info("Room created")
	return &core.Room{ID: id, CreatedAt: now, LastActive: now}, nil
}

func (s *store) RoomExists(ctx context.Context, id string) (bool, error) {
	return s.roomExistsTx(ctx, s.db, id)
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, created_at, last_active FROM rooms")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []core.Room
	for rows.Next() {
		var r core.Room
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *store) TouchRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET last_active = ? WHERE id = ?", nowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrRoomNotFound
	}
	return nil
}

func (s *store) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM presence WHERE room_id = ?",
		"DELETE FROM file_tombstones WHERE room_id = ?",
		"DELETE FROM files WHERE room_id = ?",
		"DELETE FROM rooms WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}

	logrus.WithField("room_id", id).Info("Room deleted")
	return tx.Commit()
}

func (s *store) ListFiles(ctx context.Context, roomID string) (map[string]string, error) {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrRoomNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT filename, content FROM files WHERE room_id = ?", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make(map[string]string)
	for rows.Next() {
		var name, content string
		if err := rows.Scan(&name, &content); err != nil {
			return nil, err
		}
		files[name] = content
	}
	return files, rows.Err()
}

func (s *store) ListChangedSince(ctx context.Context, roomID string, since int64) ([]core.File, error) {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrRoomNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT filename, content, updated_at FROM files WHERE room_id = ? AND updated_at > ?",
		roomID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changed []core.File
	for rows.Next() {
		f := core.File{RoomID: roomID}
		if err := rows.Scan(&f.Filename, &f.Content, &f.UpdatedAt); err != nil {
			return nil, err
		}
		changed = append(changed, f)
	}
	return changed, rows.Err()
}

func (s *store) ListDeletedSince(ctx context.Context, roomID string, since int64) ([]string, error) {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrRoomNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT filename FROM file_tombstones WHERE room_id = ? AND deleted_at > ?",
		roomID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		deleted = append(deleted, name)
	}
	return deleted, rows.Err()
}

func (s *store) UpsertFile(ctx context.Context, roomID, filename, content string) (*core.File, bool, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"filename": filename,
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	exists, err := s.roomExistsTx(ctx, tx, roomID)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, core.ErrRoomNotFound
	}

	now := nowMillis()
	var prev int64
	created := false
	err = tx.QueryRowContext(ctx,
		"SELECT updated_at FROM files WHERE room_id = ? AND filename = ?",
		roomID, filename).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
		created = true
	case err != nil:
		return nil, false, err
	case now <= prev:
		// updatedAt must strictly advance for same-millisecond overwrites.
		now = prev + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (room_id, filename, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, filename) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		roomID, filename, content, now)
	if err != nil {
		log.WithField("error", err).Error("Failed to upsert file")
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM file_tombstones WHERE room_id = ? AND filename = ?", roomID, filename); err != nil {
		return nil, false, err
	}
	s.pruneTombstones(ctx, tx, roomID)

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	log.WithField("created", created).Debug("File upserted")
	return &core.File{RoomID: roomID, Filename: filename, Content: content, UpdatedAt: now}, created, nil
}

func (s *store) DeleteFile(ctx context.Context, roomID, filename string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	exists, err := s.roomExistsTx(ctx, tx, roomID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, core.ErrRoomNotFound
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM files WHERE room_id = ? AND filename = ?", roomID, filename)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Desired end state already reached; not an error.
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_tombstones (room_id, filename, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id, filename) DO UPDATE SET deleted_at = excluded.deleted_at`,
		roomID, filename, nowMillis()); err != nil {
		return false, err
	}
	s.pruneTombstones(ctx, tx, roomID)

	return true, tx.Commit()
}

func (s *store) RenameFile(ctx context.Context, roomID, oldName, newName string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	exists, err := s.roomExistsTx(ctx, tx, roomID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, core.ErrRoomNotFound
	}

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM files WHERE room_id = ? AND filename = ?", roomID, newName).Scan(&one)
	if err == nil {
		return false, core.ErrFileExists
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	var prev int64
	err = tx.QueryRowContext(ctx,
		"SELECT updated_at FROM files WHERE room_id = ? AND filename = ?", roomID, oldName).Scan(&prev)
	if err == sql.ErrNoRows {
		// Renaming a missing file affects zero rows.
		return false, tx.Commit()
	}
	if err != nil {
		return false, err
	}

	now := nowMillis()
	if now <= prev {
		now = prev + 1
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE files SET filename = ?, updated_at = ? WHERE room_id = ? AND filename = ?",
		newName, now, roomID, oldName); err != nil {
		return false, err
	}

	// Pollers learn the old name is gone through its tombstone.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_tombstones (room_id, filename, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id, filename) DO UPDATE SET deleted_at = excluded.deleted_at`,
		roomID, oldName, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM file_tombstones WHERE room_id = ? AND filename = ?", roomID, newName); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// pruneTombstones drops tombstones past retention; storage hygiene only.
func (s *store) pruneTombstones(ctx context.Context, tx *sql.Tx, roomID string) {
	cutoff := nowMillis() - core.TombstoneRetention.Milliseconds()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM file_tombstones WHERE room_id = ? AND deleted_at < ?", roomID, cutoff); err != nil {
		logrus.WithField("error", err).Warn("Failed to prune tombstones")
	}
}

func (s *store) UpsertPresence(ctx context.Context, entry core.PresenceEntry) error {
	exists, err := s.RoomExists(ctx, entry.RoomID)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrRoomNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presence (room_id, user_name, user_color, editing_file, last_seen) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_name) DO UPDATE SET
			user_color = excluded.user_color,
			editing_file = excluded.editing_file,
			last_seen = excluded.last_seen`,
		entry.RoomID, entry.UserName, entry.UserColor, entry.EditingFile, nowMillis())
	return err
}

func (s *store) ListLivePresence(ctx context.Context, roomID string) ([]core.PresenceEntry, error) {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrRoomNotFound
	}

	cutoff := nowMillis() - core.PresenceTTL.Milliseconds()
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_name, user_color, editing_file, last_seen FROM presence WHERE room_id = ? AND last_seen > ?",
		roomID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var live []core.PresenceEntry
	for rows.Next() {
		p := core.PresenceEntry{RoomID: roomID}
		if err := rows.Scan(&p.UserName, &p.UserColor, &p.EditingFile, &p.LastSeen); err != nil {
			return nil, err
		}
		live = append(live, p)
	}
	return live, rows.Err()
}

func (s *store) RemovePresence(ctx context.Context, roomID, userName string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM presence WHERE room_id = ? AND user_name = ?", roomID, userName)
	return err
}
