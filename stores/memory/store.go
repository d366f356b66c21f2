package memory

import (
	"codemonk-server/core"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type roomState struct {
	room       core.Room
	files      map[string]*core.File
	tombstones map[string]int64 // filename -> deletedAt
	presence   map[string]*core.PresenceEntry
}

type store struct {
	mu    sync.RWMutex
	rooms map[string]*roomState

	// now is swappable so tests can control the clock.
	now func() time.Time
}

// NewStore creates the in-memory storage backend, the default when no
// STORAGE_TYPE is configured.
func NewStore() core.Store {
	return &store{
		rooms: make(map[string]*roomState),
		now:   time.Now,
	}
}

func (s *store) nowMillis() int64 { return s.now().UnixMilli() }

// room returns the state for id or nil. Callers must hold s.mu.
func (s *store) room(id string) *roomState {
	return s.rooms[id]
}

func (s *store) CreateRoom(ctx context.Context, id string) (*core.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[id]; exists {
		return nil, core.ErrRoomExists
	}
	now := s.nowMillis()
	rs := &roomState{
		room:       core.Room{ID: id, CreatedAt: now, LastActive: now},
		files:      make(map[string]*core.File),
		tombstones: make(map[string]int64),
		presence:   make(map[string]*core.PresenceEntry),
	}
	s.rooms[id] = rs

	logrus.WithField("room_id", id).Info("Room created")
	room := rs.room
	return &room, nil
}

func (s *store) RoomExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok, nil
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		rooms = append(rooms, rs.room)
	}
	return rooms, nil
}

func (s *store) TouchRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.room(id)
	if rs == nil {
		return core.ErrRoomNotFound
	}
	rs.room.LastActive = s.nowMillis()
	return nil
}

func (s *store) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, id)
	logrus.WithField("room_id", id).Info("Room deleted")
	return nil
}

func (s *store) ListFiles(ctx context.Context, roomID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.room(roomID)
	if rs == nil {
		return nil, core.ErrRoomNotFound
	}
	files := make(map[string]string, len(rs.files))
	for name, f := range rs.files {
		files[name] = f.Content
	}
	return files, nil
}

func (s *store) ListChangedSince(ctx context.Context, roomID string, since int64) ([]core.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.room(roomID)
	if rs == nil {
		return nil, core.ErrRoomNotFound
	}
	var changed []core.File
	for _, f := range rs.files {
		if f.UpdatedAt > since {
			changed = append(changed, *f)
		}
	}
	return changed, nil
}

func (s *store) ListDeletedSince(ctx context.Context, roomID string, since int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.room(roomID)
	if rs == nil {
		return nil, core.ErrRoomNotFound
	}
	var deleted []string
	for name, at := range rs.tombstones {
		if at > since {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

func (s *store) UpsertFile(ctx context.Context, roomID, filename, content string) (*core.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.room(roomID)
	if rs == nil {
		return nil, false, core.ErrRoomNotFound
	}
	s.pruneTombstones(rs)

	now := s.nowMillis()
	prev, existed := rs.files[filename]
	if existed && now <= prev.UpdatedAt {
		// updatedAt must strictly advance even for same-millisecond writes,
		// so polling cursors never miss an overwrite.
		now = prev.UpdatedAt + 1
	}
	f := &core.File{RoomID: roomID, Filename: filename, Content: content, UpdatedAt: now}
	rs.files[filename] = f
	delete(rs.tombstones, filename)

	copied := *f
	return &copied, !existed, nil
}

func (s *store) DeleteFile(ctx context.Context, roomID, filename string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.room(roomID)
	if rs == nil {
		return false, core.ErrRoomNotFound
	}
	s.pruneTombstones(rs)

	if _, existed := rs.files[filename]; !existed {
		return false, nil
	}
	delete(rs.files, filename)
	rs.tombstones[filename] = s.nowMillis()
	return true, nil
}

func (s *store) RenameFile(ctx context.Context, roomID, oldName, newName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.room(roomID)
	if rs == nil {
		return false, core.ErrRoomNotFound
	}
	s.pruneTombstones(rs)

	if _, taken := rs.files[newName]; taken {
		return false, core.ErrFileExists
	}
	f, existed := rs.files[oldName]
	if !existed {
		return false, nil
	}

	now := s.nowMillis()
	if now <= f.UpdatedAt {
		now = f.UpdatedAt + 1
	}
	delete(rs.files, oldName)
	f.Filename = newName
	f.UpdatedAt = now
	rs.files[newName] = f

	// Pollers learn the old name is gone through its tombstone.
	rs.tombstones[oldName] = now
	delete(rs.tombstones, newName)
	return true, nil
}

// pruneTombstones drops tombstones past retention. Called opportunistically
// on writes; purely storage hygiene. Callers must hold s.mu for writing.
func (s *store) pruneTombstones(rs *roomState) {
	cutoff := s.nowMillis() - core.TombstoneRetention.Milliseconds()
	for name, at := range rs.tombstones {
		if at < cutoff {
			delete(rs.tombstones, name)
		}
	}
}

func (s *store) UpsertPresence(ctx context.Context, entry core.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.room(entry.RoomID)
	if rs == nil {
		return core.ErrRoomNotFound
	}
	entry.LastSeen = s.nowMillis()
	rs.presence[entry.UserName] = &entry
	return nil
}

func (s *store) ListLivePresence(ctx context.Context, roomID string) ([]core.PresenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.room(roomID)
	if rs == nil {
		return nil, core.ErrRoomNotFound
	}
	cutoff := s.nowMillis() - core.PresenceTTL.Milliseconds()
	var live []core.PresenceEntry
	for _, p := range rs.presence {
		if p.LastSeen > cutoff {
			live = append(live, *p)
		}
	}
	return live, nil
}

func (s *store) RemovePresence(ctx context.Context, roomID, userName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.room(roomID)
	if rs == nil {
		return core.ErrRoomNotFound
	}
	delete(rs.presence, userName)
	return nil
}
