package filesystem

import (
	"codemonk-server/core"
	"context"
	"encoding/json"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// roomDoc is the on-disk layout: one JSON document per room. It uses its own
// file and presence types because the API structs hide fields from responses
// (RoomID, LastSeen) that the document must keep.
type roomDoc struct {
	Room       core.Room                 `json:"room"`
	Files      map[string]storedFile     `json:"files"`
	Tombstones map[string]int64          `json:"tombstones"`
	Presence   map[string]storedPresence `json:"presence"`
}

type storedFile struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	UpdatedAt int64  `json:"updatedAt"`
}

type storedPresence struct {
	UserName    string `json:"userName"`
	UserColor   string `json:"userColor"`
	EditingFile string `json:"editingFile,omitempty"`
	LastSeen    int64  `json:"lastSeen"`
}

func (f storedFile) toFile(roomID string) core.File {
	return core.File{RoomID: roomID, Filename: f.Filename, Content: f.Content, UpdatedAt: f.UpdatedAt}
}

func (p storedPresence) toEntry(roomID string) core.PresenceEntry {
	return core.PresenceEntry{
		RoomID:      roomID,
		UserName:    p.UserName,
		UserColor:   p.UserColor,
		EditingFile: p.EditingFile,
		LastSeen:    p.LastSeen,
	}
}

type fsStore struct {
	basePath string
	mu       sync.Mutex
}

// NewStore creates a filesystem-backed storage backend rooted at basePath.
func NewStore(basePath string) core.Store {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		stdlog.Fatalf("failed to create base directory: %v", err)
	}
	return &fsStore{basePath: basePath}
}

func (s *fsStore) roomPath(roomID string) string {
	return filepath.Join(s.basePath, roomID+".json")
}

// load reads a room document. Callers must hold s.mu.
func (s *fsStore) load(roomID string) (*roomDoc, error) {
	data, err := os.ReadFile(s.roomPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrRoomNotFound
		}
		return nil, err
	}
	var doc roomDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Files == nil {
		doc.Files = make(map[string]storedFile)
	}
	if doc.Tombstones == nil {
		doc.Tombstones = make(map[string]int64)
	}
	if doc.Presence == nil {
		doc.Presence = make(map[string]storedPresence)
	}
	return &doc, nil
}

// save writes a room document. Callers must hold s.mu.
func (s *fsStore) save(roomID string, doc *roomDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.roomPath(roomID), data, 0644)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *fsStore) CreateRoom(ctx context.Context, id string) (*core.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.roomPath(id)); err == nil {
		return nil, core.ErrRoomExists
	}

	now := nowMillis()
	doc := &roomDoc{
		Room:       core.Room{ID: id, CreatedAt: now, LastActive: now},
		Files:      make(map[string]storedFile),
		Tombstones: make(map[string]int64),
		Presence:   make(map[string]storedPresence),
	}
	if err := s.save(id, doc); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": id, "error": err}).Error("Failed to create room")
		return nil, err
	}

	logrus.WithField("room_id", id).Info("Room created")
	room := doc.Room
	return &room, nil
}

func (s *fsStore) RoomExists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.roomPath(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *fsStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var rooms []core.Room
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			logrus.WithFields(logrus.Fields{"file": entry.Name(), "error": err}).Warn("Skipping unreadable room file")
			continue
		}
		rooms = append(rooms, doc.Room)
	}
	return rooms, nil
}

func (s *fsStore) TouchRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(id)
	if err != nil {
		return err
	}
	doc.Room.LastActive = nowMillis()
	return s.save(id, doc)
}

func (s *fsStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.roomPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	logrus.WithField("room_id", id).Info("Room deleted")
	return nil
}

func (s *fsStore) ListFiles(ctx context.Context, roomID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(doc.Files))
	for name, f := range doc.Files {
		files[name] = f.Content
	}
	return files, nil
}

func (s *fsStore) ListChangedSince(ctx context.Context, roomID string, since int64) ([]core.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return nil, err
	}
	var changed []core.File
	for _, f := range doc.Files {
		if f.UpdatedAt > since {
			changed = append(changed, f.toFile(roomID))
		}
	}
	return changed, nil
}

func (s *fsStore) ListDeletedSince(ctx context.Context, roomID string, since int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for name, at := range doc.Tombstones {
		if at > since {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

func (s *fsStore) UpsertFile(ctx context.Context, roomID, filename, content string) (*core.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return nil, false, err
	}
	pruneTombstones(doc)

	now := nowMillis()
	prev, existed := doc.Files[filename]
	if existed && now <= prev.UpdatedAt {
		now = prev.UpdatedAt + 1
	}
	stored := storedFile{Filename: filename, Content: content, UpdatedAt: now}
	doc.Files[filename] = stored
	delete(doc.Tombstones, filename)

	if err := s.save(roomID, doc); err != nil {
		return nil, false, err
	}
	f := stored.toFile(roomID)
	return &f, !existed, nil
}

func (s *fsStore) DeleteFile(ctx context.Context, roomID, filename string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return false, err
	}
	pruneTombstones(doc)

	if _, existed := doc.Files[filename]; !existed {
		return false, s.save(roomID, doc)
	}
	delete(doc.Files, filename)
	doc.Tombstones[filename] = nowMillis()

	if err := s.save(roomID, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fsStore) RenameFile(ctx context.Context, roomID, oldName, newName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return false, err
	}
	pruneTombstones(doc)

	if _, taken := doc.Files[newName]; taken {
		return false, core.ErrFileExists
	}
	f, existed := doc.Files[oldName]
	if !existed {
		return false, nil
	}

	now := nowMillis()
	if now <= f.UpdatedAt {
		now = f.UpdatedAt + 1
	}
	delete(doc.Files, oldName)
	f.Filename = newName
	f.UpdatedAt = now
	doc.Files[newName] = f
	doc.Tombstones[oldName] = now
	delete(doc.Tombstones, newName)

	if err := s.save(roomID, doc); err != nil {
		return false, err
	}
	return true, nil
}

func pruneTombstones(doc *roomDoc) {
	cutoff := nowMillis() - core.TombstoneRetention.Milliseconds()
	for name, at := range doc.Tombstones {
		if at < cutoff {
			delete(doc.Tombstones, name)
		}
	}
}

func (s *fsStore) UpsertPresence(ctx context.Context, entry core.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(entry.RoomID)
	if err != nil {
		return err
	}
	doc.Presence[entry.UserName] = storedPresence{
		UserName:    entry.UserName,
		UserColor:   entry.UserColor,
		EditingFile: entry.EditingFile,
		LastSeen:    nowMillis(),
	}
	return s.save(entry.RoomID, doc)
}

func (s *fsStore) ListLivePresence(ctx context.Context, roomID string) ([]core.PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return nil, err
	}
	cutoff := nowMillis() - core.PresenceTTL.Milliseconds()
	var live []core.PresenceEntry
	for _, p := range doc.Presence {
		if p.LastSeen > cutoff {
			live = append(live, p.toEntry(roomID))
		}
	}
	return live, nil
}

func (s *fsStore) RemovePresence(ctx context.Context, roomID, userName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(roomID)
	if err != nil {
		return err
	}
	delete(doc.Presence, userName)
	return s.save(roomID, doc)
}
