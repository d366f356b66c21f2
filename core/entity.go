package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

// PresenceTTL is the window after the last refresh during which a presence
// entry counts as live. Expiry is evaluated at read time; no sweep is
// required for correctness.
const PresenceTTL = 15 * time.Second

// TombstoneRetention bounds how long a deleted filename stays queryable for
// polling clients. Stores may prune older tombstones opportunistically.
const TombstoneRetention = 10 * time.Minute

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
	ErrFileExists   = errors.New("file already exists")
)

type (
	Room struct {
		ID         string `json:"id"`
		CreatedAt  int64  `json:"createdAt"`
		LastActive int64  `json:"lastActive"`
	}

	File struct {
		RoomID    string `json:"-"`
		Filename  string `json:"filename"`
		Content   string `json:"content"`
		UpdatedAt int64  `json:"updatedAt"`
	}

	PresenceEntry struct {
		RoomID      string `json:"-"`
		UserName    string `json:"userName"`
		UserColor   string `json:"userColor"`
		EditingFile string `json:"editingFile,omitempty"`
		LastSeen    int64  `json:"-"`
	}

	// Snapshot is the full room state delivered on join and as the first
	// event of every push subscription.
	Snapshot struct {
		Files    map[string]string `json:"files"`
		Presence []PresenceEntry   `json:"presence"`
	}

	RoomStore interface {
		CreateRoom(ctx context.Context, id string) (*Room, error)
		RoomExists(ctx context.Context, id string) (bool, error)
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, id string) error
		DeleteRoom(ctx context.Context, id string) error
	}

	FileStore interface {
		ListFiles(ctx context.Context, roomID string) (map[string]string, error)
		// ListChangedSince returns files with updatedAt strictly after since
		// (unix milliseconds).
		ListChangedSince(ctx context.Context, roomID string, since int64) ([]File, error)
		// ListDeletedSince returns filenames tombstoned after since, so
		// polling clients can observe deletions.
		ListDeletedSince(ctx context.Context, roomID string, since int64) ([]string, error)
		// UpsertFile creates or replaces a file, always advancing updatedAt.
		// The returned flag is true when the file did not exist before.
		UpsertFile(ctx context.Context, roomID, filename, content string) (*File, bool, error)
		// DeleteFile removes a file; deleting a missing filename is a no-op.
		// The returned flag is true when a row was actually removed.
		DeleteFile(ctx context.Context, roomID, filename string) (bool, error)
		// RenameFile changes a filename in place, preserving content.
		// Renaming a missing oldName is a no-op (false, nil); renaming onto
		// an existing filename fails with ErrFileExists.
		RenameFile(ctx context.Context, roomID, oldName, newName string) (bool, error)
	}

	PresenceStore interface {
		UpsertPresence(ctx context.Context, entry PresenceEntry) error
		ListLivePresence(ctx context.Context, roomID string) ([]PresenceEntry, error)
		RemovePresence(ctx context.Context, roomID, userName string) error
	}

	// Store is a union interface implemented by every full storage backend.
	Store interface {
		RoomStore
		FileStore
		PresenceStore
	}
)

// CanonicalRoomID upper-cases a client-supplied room id. Every external
// entry point must canonicalize before touching a store.
func CanonicalRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// BuildSnapshot assembles the full file and live-presence state of a room.
func BuildSnapshot(ctx context.Context, files FileStore, presence PresenceStore, roomID string) (*Snapshot, error) {
	fileMap, err := files.ListFiles(ctx, roomID)
	if err != nil {
		return nil, err
	}
	live, err := presence.ListLivePresence(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		live = []PresenceEntry{}
	}
	return &Snapshot{Files: fileMap, Presence: live}, nil
}
