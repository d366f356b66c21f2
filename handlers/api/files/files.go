package files

import (
	"codemonk-server/core"
	"codemonk-server/hub"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	UpsertRequest struct {
		Content  string `json:"content"`
		UserName string `json:"userName"`
	}

	RenameRequest struct {
		NewName  string `json:"newName"`
		UserName string `json:"userName"`
	}

	FileEvent struct {
		Filename string `json:"filename"`
		Content  string `json:"content,omitempty"`
		OldName  string `json:"oldName,omitempty"`
	}

	AckResponse struct {
		Status string `json:"status"`
	}
)

var ack = AckResponse{Status: "ok"}

func params(r *http.Request) (roomID, filename string) {
	return core.CanonicalRoomID(chi.URLParam(r, "roomID")), chi.URLParam(r, "filename")
}

func writeStoreError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, core.ErrRoomNotFound) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	logrus.WithField("error", err).Error("Failed to " + action)
	http.Error(w, "Failed to "+action, http.StatusInternalServerError)
}

// HandleList returns the room's full filename -> content mapping.
func HandleList(store core.FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, _ := params(r)

		files, err := store.ListFiles(r.Context(), roomID)
		if err != nil {
			writeStoreError(w, err, "list files")
			return
		}
		render.JSON(w, r, files)
	}
}

// HandleUpsert creates or overwrites a file (last write wins) and fans the
// change out to push subscribers, excluding the writer's own connections.
func HandleUpsert(store core.Store, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, filename := params(r)
		if strings.TrimSpace(filename) == "" {
			http.Error(w, "Filename is required", http.StatusBadRequest)
			return
		}

		var req UpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode upsert request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.UserName) == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		file, created, err := store.UpsertFile(r.Context(), roomID, filename, req.Content)
		if err != nil {
			writeStoreError(w, err, "save file")
			return
		}
		if err := store.TouchRoom(r.Context(), roomID); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "error": err}).Warn("Failed to touch room")
		}

		eventType := hub.EventFileUpdate
		if created {
			eventType = hub.EventFileCreate
		}
		h.Publish(roomID, hub.Event{
			Type:    eventType,
			Payload: FileEvent{Filename: file.Filename, Content: file.Content},
		}, req.UserName)

		render.JSON(w, r, ack)
	}
}

// HandleDelete removes a file. Deleting a filename that does not exist is a
// normal success; nothing is broadcast for it.
func HandleDelete(store core.Store, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, filename := params(r)
		userName := strings.TrimSpace(r.URL.Query().Get("user"))
		if userName == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		removed, err := store.DeleteFile(r.Context(), roomID, filename)
		if err != nil {
			writeStoreError(w, err, "delete file")
			return
		}
		if removed {
			if err := store.TouchRoom(r.Context(), roomID); err != nil {
				logrus.WithFields(logrus.Fields{"room_id": roomID, "error": err}).Warn("Failed to touch room")
			}
			h.Publish(roomID, hub.Event{
				Type:    hub.EventFileDelete,
				Payload: FileEvent{Filename: filename},
			}, userName)
		}

		render.JSON(w, r, ack)
	}
}

// HandleRename changes a filename in place. Renaming onto an existing name
// is rejected with 409; renaming a missing file is a quiet no-op.
func HandleRename(store core.Store, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, oldName := params(r)

		var req RenameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode rename request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		req.NewName = strings.TrimSpace(req.NewName)
		if req.NewName == "" {
			http.Error(w, "New filename is required", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.UserName) == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		renamed, err := store.RenameFile(r.Context(), roomID, oldName, req.NewName)
		if errors.Is(err, core.ErrFileExists) {
			http.Error(w, "A file with that name already exists", http.StatusConflict)
			return
		}
		if err != nil {
			writeStoreError(w, err, "rename file")
			return
		}
		if renamed {
			if err := store.TouchRoom(r.Context(), roomID); err != nil {
				logrus.WithFields(logrus.Fields{"room_id": roomID, "error": err}).Warn("Failed to touch room")
			}
			h.Publish(roomID, hub.Event{
				Type:    hub.EventFileRename,
				Payload: FileEvent{Filename: req.NewName, OldName: oldName},
			}, req.UserName)
		}

		render.JSON(w, r, ack)
	}
}
