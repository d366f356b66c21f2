package presence

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

type UpsertRequest struct {
	UserColor   string `json:"userColor"`
	EditingFile string `json:"editingFile"`
}

func params(r *http.Request) (roomID, userName string) {
	return core.CanonicalRoomID(chi.URLParam(r, "roomID")), strings.TrimSpace(chi.URLParam(r, "userName"))
}

// HandleUpsert creates or refreshes a user's presence entry and broadcasts
// the room's full live list to everyone, originator included.
func HandleUpsert(store core.PresenceStore, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, userName := params(r)
		if userName == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		var req UpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode presence request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		err := store.UpsertPresence(r.Context(), core.PresenceEntry{
			RoomID:      roomID,
			UserName:    userName,
			UserColor:   req.UserColor,
			EditingFile: req.EditingFile,
		})
		if errors.Is(err, core.ErrRoomNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("error", err).Error("Failed to record presence")
			http.Error(w, "Failed to record presence", http.StatusInternalServerError)
			return
		}

		h.PublishPresence(r.Context(), store, roomID)
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}

// HandleRemove drops a user's presence on graceful leave and broadcasts the
// reduced live list.
func HandleRemove(store core.PresenceStore, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, userName := params(r)
		if userName == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		err := store.RemovePresence(r.Context(), roomID, userName)
		if errors.Is(err, core.ErrRoomNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("error", err).Error("Failed to remove presence")
			http.Error(w, "Failed to remove presence", http.StatusInternalServerError)
			return
		}

		h.PublishPresence(r.Context(), store, roomID)
		w.WriteHeader(http.StatusNoContent)
	}
}
