package rooms

import (
	"codemonk-server/core"
	"codemonk-server/hub"
	"codemonk-server/roomcode"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	JoinRequest struct {
		UserName    string `json:"userName"`
		UserColor   string `json:"userColor"`
		EditingFile string `json:"editingFile"`
	}

	RoomInfo struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive int64  `json:"lastActive,omitempty"`
	}
)

// HandleCreate generates a collision-checked room code and persists the room.
func HandleCreate(store core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for {
			id := roomcode.Generate()
			exists, err := store.RoomExists(r.Context(), id)
			if err != nil {
				logrus.WithField("error", err).Error("Failed to check room code")
				http.Error(w, "Failed to create room", http.StatusInternalServerError)
				return
			}
			if exists {
				continue
			}

			room, err := store.CreateRoom(r.Context(), id)
			if errors.Is(err, core.ErrRoomExists) {
				// Lost a race on the same code; draw another.
				continue
			}
			if err != nil {
				logrus.WithField("error", err).Error("Failed to create room")
				http.Error(w, "Failed to create room", http.StatusInternalServerError)
				return
			}

			logrus.WithField("room_id", room.ID).Info("Room created")
			render.Status(r, http.StatusCreated)
			render.JSON(w, r, room)
			return
		}
	}
}

// HandleGet resolves a room id, canonicalizing case first.
func HandleGet(store core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.CanonicalRoomID(chi.URLParam(r, "roomID"))

		exists, err := store.RoomExists(r.Context(), roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to look up room")
			http.Error(w, "Failed to look up room", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		render.JSON(w, r, map[string]string{"id": roomID})
	}
}

// HandleList reports every known room with its live subscriber count,
// busiest and most recently active first.
func HandleList(store core.RoomStore, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts := h.RoomCounts()

		infoByID := make(map[string]*RoomInfo, len(counts))
		for id, users := range counts {
			infoByID[id] = &RoomInfo{ID: id, Users: users}
		}

		stored, err := store.ListRooms(r.Context())
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list rooms")
			http.Error(w, "Failed to list rooms", http.StatusInternalServerError)
			return
		}
		for _, room := range stored {
			info, ok := infoByID[room.ID]
			if !ok {
				info = &RoomInfo{ID: room.ID}
				infoByID[room.ID] = info
			}
			info.LastActive = room.LastActive
		}

		list := make([]RoomInfo, 0, len(infoByID))
		for _, info := range infoByID {
			list = append(list, *info)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Users != list[j].Users {
				return list[i].Users > list[j].Users
			}
			if list[i].LastActive != list[j].LastActive {
				return list[i].LastActive > list[j].LastActive
			}
			return list[i].ID < list[j].ID
		})

		render.JSON(w, r, list)
	}
}

// HandleJoin validates the room, records the joining user's presence and
// returns the full file and live-presence snapshot.
func HandleJoin(store core.Store, presence core.PresenceStore, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.CanonicalRoomID(chi.URLParam(r, "roomID"))

		var req JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode join request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		req.UserName = strings.TrimSpace(req.UserName)
		if req.UserName == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		exists, err := store.RoomExists(r.Context(), roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to look up room")
			http.Error(w, "Failed to join room", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		if err := presence.UpsertPresence(r.Context(), core.PresenceEntry{
			RoomID:      roomID,
			UserName:    req.UserName,
			UserColor:   req.UserColor,
			EditingFile: req.EditingFile,
		}); err != nil {
			logrus.WithField("error", err).Error("Failed to record presence")
			http.Error(w, "Failed to join room", http.StatusInternalServerError)
			return
		}

		snapshot, err := core.BuildSnapshot(r.Context(), store, presence, roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to build snapshot")
			http.Error(w, "Failed to join room", http.StatusInternalServerError)
			return
		}

		if err := store.TouchRoom(r.Context(), roomID); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "error": err}).Warn("Failed to touch room")
		}
		h.PublishPresence(r.Context(), presence, roomID)

		logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"user_name": req.UserName,
		}).Info("User joined room")
		render.JSON(w, r, snapshot)
	}
}

// HandleDelete wipes a room with all its files, tombstones and presence.
func HandleDelete(store core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.CanonicalRoomID(chi.URLParam(r, "roomID"))

		if err := store.DeleteRoom(r.Context(), roomID); err != nil {
			logrus.WithField("error", err).Error("Failed to delete room")
			http.Error(w, "Failed to delete room", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
