// Package websocket implements the persistent push channel transport. The
// server delivers hub events to the client and applies the client's edit
// frames to the store before fanning them out.
package websocket

import (
	"codemonk-server/core"
	"codemonk-server/hub"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// pingPeriod paces keep-alive pings; control frames, never data events.
	pingPeriod = 15 * time.Second

	// pongWait is how long a silent peer is tolerated before the read loop
	// gives up.
	pongWait = 40 * time.Second

	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type (
	fileFrame struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
		OldName  string `json:"oldName"`
		NewName  string `json:"newName"`
	}

	presenceFrame struct {
		UserColor   string `json:"userColor"`
		EditingFile string `json:"editingFile"`
	}
)

// HandleCollab upgrades the connection and runs the session: init snapshot
// first, then incremental events out and client edit frames in, until either
// side closes.
func HandleCollab(store core.Store, presence core.PresenceStore, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.CanonicalRoomID(chi.URLParam(r, "roomID"))
		userName := strings.TrimSpace(r.URL.Query().Get("user"))
		userColor := r.URL.Query().Get("color")
		if userName == "" {
			http.Error(w, "User name is required", http.StatusBadRequest)
			return
		}

		exists, err := store.RoomExists(r.Context(), roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to look up room")
			http.Error(w, "Failed to open connection", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		log := logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"user_name": userName,
		})

		ctx := context.Background()
		if err := presence.UpsertPresence(ctx, core.PresenceEntry{
			RoomID:    roomID,
			UserName:  userName,
			UserColor: userColor,
		}); err != nil {
			log.WithField("error", err).Error("Failed to record presence")
			return
		}

		snapshot, err := core.BuildSnapshot(ctx, store, presence, roomID)
		if err != nil {
			log.WithField("error", err).Error("Failed to build snapshot")
			return
		}

		sub := h.Subscribe(roomID, userName, snapshot)
		done := make(chan struct{})
		go writePump(conn, sub, done, log)

		defer func() {
			close(done)
			h.Unsubscribe(sub)
			if err := presence.RemovePresence(ctx, roomID, userName); err != nil {
				log.WithField("error", err).Warn("Failed to remove presence on disconnect")
			}
			h.PublishPresence(ctx, presence, roomID)
			log.Info("Connection closed")
		}()

		h.PublishPresence(ctx, presence, roomID)
		log.Info("Connection opened")

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		for {
			var frame hub.Event
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			handleFrame(ctx, store, presence, h, roomID, userName, frame, log)
		}
	}
}

// writePump owns all writes on the connection: hub events and keep-alive
// pings. Write failures end the session; nothing is retried.
func writePump(conn *websocket.Conn, sub *hub.Subscriber, done <-chan struct{}, log *logrus.Entry) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithField("error", err).Debug("Write failed, dropping connection")
				conn.Close()
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func handleFrame(ctx context.Context, store core.Store, presence core.PresenceStore, h *hub.Hub, roomID, userName string, frame hub.Event, log *logrus.Entry) {
	switch frame.Type {
	case hub.EventFileUpdate, hub.EventFileCreate:
		var f fileFrame
		if err := decodePayload(frame.Payload, &f); err != nil || f.Filename == "" {
			log.Warn("Ignoring malformed file frame")
			return
		}
		file, created, err := store.UpsertFile(ctx, roomID, f.Filename, f.Content)
		if err != nil {
			log.WithField("error", err).Error("Failed to save file")
			return
		}
		touch(ctx, store, roomID, log)
		eventType := hub.EventFileUpdate
		if created {
			eventType = hub.EventFileCreate
		}
		h.Publish(roomID, hub.Event{Type: eventType, Payload: map[string]string{
			"filename": file.Filename,
			"content":  file.Content,
		}}, userName)

	case hub.EventFileDelete:
		var f fileFrame
		if err := decodePayload(frame.Payload, &f); err != nil || f.Filename == "" {
			log.Warn("Ignoring malformed delete frame")
			return
		}
		removed, err := store.DeleteFile(ctx, roomID, f.Filename)
		if err != nil {
			log.WithField("error", err).Error("Failed to delete file")
			return
		}
		if removed {
			touch(ctx, store, roomID, log)
			h.Publish(roomID, hub.Event{Type: hub.EventFileDelete, Payload: map[string]string{
				"filename": f.Filename,
			}}, userName)
		}

	case hub.EventFileRename:
		var f fileFrame
		if err := decodePayload(frame.Payload, &f); err != nil || f.OldName == "" || f.NewName == "" {
			log.Warn("Ignoring malformed rename frame")
			return
		}
		renamed, err := store.RenameFile(ctx, roomID, f.OldName, f.NewName)
		if errors.Is(err, core.ErrFileExists) {
			log.WithField("new_name", f.NewName).Warn("Rename collision ignored")
			return
		}
		if err != nil {
			log.WithField("error", err).Error("Failed to rename file")
			return
		}
		if renamed {
			touch(ctx, store, roomID, log)
			h.Publish(roomID, hub.Event{Type: hub.EventFileRename, Payload: map[string]string{
				"filename": f.NewName,
				"oldName":  f.OldName,
			}}, userName)
		}

	case hub.EventPresence:
		var p presenceFrame
		if err := decodePayload(frame.Payload, &p); err != nil {
			log.Warn("Ignoring malformed presence frame")
			return
		}
		if err := presence.UpsertPresence(ctx, core.PresenceEntry{
			RoomID:      roomID,
			UserName:    userName,
			UserColor:   p.UserColor,
			EditingFile: p.EditingFile,
		}); err != nil {
			log.WithField("error", err).Error("Failed to refresh presence")
			return
		}
		h.PublishPresence(ctx, presence, roomID)

	default:
		log.WithField("frame_type", frame.Type).Warn("Ignoring unknown frame")
	}
}

func touch(ctx context.Context, store core.RoomStore, roomID string, log *logrus.Entry) {
	if err := store.TouchRoom(ctx, roomID); err != nil {
		log.WithField("error", err).Warn("Failed to touch room")
	}
}

func decodePayload(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
