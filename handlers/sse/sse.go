// Package sse implements the server-push stream transport. Each open
// request holds one hub subscription; events are written as they arrive,
// interleaved with comment-only keep-alives that receivers must ignore.
package sse

import (
	"codemonk-server/core"
	"codemonk-server/hub"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// KeepAliveInterval paces the comment frames that keep intermediaries from
// idle-closing the stream. They carry no payload.
const KeepAliveInterval = 15 * time.Second

// HandleStream opens an event stream for one user in one room: an init
// snapshot first, then incremental events until the client disconnects.
// On disconnect the user's presence is removed and the room is told.
func HandleStream(store core.Store, presence core.PresenceStore, h *hub.Hub) http.HandlerFunc {
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
			http.Error(w, "Failed to open stream", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		log := logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"user_name": userName,
		})

		if err := presence.UpsertPresence(r.Context(), core.PresenceEntry{
			RoomID:    roomID,
			UserName:  userName,
			UserColor: userColor,
		}); err != nil {
			log.WithField("error", err).Error("Failed to record presence")
			http.Error(w, "Failed to open stream", http.StatusInternalServerError)
			return
		}

		snapshot, err := core.BuildSnapshot(r.Context(), store, presence, roomID)
		if err != nil {
			log.WithField("error", err).Error("Failed to build snapshot")
			http.Error(w, "Failed to open stream", http.StatusInternalServerError)
			return
		}

		sub := h.Subscribe(roomID, userName, snapshot)
		defer func() {
			h.Unsubscribe(sub)
			// The request context is gone once the client disconnects.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := presence.RemovePresence(cleanupCtx, roomID, userName); err != nil {
				log.WithField("error", err).Warn("Failed to remove presence on disconnect")
			}
			h.PublishPresence(cleanupCtx, presence, roomID)
			log.Info("Stream closed")
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		h.PublishPresence(r.Context(), presence, roomID)
		log.Info("Stream opened")

		keepAlive := time.NewTicker(KeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-sub.Events():
				if err := writeEvent(w, ev); err != nil {
					// Best effort: a dead connection just ends the stream.
					return
				}
				flusher.Flush()
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev hub.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
