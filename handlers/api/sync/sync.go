// Package sync implements the pull transport: clients repeatedly ask what
// changed after a server-issued time cursor.
package sync

import (
	"codemonk-server/core"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// PollResponse carries one delta. ServerTime is the cursor for the next
// call, so client clocks never enter the comparison. Deletions are
// surfaced through tombstoned filenames; a poller cannot otherwise tell
// "deleted" from "unchanged".
type PollResponse struct {
	ChangedFiles []core.File          `json:"changedFiles"`
	DeletedFiles []string             `json:"deletedFiles"`
	Presence     []core.PresenceEntry `json:"presence"`
	ServerTime   int64                `json:"serverTime"`
}

// HandlePoll answers a delta query. Each call is a fresh read; there is no
// per-client state on the server and no exclude-sender filtering, so a
// writer sees its own last edit in its next poll.
func HandlePoll(files core.FileStore, presence core.PresenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.CanonicalRoomID(chi.URLParam(r, "roomID"))

		since := int64(0)
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "Invalid since cursor", http.StatusBadRequest)
				return
			}
			since = parsed
		}

		// Capture the cursor before reading, so a write landing mid-query is
		// seen again next poll instead of slipping between two cursors.
		serverTime := time.Now().UnixMilli()

		changed, err := files.ListChangedSince(r.Context(), roomID, since)
		if err != nil {
			writePollError(w, err)
			return
		}
		deleted, err := files.ListDeletedSince(r.Context(), roomID, since)
		if err != nil {
			writePollError(w, err)
			return
		}
		live, err := presence.ListLivePresence(r.Context(), roomID)
		if err != nil {
			writePollError(w, err)
			return
		}

		if changed == nil {
			changed = []core.File{}
		}
		if deleted == nil {
			deleted = []string{}
		}
		if live == nil {
			live = []core.PresenceEntry{}
		}

		render.JSON(w, r, PollResponse{
			ChangedFiles: changed,
			DeletedFiles: deleted,
			Presence:     live,
			ServerTime:   serverTime,
		})
	}
}

func writePollError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrRoomNotFound) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	logrus.WithField("error", err).Error("Failed to poll room")
	http.Error(w, "Failed to poll room", http.StatusInternalServerError)
}
