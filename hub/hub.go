// Package hub fans change events out to the push subscribers of each room.
// Delivery is best-effort, at-most-once: a full or closed subscriber channel
// drops the event, nothing is retried.
package hub

import (
	"codemonk-server/core"
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventInit       EventType = "init"
	EventFileUpdate EventType = "file:update"
	EventFileCreate EventType = "file:create"
	EventFileDelete EventType = "file:delete"
	EventFileRename EventType = "file:rename"
	EventPresence   EventType = "presence"
)

// Event is one unit of fan-out. Keep-alives are a transport concern and
// never appear here.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// subscriberBuffer bounds how far a slow receiver may lag before events are
// dropped for it.
const subscriberBuffer = 64

// Subscriber is one open push connection. It lives only as long as the
// connection; nothing about it is persisted.
type Subscriber struct {
	ID       string
	RoomID   string
	UserName string
	ch       chan Event
}

// Events is the subscriber's delivery channel. The first event received is
// always the init snapshot.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Hub tracks the subscriber set of every room. Its lock covers only the
// subscriber maps, never store state, so a slow connection cannot stall
// unrelated writes.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}
}

func New() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a new push connection and queues the full-state
// snapshot as its first event, so the receiver has a consistent starting
// point before any incremental arrives.
func (h *Hub) Subscribe(roomID, userName string, snapshot any) *Subscriber {
	sub := &Subscriber{
		ID:       ulid.Make().String(),
		RoomID:   roomID,
		UserName: userName,
		ch:       make(chan Event, subscriberBuffer),
	}
	sub.ch <- Event{Type: EventInit, Payload: snapshot}

	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[roomID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"subscriber_id": sub.ID,
		"room_id":       roomID,
		"user_name":     userName,
	}).Debug("Subscriber registered")
	return sub
}

// Unsubscribe deregisters the connection. Events published afterwards are
// never delivered to it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if room, ok := h.rooms[sub.RoomID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.RoomID)
		}
	}
	h.mu.Unlock()

	logrus.WithField("subscriber_id", sub.ID).Debug("Subscriber removed")
}

// Publish delivers event to every subscriber of roomID except those
// registered under excludeUser (empty string excludes nobody). Presence
// broadcasts pass an empty excludeUser so the originator sees its own entry
// confirmed.
func (h *Hub) Publish(roomID string, event Event, excludeUser string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[roomID] {
		if excludeUser != "" && sub.UserName == excludeUser {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			logrus.WithFields(logrus.Fields{
				"subscriber_id": sub.ID,
				"room_id":       roomID,
				"event_type":    event.Type,
			}).Warn("Subscriber lagging, event dropped")
		}
	}
}

// PublishPresence broadcasts the room's full live-presence list to every
// subscriber, including the originator, which needs confirmation that its
// own entry was recorded.
func (h *Hub) PublishPresence(ctx context.Context, presence core.PresenceStore, roomID string) {
	live, err := presence.ListLivePresence(ctx, roomID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"error":   err,
		}).Warn("Failed to read live presence for broadcast")
		return
	}
	if live == nil {
		live = []core.PresenceEntry{}
	}
	h.Publish(roomID, Event{Type: EventPresence, Payload: live}, "")
}

// RoomCounts reports the number of live subscribers per room.
func (h *Hub) RoomCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[string]int, len(h.rooms))
	for id, subs := range h.rooms {
		counts[id] = len(subs)
	}
	return counts
}
