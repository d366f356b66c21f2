// Package redis provides a PresenceStore backed by redis key TTLs. Liveness
// expiry is enforced by redis itself: every entry is written with
// core.PresenceTTL, so expired users simply vanish from reads.
package redis

import (
	"codemonk-server/core"
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type presenceStore struct {
	rdb *redis.Client
}

// NewPresenceStore connects to redis at addr and returns the presence
// backend. File and room state stay in the primary store; only presence,
// which is inherently ephemeral, moves here.
func NewPresenceStore(addr string) core.PresenceStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	logrus.WithField("addr", addr).Info("Using redis presence store")
	return &presenceStore{rdb: rdb}
}

// NewPresenceStoreFromClient wraps an existing client (used in tests).
func NewPresenceStoreFromClient(rdb *redis.Client) core.PresenceStore {
	return &presenceStore{rdb: rdb}
}

func presenceKey(roomID, userName string) string {
	return "presence:" + roomID + ":" + userName
}

func (s *presenceStore) UpsertPresence(ctx context.Context, entry core.PresenceEntry) error {
	entry.LastSeen = time.Now().UnixMilli()
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, presenceKey(entry.RoomID, entry.UserName), payload, core.PresenceTTL).Err()
}

func (s *presenceStore) ListLivePresence(ctx context.Context, roomID string) ([]core.PresenceEntry, error) {
	var (
		cursor uint64
		keys   []string
	)
	pattern := presenceKey(roomID, "*")
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var live []core.PresenceEntry
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var entry core.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			logrus.WithField("error", err).Warn("Skipping malformed presence entry")
			continue
		}
		entry.RoomID = roomID
		live = append(live, entry)
	}
	return live, nil
}

func (s *presenceStore) RemovePresence(ctx context.Context, roomID, userName string) error {
	return s.rdb.Del(ctx, presenceKey(roomID, userName)).Err()
}
