package redis

import (
	"codemonk-server/core"
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (core.PresenceStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewPresenceStoreFromClient(rdb), mr
}

func TestUpsertAndListLive(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	err := st.UpsertPresence(ctx, core.PresenceEntry{
		RoomID: "MONK-AB3X", UserName: "ann", UserColor: "#f00", EditingFile: "main.txt",
	})
	if err != nil {
		t.Fatalf("UpsertPresence: %v", err)
	}

	live, err := st.ListLivePresence(ctx, "MONK-AB3X")
	if err != nil {
		t.Fatalf("ListLivePresence: %v", err)
	}
	if len(live) != 1 || live[0].UserName != "ann" || live[0].EditingFile != "main.txt" {
		t.Fatalf("live = %+v, want ann editing main.txt", live)
	}
}

func TestSameNameOverwrites(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann", UserColor: "#f00"})
	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann", UserColor: "#0f0"})

	live, _ := st.ListLivePresence(ctx, "MONK-AB3X")
	if len(live) != 1 || live[0].UserColor != "#0f0" {
		t.Fatalf("live = %+v, want single overwritten entry", live)
	}
}

func TestTTLExpiry(t *testing.T) {
	st, mr := setupTestStore(t)
	ctx := context.Background()

	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann"})

	mr.FastForward(core.PresenceTTL + time.Second)

	live, err := st.ListLivePresence(ctx, "MONK-AB3X")
	if err != nil {
		t.Fatalf("ListLivePresence: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expired entry still live: %+v", live)
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	st, mr := setupTestStore(t)
	ctx := context.Background()

	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann"})
	mr.FastForward(core.PresenceTTL - time.Second)
	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann"})
	mr.FastForward(core.PresenceTTL - time.Second)

	live, _ := st.ListLivePresence(ctx, "MONK-AB3X")
	if len(live) != 1 {
		t.Fatalf("refreshed entry expired early: %+v", live)
	}
}

func TestRemovePresence(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann"})
	if err := st.RemovePresence(ctx, "MONK-AB3X", "ann"); err != nil {
		t.Fatalf("RemovePresence: %v", err)
	}
	live, _ := st.ListLivePresence(ctx, "MONK-AB3X")
	if len(live) != 0 {
		t.Fatalf("removed user still live: %+v", live)
	}
}

func TestRoomsIsolated(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-AB3X", UserName: "ann"})
	st.UpsertPresence(ctx, core.PresenceEntry{RoomID: "MONK-ZZZZ", UserName: "ben"})

	live, _ := st.ListLivePresence(ctx, "MONK-AB3X")
	if len(live) != 1 || live[0].UserName != "ann" {
		t.Fatalf("room isolation broken: %+v", live)
	}
}
