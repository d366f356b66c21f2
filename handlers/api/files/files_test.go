package files

import (
	"bytes"
	"codemonk-server/core"
	"codemonk-server/hub"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Mock file store for testing
type mockStore struct {
	files map[string]map[string]string

	listErr   error
	upsertErr error
	deleteErr error
	renameErr error

	touched []string
}

func newMockStore() *mockStore {
	return &mockStore{files: map[string]map[string]string{
		"MONK-AB23": {},
	}}
}

func (m *mockStore) CreateRoom(ctx context.Context, id string) (*core.Room, error) {
	m.files[id] = make(map[string]string)
	return &core.Room{ID: id}, nil
}

func (m *mockStore) RoomExists(ctx context.Context, id string) (bool, error) {
	_, exists := m.files[id]
	return exists, nil
}

func (m *mockStore) ListRooms(ctx context.Context) ([]core.Room, error) { return nil, nil }

func (m *mockStore) TouchRoom(ctx context.Context, id string) error {
	m.touched = append(m.touched, id)
	return nil
}

func (m *mockStore) DeleteRoom(ctx context.Context, id string) error {
	delete(m.files, id)
	return nil
}

func (m *mockStore) ListFiles(ctx context.Context, roomID string) (map[string]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	files, exists := m.files[roomID]
	if !exists {
		return nil, core.ErrRoomNotFound
	}
	return files, nil
}

func (m *mockStore) ListChangedSince(ctx context.Context, roomID string, since int64) ([]core.File, error) {
	return nil, nil
}

func (m *mockStore) ListDeletedSince(ctx context.Context, roomID string, since int64) ([]string, error) {
	return nil, nil
}

func (m *mockStore) UpsertFile(ctx context.Context, roomID, filename, content string) (*core.File, bool, error) {
	if m.upsertErr != nil {
		return nil, false, m.upsertErr
	}
	files, exists := m.files[roomID]
	if !exists {
		return nil, false, core.ErrRoomNotFound
	}
	_, existed := files[filename]
	files[filename] = content
	return &core.File{RoomID: roomID, Filename: filename, Content: content}, !existed, nil
}

func (m *mockStore) DeleteFile(ctx context.Context, roomID, filename string) (bool, error) {
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	files, exists := m.files[roomID]
	if !exists {
		return false, core.ErrRoomNotFound
	}
	_, existed := files[filename]
	delete(files, filename)
	return existed, nil
}

func (m *mockStore) RenameFile(ctx context.Context, roomID, oldName, newName string) (bool, error) {
	if m.renameErr != nil {
		return false, m.renameErr
	}
	files, exists := m.files[roomID]
	if !exists {
		return false, core.ErrRoomNotFound
	}
	content, existed := files[oldName]
	if !existed {
		return false, nil
	}
	if _, taken := files[newName]; taken {
		return false, core.ErrFileExists
	}
	delete(files, oldName)
	files[newName] = content
	return true, nil
}

func (m *mockStore) UpsertPresence(ctx context.Context, entry core.PresenceEntry) error { return nil }

func (m *mockStore) ListLivePresence(ctx context.Context, roomID string) ([]core.PresenceEntry, error) {
	return nil, nil
}

func (m *mockStore) RemovePresence(ctx context.Context, roomID, userName string) error { return nil }

func fileRequest(method, target, roomID, filename string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("roomID", roomID)
	if filename != "" {
		rctx.URLParams.Add("filename", filename)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleList_Success(t *testing.T) {
	store := newMockStore()
	store.files["MONK-AB23"]["main.go"] = "package main"
	handler := HandleList(store)

	req := fileRequest(http.MethodGet, "/api/rooms/MONK-AB23/files", "MONK-AB23", "", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var files map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if files["main.go"] != "package main" {
		t.Errorf("File listing mismatch: %+v", files)
	}
}

func TestHandleList_RoomNotFound(t *testing.T) {
	store := newMockStore()
	handler := HandleList(store)

	req := fileRequest(http.MethodGet, "/api/rooms/MONK-ZZZZ/files", "MONK-ZZZZ", "", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleUpsert_CreateBroadcastsCreate(t *testing.T) {
	store := newMockStore()
	h := hub.New()
	sub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(sub)
	<-sub.Events() // drain init

	handler := HandleUpsert(store, h)
	body, _ := json.Marshal(UpsertRequest{Content: "package main", UserName: "ann"})
	req := fileRequest(http.MethodPut, "/api/rooms/MONK-AB23/files/main.go", "MONK-AB23", "main.go", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if store.files["MONK-AB23"]["main.go"] != "package main" {
		t.Error("File content was not saved")
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != hub.EventFileCreate {
			t.Errorf("Event type mismatch: got %s, want %s", ev.Type, hub.EventFileCreate)
		}
		payload, ok := ev.Payload.(FileEvent)
		if !ok {
			t.Fatalf("Unexpected payload type %T", ev.Payload)
		}
		if payload.Filename != "main.go" || payload.Content != "package main" {
			t.Errorf("Payload mismatch: %+v", payload)
		}
	default:
		t.Error("Expected a file:create broadcast")
	}
}

func TestHandleUpsert_OverwriteBroadcastsUpdate(t *testing.T) {
	store := newMockStore()
	store.files["MONK-AB23"]["main.go"] = "old"
	h := hub.New()
	sub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(sub)
	<-sub.Events()

	handler := HandleUpsert(store, h)
	body, _ := json.Marshal(UpsertRequest{Content: "new", UserName: "ann"})
	req := fileRequest(http.MethodPut, "/api/rooms/MONK-AB23/files/main.go", "MONK-AB23", "main.go", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != hub.EventFileUpdate {
			t.Errorf("Event type mismatch: got %s, want %s", ev.Type, hub.EventFileUpdate)
		}
	default:
		t.Error("Expected a file:update broadcast")
	}
}

func TestHandleUpsert_ExcludesWriter(t *testing.T) {
	store := newMockStore()
	h := hub.New()
	annSub := h.Subscribe("MONK-AB23", "ann", nil)
	benSub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(annSub)
	defer h.Unsubscribe(benSub)
	<-annSub.Events()
	<-benSub.Events()

	handler := HandleUpsert(store, h)
	body, _ := json.Marshal(UpsertRequest{Content: "x", UserName: "ann"})
	req := fileRequest(http.MethodPut, "/api/rooms/MONK-AB23/files/a.txt", "MONK-AB23", "a.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	select {
	case ev := <-annSub.Events():
		t.Errorf("Writer received its own %s event", ev.Type)
	default:
	}
	select {
	case <-benSub.Events():
	default:
		t.Error("Other subscriber did not receive the event")
	}
}

func TestHandleUpsert_MissingUserName(t *testing.T) {
	store := newMockStore()
	handler := HandleUpsert(store, hub.New())

	body, _ := json.Marshal(UpsertRequest{Content: "x"})
	req := fileRequest(http.MethodPut, "/api/rooms/MONK-AB23/files/a.txt", "MONK-AB23", "a.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleUpsert_InvalidJSON(t *testing.T) {
	store := newMockStore()
	handler := HandleUpsert(store, hub.New())

	req := httptest.NewRequest(http.MethodPut, "/api/rooms/MONK-AB23/files/a.txt", strings.NewReader("invalid json"))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("roomID", "MONK-AB23")
	rctx.URLParams.Add("filename", "a.txt")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleUpsert_RoomNotFound(t *testing.T) {
	store := newMockStore()
	handler := HandleUpsert(store, hub.New())

	body, _ := json.Marshal(UpsertRequest{Content: "x", UserName: "ann"})
	req := fileRequest(http.MethodPut, "/api/rooms/MONK-ZZZZ/files/a.txt", "MONK-ZZZZ", "a.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleUpsert_StoreError(t *testing.T) {
	store := newMockStore()
	store.upsertErr = fmt.Errorf("database error")
	handler := HandleUpsert(store, hub.New())

	body, _ := json.Marshal(UpsertRequest{Content: "x", UserName: "ann"})
	req := fileRequest(http.MethodPut, "/api/rooms/MONK-AB23/files/a.txt", "MONK-AB23", "a.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandleDelete_RemovesAndBroadcasts(t *testing.T) {
	store := newMockStore()
	store.files["MONK-AB23"]["a.txt"] = "x"
	h := hub.New()
	sub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(sub)
	<-sub.Events()

	handler := HandleDelete(store, h)
	req := fileRequest(http.MethodDelete, "/api/rooms/MONK-AB23/files/a.txt?user=ann", "MONK-AB23", "a.txt", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	if _, exists := store.files["MONK-AB23"]["a.txt"]; exists {
		t.Error("File was not deleted")
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != hub.EventFileDelete {
			t.Errorf("Event type mismatch: got %s, want %s", ev.Type, hub.EventFileDelete)
		}
	default:
		t.Error("Expected a file:delete broadcast")
	}
}

func TestHandleDelete_MissingFileIsQuiet(t *testing.T) {
	store := newMockStore()
	h := hub.New()
	sub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(sub)
	<-sub.Events()

	handler := HandleDelete(store, h)
	req := fileRequest(http.MethodDelete, "/api/rooms/MONK-AB23/files/ghost.txt?user=ann", "MONK-AB23", "ghost.txt", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Deleting a missing file should succeed: got %d", rec.Code)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("Unexpected %s broadcast for a no-op delete", ev.Type)
	default:
	}
}

func TestHandleDelete_MissingUser(t *testing.T) {
	store := newMockStore()
	handler := HandleDelete(store, hub.New())

	req := fileRequest(http.MethodDelete, "/api/rooms/MONK-AB23/files/a.txt", "MONK-AB23", "a.txt", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleRename_Success(t *testing.T) {
	store := newMockStore()
	store.files["MONK-AB23"]["old.txt"] = "content"
	h := hub.New()
	sub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(sub)
	<-sub.Events()

	handler := HandleRename(store, h)
	body, _ := json.Marshal(RenameRequest{NewName: "new.txt", UserName: "ann"})
	req := fileRequest(http.MethodPost, "/api/rooms/MONK-AB23/files/old.txt/rename", "MONK-AB23", "old.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	if store.files["MONK-AB23"]["new.txt"] != "content" {
		t.Error("Content did not follow the rename")
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != hub.EventFileRename {
			t.Errorf("Event type mismatch: got %s, want %s", ev.Type, hub.EventFileRename)
		}
		payload := ev.Payload.(FileEvent)
		if payload.Filename != "new.txt" || payload.OldName != "old.txt" {
			t.Errorf("Payload mismatch: %+v", payload)
		}
	default:
		t.Error("Expected a file:rename broadcast")
	}
}

func TestHandleRename_Collision(t *testing.T) {
	store := newMockStore()
	store.files["MONK-AB23"]["old.txt"] = "a"
	store.files["MONK-AB23"]["taken.txt"] = "b"
	handler := HandleRename(store, hub.New())

	body, _ := json.Marshal(RenameRequest{NewName: "taken.txt", UserName: "ann"})
	req := fileRequest(http.MethodPost, "/api/rooms/MONK-AB23/files/old.txt/rename", "MONK-AB23", "old.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusConflict)
	}
	if store.files["MONK-AB23"]["taken.txt"] != "b" {
		t.Error("Existing file was clobbered by a rejected rename")
	}
}

func TestHandleRename_MissingFileIsQuiet(t *testing.T) {
	store := newMockStore()
	h := hub.New()
	sub := h.Subscribe("MONK-AB23", "ben", nil)
	defer h.Unsubscribe(sub)
	<-sub.Events()

	handler := HandleRename(store, h)
	body, _ := json.Marshal(RenameRequest{NewName: "new.txt", UserName: "ann"})
	req := fileRequest(http.MethodPost, "/api/rooms/MONK-AB23/files/ghost.txt/rename", "MONK-AB23", "ghost.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Renaming a missing file should succeed: got %d", rec.Code)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("Unexpected %s broadcast for a no-op rename", ev.Type)
	default:
	}
}

func TestHandleRename_MissingNewName(t *testing.T) {
	store := newMockStore()
	handler := HandleRename(store, hub.New())

	body, _ := json.Marshal(RenameRequest{UserName: "ann"})
	req := fileRequest(http.MethodPost, "/api/rooms/MONK-AB23/files/old.txt/rename", "MONK-AB23", "old.txt", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
