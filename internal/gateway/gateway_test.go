package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authMgr := auth.NewManager(st, []byte("test-secret"), time.Hour)
	b := board.New(st, eventBus, logger, nil, 20)

	srv := New(Config{
		Board:             b,
		Auth:              authMgr,
		Bus:               eventBus,
		Store:             st,
		Logger:            logger,
		ConfigFingerprint: "deadbeefcafef00d",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	} else if len(raw) > 0 {
		fields["_array"] = raw
	}
	return resp, fields
}

func registerVia(t *testing.T, ts *httptest.Server, username string) (token, userID string) {
	t.Helper()
	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/register", "", registerRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	var session sessionResponse
	if err := json.Unmarshal(fields["token"], &session.Token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if err := json.Unmarshal(fields["user"], &session.User); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	return session.Token, session.User.ID
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, fields := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(fields["config_fingerprint"]) != `"deadbeefcafef00d"` {
		t.Fatalf("fingerprint = %s", fields["config_fingerprint"])
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	token, _ := registerVia(t, ts, "alice")
	if token == "" {
		t.Fatal("expected a token from register")
	}

	// Duplicate registration is a 400.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/register", "", registerRequest{
		Username: "alice", Email: "alice@example.com", Password: "pw",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate register: status = %d", resp.StatusCode)
	}

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/login", "", loginRequest{
		Email: "alice@example.com", Password: "hunter2",
	})
	if resp.StatusCode != http.StatusOK || fields["token"] == nil {
		t.Fatalf("login: status = %d, fields = %v", resp.StatusCode, fields)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/login", "", loginRequest{
		Email: "alice@example.com", Password: "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: status = %d", resp.StatusCode)
	}
}

func TestMutationRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodGet, "/api/users"},
		{http.MethodGet, "/api/actions"},
		{http.MethodPut, "/api/tasks/abc"},
		{http.MethodDelete, "/api/tasks/abc"},
		{http.MethodPost, "/api/tasks/abc/smart-assign"},
	} {
		resp, _ := doJSON(t, route.method, ts.URL+route.path, "", map[string]string{})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", route.method, route.path, resp.StatusCode)
		}
	}
}

func TestTaskCRUD(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerVia(t, ts, "alice")

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", token, createTaskRequest{
		Title:       "Ship the release",
		Description: "cut and tag",
		Priority:    store.PriorityHigh,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %v", resp.StatusCode, fields)
	}
	var created store.TaskView
	full, _ := json.Marshal(fields)
	if err := json.Unmarshal(full, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Version != 1 || created.CreatedBy.ID != userID {
		t.Fatalf("created = %+v", created)
	}

	// Reserved title rejected.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/tasks", token, createTaskRequest{Title: "todo"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reserved title: status = %d", resp.StatusCode)
	}

	// Fetch by id.
	resp, fields = doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+created.ID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d", resp.StatusCode)
	}

	// Stale update conflicts with the current record in the body.
	resp, fields = doJSON(t, http.MethodPut, ts.URL+"/api/tasks/"+created.ID, token,
		map[string]any{"description": "first edit", "version": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d", resp.StatusCode)
	}
	resp, fields = doJSON(t, http.MethodPut, ts.URL+"/api/tasks/"+created.ID, token,
		map[string]any{"description": "stale edit", "version": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update: status = %d", resp.StatusCode)
	}
	if string(fields["conflict"]) != "true" {
		t.Fatalf("conflict flag missing: %v", fields)
	}
	var current store.TaskView
	if err := json.Unmarshal(fields["current_task"], &current); err != nil {
		t.Fatalf("decode current_task: %v", err)
	}
	if current.Version != 2 || current.Description != "first edit" {
		t.Fatalf("current_task = %+v", current)
	}

	// Explicit null clears the assignee.
	resp, fields = doJSON(t, http.MethodPut, ts.URL+"/api/tasks/"+created.ID, token,
		map[string]any{"assigned_to": userID, "version": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: status = %d", resp.StatusCode)
	}
	resp, fields = doJSON(t, http.MethodPut, ts.URL+"/api/tasks/"+created.ID, token,
		map[string]any{"assigned_to": nil, "version": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear assignee: status = %d", resp.StatusCode)
	}
	if string(fields["assigned_to"]) != "null" {
		t.Fatalf("assigned_to = %s, want null", fields["assigned_to"])
	}

	// Delete, then 404.
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/tasks/"+created.ID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+created.ID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: status = %d", resp.StatusCode)
	}

	// The action feed survives the deletion.
	resp, fields = doJSON(t, http.MethodGet, ts.URL+"/api/actions", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("actions: status = %d", resp.StatusCode)
	}
	var actions []store.ActionView
	if err := json.Unmarshal(fields["_array"], &actions); err != nil {
		t.Fatalf("decode actions: %v", err)
	}
	if len(actions) == 0 || actions[0].Action != store.ActionDeleted {
		t.Fatalf("actions = %+v, want DELETED first", actions)
	}
}

func TestSmartAssignRoute(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerVia(t, ts, "alice")

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", token, createTaskRequest{Title: "orphan"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	var created store.TaskView
	full, _ := json.Marshal(fields)
	if err := json.Unmarshal(full, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, fields = doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+created.ID+"/smart-assign", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("smart-assign: status = %d", resp.StatusCode)
	}
	var assigned store.TaskView
	full, _ = json.Marshal(fields)
	if err := json.Unmarshal(full, &assigned); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if assigned.AssignedTo == nil || assigned.AssignedTo.ID != userID {
		t.Fatalf("assigned = %+v, want sole user", assigned.AssignedTo)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/tasks/missing/smart-assign", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: status = %d", resp.StatusCode)
	}
}

func TestListUsers(t *testing.T) {
	ts := newTestServer(t)
	token, _ := registerVia(t, ts, "alice")
	registerVia(t, ts, "bob")

	resp, fields := doJSON(t, http.MethodGet, ts.URL+"/api/users", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("users: status = %d", resp.StatusCode)
	}
	var users []store.UserRef
	if err := json.Unmarshal(fields["_array"], &users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("users = %+v", users)
	}
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t)
	token, _ := registerVia(t, ts, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", token, createTaskRequest{Title: "streamed"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	var created store.TaskView
	full, _ := json.Marshal(fields)
	if err := json.Unmarshal(full, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// The originating client receives its own event; no self-suppression.
	var frame struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if frame.Event != bus.TopicTaskCreated {
		t.Fatalf("event = %q, want %q", frame.Event, bus.TopicTaskCreated)
	}
	var payload store.TaskView
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != created.ID || payload.Version != 1 {
		t.Fatalf("payload = %+v", payload)
	}

	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("ws read action: %v", err)
	}
	if frame.Event != bus.TopicActionLogged {
		t.Fatalf("event = %q, want %q", frame.Event, bus.TopicActionLogged)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil); err == nil {
		t.Fatal("expected handshake failure without token")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	ts := newTestServer(t)
	token, _ := registerVia(t, ts, "alice")

	big := bytes.Repeat([]byte("a"), 2<<20)
	body, _ := json.Marshal(map[string]string{"title": "big", "description": string(big)})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body: status = %d, want 400", resp.StatusCode)
	}
}
