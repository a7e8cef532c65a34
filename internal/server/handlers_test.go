package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/oplog"
	"collabtext/server/internal/relay"
)

func setupTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ps := relay.NewPubSub()
	t.Cleanup(func() { _ = ps.Close() })
	rl := relay.NewMemoryRelay(ps, "operation-sync")
	hub := collab.NewHub(oplog.NewRedisLog(rdb), rl, collab.Options{DefaultLimit: 100})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-rl.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay not ready")
	}

	return New(DefaultConfig(), hub), mr
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func input(project, file, text string) map[string]any {
	return map[string]any{
		"type": "insert", "file": file, "line": 1, "column": 0,
		"text": text, "author": "rest", "projectId": project,
	}
}

func TestCreateOperation(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "hi"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[CreateOperationResponse](t, w)
	assert.Equal(t, "Operation created", created.Message)
	assert.Equal(t, int64(1), created.Operation.Version)
	assert.NotEmpty(t, created.Operation.ID)

	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ProjectOperationsResponse](t, w)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, int64(1), list.CurrentVersion)
	assert.Equal(t, 100, list.Limit)
}

func TestCreateOperation_Invalid(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/operations", map[string]any{"type": "insert", "file": "a.txt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeValidation, decode[ErrorResponse](t, w).Error.Code)

	w = do(t, srv, http.MethodPost, "/api/v1/operations", "{nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decode[ErrorResponse](t, w).Error.Code)

	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1", nil)
	assert.Equal(t, int64(0), decode[ProjectOperationsResponse](t, w).CurrentVersion)
}

func TestSyncProject(t *testing.T) {
	srv, _ := setupTestServer(t)
	for _, text := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", text)).Code)
	}

	w := do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/sync?since=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[collab.SyncResponse](t, w)
	assert.Equal(t, "P1", res.ProjectID)
	assert.Equal(t, int64(3), res.CurrentVersion)
	assert.True(t, res.Complete)
	require.Len(t, res.Operations, 2)
	assert.Equal(t, int64(2), res.Operations[0].Version)

	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/sync?since=0&limit=1", nil)
	res = decode[collab.SyncResponse](t, w)
	assert.False(t, res.Complete)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, int64(3), res.Operations[0].Version)

	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/sync?since=3", nil)
	res = decode[collab.SyncResponse](t, w)
	assert.Empty(t, res.Operations)
	assert.True(t, res.Complete)

	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/sync?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/sync?since=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/sync?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListFile_NestedPath(t *testing.T) {
	srv, _ := setupTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "src/main.go", "x"))
	do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "README", "y"))

	w := do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/file/src/main.go", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ProjectOperationsResponse](t, w)
	assert.Equal(t, "src/main.go", list.File)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "x", list.Operations[0].Text)
	assert.Equal(t, int64(2), list.CurrentVersion)
}

func TestClearProject_KeepsVersion(t *testing.T) {
	srv, _ := setupTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "x"))
	do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "y"))

	w := do(t, srv, http.MethodDelete, "/api/v1/operations/project/P1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	list := decode[ProjectOperationsResponse](t, do(t, srv, http.MethodGet, "/api/v1/operations/project/P1", nil))
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Operations)
	assert.Equal(t, int64(2), list.CurrentVersion)

	created := decode[CreateOperationResponse](t, do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "z")))
	assert.Equal(t, int64(3), created.Operation.Version)
}

func TestExportFeed(t *testing.T) {
	srv, _ := setupTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "x"))
	do(t, srv, http.MethodPost, "/api/v1/operations", input("P2", "b.txt", "y"))

	feed := decode[map[string]any](t, do(t, srv, http.MethodGet, "/api/v1/operations?limit=10", nil))
	assert.EqualValues(t, 2, feed["count"])
	assert.EqualValues(t, 10, feed["limit"])

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/api/v1/operations", nil).Code)
	feed = decode[map[string]any](t, do(t, srv, http.MethodGet, "/api/v1/operations", nil))
	assert.EqualValues(t, 0, feed["count"])

	// Project logs survive a feed flush.
	list := decode[ProjectOperationsResponse](t, do(t, srv, http.MethodGet, "/api/v1/operations/project/P2", nil))
	assert.Equal(t, 1, list.Count)
}

func TestSnapshots(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/snapshot/a.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, w).Error.Code)

	do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "x"))
	w = do(t, srv, http.MethodPost, "/api/v1/operations/project/P1/snapshot/a.txt", SaveSnapshotRequest{Content: "x\n"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snap := decode[oplog.Snapshot](t, w)
	assert.Equal(t, int64(1), snap.Version)

	w = do(t, srv, http.MethodGet, "/api/v1/operations/project/P1/snapshot/a.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap = decode[oplog.Snapshot](t, w)
	assert.Equal(t, "x\n", snap.Content)
	assert.Equal(t, "a.txt", snap.File)
}

func TestHealth(t *testing.T) {
	srv, mr := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.RelayDegraded)
	assert.NotEmpty(t, h.Instance)

	mr.Close()
	w = do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, w).Status)
}

func TestStorageUnavailable(t *testing.T) {
	srv, mr := setupTestServer(t)
	mr.Close()

	w := do(t, srv, http.MethodPost, "/api/v1/operations", input("P1", "a.txt", "x"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrCodeStorageUnavailable, decode[ErrorResponse](t, w).Error.Code)
}

func TestRoutingAndCORS(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, w).Error.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/operations", nil)
	req.Header.Set("Origin", "http://editor.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
