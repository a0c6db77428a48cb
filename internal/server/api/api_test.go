package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/auth"
	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/secrets"
	"github.com/canonical/testflinger/internal/server/storage"
	"github.com/canonical/testflinger/internal/types"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// testServer wraps a fully wired router over in-memory stores, plus direct
// repository handles for seeding and asserting on state.
type testServer struct {
	*httptest.Server

	jobs    repositories.JobRepository
	frags   repositories.FragmentRepository
	agents  repositories.AgentRepository
	queues  repositories.QueueRepository
	perms   repositories.PermissionRepository
	objects *storage.ObjectStore
}

// newTestServer builds a server with a database-backed secrets store.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return buildTestServer(t, true)
}

// newTestServerNoSecrets builds a server without any secrets backend.
func newTestServerNoSecrets(t *testing.T) *testServer {
	t.Helper()
	return buildTestServer(t, false)
}

func buildTestServer(t *testing.T, withSecrets bool) *testServer {
	t.Helper()

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	objects, err := storage.Open(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { objects.Close() })

	jwtMgr, err := auth.NewJWTManager([]byte("test-signing-key"))
	require.NoError(t, err)

	jobs := repositories.NewJobRepository(gdb)
	frags := repositories.NewFragmentRepository(gdb)
	agents := repositories.NewAgentRepository(gdb)
	queues := repositories.NewQueueRepository(gdb)
	perms := repositories.NewPermissionRepository(gdb)
	tokens := repositories.NewTokenRepository(gdb)

	var store secrets.Store
	if withSecrets {
		dbStore, err := secrets.NewDatabaseStore(gdb)
		require.NoError(t, err)
		store = dbStore
	}

	router := NewRouter(RouterConfig{
		AuthService:    auth.NewService(perms, tokens, jwtMgr),
		Logger:         zap.NewNop(),
		Jobs:           jobs,
		Fragments:      frags,
		Agents:         agents,
		Queues:         queues,
		Permissions:    perms,
		Objects:        objects,
		SecretStore:    store,
		WebhookTimeout: time.Second,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{
		Server:  srv,
		jobs:    jobs,
		frags:   frags,
		agents:  agents,
		queues:  queues,
		perms:   perms,
		objects: objects,
	}
}

// do issues a request. body may be nil, a raw []byte/string, or any value to
// be JSON-encoded. token, when non-empty, is sent as a Bearer credential.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// readJSON decodes and closes a response body.
func readJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

// readText reads and closes a response body.
func readText(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

// drain closes a response body, keeping assertions about status codes terse.
func drain(resp *http.Response) int {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}

// seedClient stores a permission record so the client can authenticate with
// the given secret.
func (ts *testServer) seedClient(t *testing.T, permissions types.ClientPermissions, secret string) {
	t.Helper()

	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)
	rec, err := auth.RecordFromPermissions(permissions, hash)
	require.NoError(t, err)
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	require.NoError(t, ts.perms.Put(context.Background(), rec))
}

// token runs the credential flow and returns a bearer access token.
func (ts *testServer) token(t *testing.T, clientID, secret string) string {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/oauth2/token", nil)
	require.NoError(t, err)
	req.SetBasicAuth(clientID, secret)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pair auth.TokenPair
	readJSON(t, resp, &pair)
	return pair.AccessToken
}

// tokenPair is like token but returns the full pair, for refresh tests.
func (ts *testServer) tokenPair(t *testing.T, clientID, secret string) auth.TokenPair {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/oauth2/token", nil)
	require.NoError(t, err)
	req.SetBasicAuth(clientID, secret)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pair auth.TokenPair
	readJSON(t, resp, &pair)
	return pair
}

// submit posts a job spec and returns the assigned job id.
func (ts *testServer) submit(t *testing.T, token string, spec map[string]any) string {
	t.Helper()

	resp := ts.do(t, http.MethodPost, "/v1/job", token, spec)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	readJSON(t, resp, &out)
	require.NotEmpty(t, out["job_id"])
	return out["job_id"]
}

// uploadFile posts a multipart "file" field to the given path.
func (ts *testServer) uploadFile(t *testing.T, path string, content []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.tar.gz")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}
