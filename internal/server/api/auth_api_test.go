package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/testflinger/internal/types"
)

func seedRoles(t *testing.T, ts *testServer) {
	t.Helper()
	ts.seedClient(t, types.ClientPermissions{ClientID: "root", Role: types.RoleAdmin}, "root-secret")
	ts.seedClient(t, types.ClientPermissions{ClientID: "mgr", Role: types.RoleManager}, "mgr-secret")
	ts.seedClient(t, types.ClientPermissions{ClientID: "usr", Role: types.RoleUser}, "usr-secret")
}

func TestTokenFlow(t *testing.T) {
	ts := newTestServer(t)
	seedRoles(t, ts)

	pair := ts.tokenPair(t, "usr", "usr-secret")
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 30, pair.ExpiresIn)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/oauth2/token", nil)
	require.NoError(t, err)
	req.SetBasicAuth("usr", "wrong")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/oauth2/token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, drain(resp))
}

func TestRefreshFlow(t *testing.T) {
	ts := newTestServer(t)
	seedRoles(t, ts)

	pair := ts.tokenPair(t, "mgr", "mgr-secret")

	resp := ts.do(t, http.MethodPost, "/v1/oauth2/refresh", "",
		map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed map[string]any
	readJSON(t, resp, &refreshed)
	access, _ := refreshed["access_token"].(string)
	require.NotEmpty(t, access)

	// The refreshed access token carries the manager role.
	resp = ts.do(t, http.MethodGet, "/v1/restricted-queues", access, nil)
	assert.Equal(t, http.StatusOK, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/oauth2/refresh", "",
		map[string]string{"refresh_token": "no-such-token"})
	assert.Equal(t, http.StatusBadRequest, drain(resp))
}

func TestRevokeFlow(t *testing.T) {
	ts := newTestServer(t)
	seedRoles(t, ts)

	userPair := ts.tokenPair(t, "usr", "usr-secret")
	adminToken := ts.token(t, "root", "root-secret")
	userToken := ts.token(t, "usr", "usr-secret")

	body := map[string]string{"refresh_token": userPair.RefreshToken}
	resp := ts.do(t, http.MethodPost, "/v1/oauth2/revoke", "", body)
	assert.Equal(t, http.StatusUnauthorized, drain(resp))
	resp = ts.do(t, http.MethodPost, "/v1/oauth2/revoke", userToken, body)
	assert.Equal(t, http.StatusForbidden, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/oauth2/revoke", adminToken, body)
	assert.Equal(t, http.StatusOK, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/oauth2/refresh", "", body)
	assert.Equal(t, http.StatusBadRequest, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/oauth2/revoke", adminToken,
		map[string]string{"refresh_token": "no-such-token"})
	assert.Equal(t, http.StatusBadRequest, drain(resp))
}

func TestMalformedTokenRejected(t *testing.T) {
	ts := newTestServer(t)

	// A token that fails verification is a 403; no retry will fix it.
	resp := ts.do(t, http.MethodGet, "/v1/restricted-queues", "eyJhbGciOiJIUzI1NiJ9.bogus.sig", nil)
	assert.Equal(t, http.StatusForbidden, drain(resp))
}

func TestClientPermissionsManagement(t *testing.T) {
	ts := newTestServer(t)
	seedRoles(t, ts)
	adminToken := ts.token(t, "root", "root-secret")
	mgrToken := ts.token(t, "mgr", "mgr-secret")
	usrToken := ts.token(t, "usr", "usr-secret")

	// Create a new contributor with an initial secret.
	resp := ts.do(t, http.MethodPut, "/v1/client-permissions/newbie", adminToken, map[string]any{
		"role":          "contributor",
		"client_secret": "newbie-secret",
		"max_priority":  map[string]int{"q1": 100},
	})
	require.Equal(t, http.StatusOK, drain(resp))

	// The fresh client can authenticate immediately.
	ts.token(t, "newbie", "newbie-secret")

	resp = ts.do(t, http.MethodGet, "/v1/client-permissions/newbie", mgrToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perms types.ClientPermissions
	readJSON(t, resp, &perms)
	assert.Equal(t, types.RoleContributor, perms.Role)
	assert.Equal(t, 100, perms.MaxPriority["q1"])

	// Role checks: viewing needs manager, mutating is bounded by your own role.
	resp = ts.do(t, http.MethodGet, "/v1/client-permissions/newbie", usrToken, nil)
	assert.Equal(t, http.StatusForbidden, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/client-permissions/newbie", "", nil)
	assert.Equal(t, http.StatusUnauthorized, drain(resp))

	resp = ts.do(t, http.MethodPut, "/v1/client-permissions/escalated", mgrToken, map[string]any{
		"role": "admin", "client_secret": "x",
	})
	assert.Equal(t, http.StatusForbidden, drain(resp))

	resp = ts.do(t, http.MethodPut, "/v1/client-permissions/root", mgrToken, map[string]any{
		"role": "user", "client_secret": "x",
	})
	assert.Equal(t, http.StatusForbidden, drain(resp))

	resp = ts.do(t, http.MethodPut, "/v1/client-permissions/newbie", adminToken, map[string]any{
		"role": "astronaut", "client_secret": "x",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, drain(resp))

	resp = ts.do(t, http.MethodPut, "/v1/client-permissions/ghost-new", adminToken, map[string]any{
		"role": "user",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, drain(resp))

	// The bootstrap admin is immutable.
	resp = ts.do(t, http.MethodPut, "/v1/client-permissions/testflinger-admin", adminToken, map[string]any{
		"role": "user", "client_secret": "x",
	})
	assert.Equal(t, http.StatusForbidden, drain(resp))
	resp = ts.do(t, http.MethodDelete, "/v1/client-permissions/testflinger-admin", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, drain(resp))

	// Updates keep the stored secret when none is posted.
	resp = ts.do(t, http.MethodPut, "/v1/client-permissions/newbie", adminToken, map[string]any{
		"role":         "contributor",
		"max_priority": map[string]int{"q1": 500},
	})
	require.Equal(t, http.StatusOK, drain(resp))
	ts.token(t, "newbie", "newbie-secret")

	resp = ts.do(t, http.MethodDelete, "/v1/client-permissions/ghost", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, drain(resp))
	resp = ts.do(t, http.MethodDelete, "/v1/client-permissions/newbie", adminToken, nil)
	assert.Equal(t, http.StatusOK, drain(resp))

	// Deleted clients cannot authenticate.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/oauth2/token", nil)
	require.NoError(t, err)
	req.SetBasicAuth("newbie", "newbie-secret")
	authResp, err := ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, drain(authResp))
}

func TestRestrictedQueueAdministration(t *testing.T) {
	ts := newTestServer(t)
	seedRoles(t, ts)
	adminToken := ts.token(t, "root", "root-secret")
	mgrToken := ts.token(t, "mgr", "mgr-secret")
	usrToken := ts.token(t, "usr", "usr-secret")

	resp := ts.do(t, http.MethodPost, "/v1/restricted-queues", adminToken,
		map[string]any{"queue": "rq", "owners": []string{"alice", "bob"}})
	require.Equal(t, http.StatusOK, drain(resp))

	// Managers can read, not write.
	resp = ts.do(t, http.MethodGet, "/v1/restricted-queues", mgrToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	readJSON(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "rq", list[0]["queue"])

	resp = ts.do(t, http.MethodGet, "/v1/restricted-queues/rq", mgrToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	readJSON(t, resp, &doc)
	assert.ElementsMatch(t, []any{"alice", "bob"}, doc["owners"])

	resp = ts.do(t, http.MethodPost, "/v1/restricted-queues", mgrToken,
		map[string]any{"queue": "rq2", "owners": []string{"alice"}})
	assert.Equal(t, http.StatusForbidden, drain(resp))

	resp = ts.do(t, http.MethodGet, "/v1/restricted-queues", usrToken, nil)
	assert.Equal(t, http.StatusForbidden, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/restricted-queues", "", nil)
	assert.Equal(t, http.StatusUnauthorized, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/restricted-queues", adminToken,
		map[string]any{"owners": []string{"alice"}})
	assert.Equal(t, http.StatusUnprocessableEntity, drain(resp))

	resp = ts.do(t, http.MethodDelete, "/v1/restricted-queues/rq", adminToken, nil)
	assert.Equal(t, http.StatusOK, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/restricted-queues/rq", mgrToken, nil)
	assert.Equal(t, http.StatusNotFound, drain(resp))
	resp = ts.do(t, http.MethodDelete, "/v1/restricted-queues/rq", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, drain(resp))
}

func TestSecretsEndpointsAuthorization(t *testing.T) {
	ts := newTestServer(t)
	ts.seedClient(t, types.ClientPermissions{ClientID: "alice", Role: types.RoleContributor}, "alice-secret")
	ts.seedClient(t, types.ClientPermissions{ClientID: "root", Role: types.RoleAdmin}, "root-secret")
	aliceToken := ts.token(t, "alice", "alice-secret")
	rootToken := ts.token(t, "root", "root-secret")

	body := map[string]string{"value": "hunter2"}

	resp := ts.do(t, http.MethodPut, "/v1/secrets/alice/deploy/key", "", body)
	assert.Equal(t, http.StatusUnauthorized, drain(resp))

	// Even admins cannot touch another client's namespace.
	resp = ts.do(t, http.MethodPut, "/v1/secrets/alice/deploy/key", rootToken, body)
	assert.Equal(t, http.StatusForbidden, drain(resp))

	resp = ts.do(t, http.MethodPut, "/v1/secrets/alice/deploy/key", aliceToken, body)
	assert.Equal(t, http.StatusOK, drain(resp))

	resp = ts.do(t, http.MethodPut, "/v1/secrets/alice/deploy/empty", aliceToken, map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, drain(resp))

	resp = ts.do(t, http.MethodDelete, "/v1/secrets/alice/deploy/key", aliceToken, nil)
	assert.Equal(t, http.StatusOK, drain(resp))
	// Deleting again is a no-op, not an error.
	resp = ts.do(t, http.MethodDelete, "/v1/secrets/alice/deploy/key", aliceToken, nil)
	assert.Equal(t, http.StatusOK, drain(resp))
}
