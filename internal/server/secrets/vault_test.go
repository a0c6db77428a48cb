package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault speaks just enough of the KV v2 HTTP API for the store under
// test. Keys under denied/ always 403, keys under broken/ always 500, and
// keys under mangled/ read back without their value field.
func fakeVault(t *testing.T) *VaultStore {
	t.Helper()

	var mu sync.Mutex
	values := map[string]string{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		var key string
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/secret/data/"):
			key = strings.TrimPrefix(r.URL.Path, "/v1/secret/data/")
		case strings.HasPrefix(r.URL.Path, "/v1/secret/metadata/"):
			key = strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/")
			if !strings.HasPrefix(key, "denied/") && !strings.HasPrefix(key, "broken/") {
				delete(values, key)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		default:
			http.NotFound(w, r)
			return
		}

		switch {
		case strings.HasPrefix(key, "denied/"):
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"errors":["permission denied"]}`)
			return
		case strings.HasPrefix(key, "broken/"):
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"errors":["internal error"]}`)
			return
		}

		switch r.Method {
		case http.MethodGet:
			value, ok := values[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"errors":[]}`)
				return
			}
			inner := map[string]interface{}{vaultValueField: value}
			if strings.HasPrefix(key, "mangled/") {
				inner = map[string]interface{}{"payload": value}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data": inner,
					"metadata": map[string]interface{}{
						"created_time": "2025-01-01T00:00:00Z",
						"version":      1,
					},
				},
			})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]string `json:"data"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			values[key] = body.Data[vaultValueField]
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"created_time": "2025-01-01T00:00:00Z",
					"version":      1,
				},
			})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := NewVaultStore(VaultConfig{Address: srv.URL, Token: "unit-test-token"})
	require.NoError(t, err)
	return store
}

func TestVaultRoundTrip(t *testing.T) {
	store := fakeVault(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "client-a", "ssid-password", "hunter2"))

	value, err := store.Read(ctx, "client-a", "ssid-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	require.NoError(t, store.Delete(ctx, "client-a", "ssid-password"))

	_, err = store.Read(ctx, "client-a", "ssid-password")
	var access *AccessError
	require.ErrorAs(t, err, &access)
	assert.Equal(t, "client-a", access.Namespace)
	assert.Equal(t, "ssid-password", access.Path)
}

func TestVaultReadMissing(t *testing.T) {
	store := fakeVault(t)

	_, err := store.Read(context.Background(), "client-a", "never-written")
	var access *AccessError
	assert.ErrorAs(t, err, &access)
}

func TestVaultPermissionDenied(t *testing.T) {
	store := fakeVault(t)
	ctx := context.Background()

	var access *AccessError
	_, err := store.Read(ctx, "denied", "anything")
	assert.ErrorAs(t, err, &access)

	err = store.Write(ctx, "denied", "anything", "value")
	assert.ErrorAs(t, err, &access)

	err = store.Delete(ctx, "denied", "anything")
	assert.ErrorAs(t, err, &access)
}

func TestVaultBackendFailure(t *testing.T) {
	store := fakeVault(t)

	_, err := store.Read(context.Background(), "broken", "anything")
	var storeErr *StoreError
	assert.ErrorAs(t, err, &storeErr)
}

func TestVaultMalformedSecret(t *testing.T) {
	store := fakeVault(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "mangled", "shape", "value"))

	_, err := store.Read(ctx, "mangled", "shape")
	var unexpected *UnexpectedError
	assert.ErrorAs(t, err, &unexpected)
}

func TestVaultDeleteMissing(t *testing.T) {
	store := fakeVault(t)
	assert.NoError(t, store.Delete(context.Background(), "client-a", "never-written"))
}

func TestClassifyVaultErr(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		access bool
	}{
		{"secret not found sentinel", fmt.Errorf("wrapped: %w", api.ErrSecretNotFound), true},
		{"http not found", &api.ResponseError{StatusCode: http.StatusNotFound}, true},
		{"http forbidden", &api.ResponseError{StatusCode: http.StatusForbidden}, true},
		{"http server error", &api.ResponseError{StatusCode: http.StatusInternalServerError}, false},
		{"transport failure", fmt.Errorf("dial tcp: connection refused"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyVaultErr("read", "ns", "path", tc.err)
			var access *AccessError
			var storeErr *StoreError
			if tc.access {
				assert.ErrorAs(t, err, &access)
			} else {
				assert.ErrorAs(t, err, &storeErr)
			}
		})
	}
}
