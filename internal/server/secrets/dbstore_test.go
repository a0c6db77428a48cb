package secrets

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/db"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newDatabaseStore(t *testing.T) *DatabaseStore {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	store, err := NewDatabaseStore(gdb)
	require.NoError(t, err)
	return store
}

func TestDatabaseStoreRoundTrip(t *testing.T) {
	store := newDatabaseStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "client-a", "ssid-password", "hunter2"))

	value, err := store.Read(ctx, "client-a", "ssid-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	require.NoError(t, store.Write(ctx, "client-a", "ssid-password", "swordfish"))
	value, err = store.Read(ctx, "client-a", "ssid-password")
	require.NoError(t, err)
	assert.Equal(t, "swordfish", value)

	require.NoError(t, store.Delete(ctx, "client-a", "ssid-password"))
	_, err = store.Read(ctx, "client-a", "ssid-password")
	var access *AccessError
	require.ErrorAs(t, err, &access)
	assert.Equal(t, "client-a", access.Namespace)
	assert.Equal(t, "ssid-password", access.Path)
}

func TestDatabaseStoreNamespaceIsolation(t *testing.T) {
	store := newDatabaseStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "client-a", "token", "a-token"))
	require.NoError(t, store.Write(ctx, "client-b", "token", "b-token"))

	value, err := store.Read(ctx, "client-a", "token")
	require.NoError(t, err)
	assert.Equal(t, "a-token", value)

	// One client can never see another's secret, even at the same path.
	_, err = store.Read(ctx, "client-c", "token")
	var access *AccessError
	assert.ErrorAs(t, err, &access)
}

func TestDatabaseStoreDeleteMissing(t *testing.T) {
	store := newDatabaseStore(t)
	assert.NoError(t, store.Delete(context.Background(), "client-a", "never-written"))
}

func TestDatabaseStoreEncryptsAtRest(t *testing.T) {
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	store, err := NewDatabaseStore(gdb)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "client-a", "wifi", "plaintext-value"))

	var raw string
	require.NoError(t, gdb.WithContext(ctx).
		Raw("SELECT value FROM secrets WHERE client_id = ? AND path = ?", "client-a", "wifi").
		Scan(&raw).Error)
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "plaintext-value")
}
