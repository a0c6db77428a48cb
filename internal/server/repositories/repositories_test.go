package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/canonical/testflinger/internal/server/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return gdb
}

func newTestJob(id, queue string, priority int) *db.Job {
	spec := map[string]any{"job_queue": queue}
	raw, _ := json.Marshal(spec)
	return &db.Job{
		ID:        id,
		Queue:     queue,
		Priority:  priority,
		State:     "waiting",
		Spec:      string(raw),
		Result:    "{}",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func ctxb() context.Context { return context.Background() }
