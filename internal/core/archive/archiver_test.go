package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhi1693/openclaw-agency/internal/core/db"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

func newArchiveStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	orgID := id.Generate()
	require.NoError(t, st.CreateOrg(context.Background(), store.CreateOrgParams{ID: orgID, Name: "org"}))
	return st, orgID
}

func seedEvent(t *testing.T, st *store.Store, orgID string, age time.Duration) string {
	t.Helper()
	evID := id.Generate()
	err := st.CreateSystemEvent(context.Background(), store.CreateSystemEventParams{
		ID:        evID,
		OrgID:     orgID,
		EventType: "task.status_changed",
		Source:    "system",
		Payload:   map[string]any{"new_status": "done"},
		CreatedAt: time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
	return evID
}

func TestSweepArchivesExpiredEvents(t *testing.T) {
	st, orgID := newArchiveStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	oldID := seedEvent(t, st, orgID, 48*time.Hour)
	freshID := seedEvent(t, st, orgID, time.Minute)

	a := New(st, dir, 24*time.Hour)
	n, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The expired event is gone, the fresh one stays.
	_, err = st.GetSystemEventByID(ctx, oldID)
	assert.Error(t, err)
	_, err = st.GetSystemEventByID(ctx, freshID)
	assert.NoError(t, err)

	// The archive file holds the drained event as a JSONL line.
	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	plain, err := Decompress(raw)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(plain))
	require.True(t, scanner.Scan())
	var line map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	assert.Equal(t, oldID, line["id"])
	assert.Equal(t, orgID, line["organization_id"])
	assert.Equal(t, "task.status_changed", line["event_type"])
	assert.False(t, scanner.Scan(), "only the expired event should be archived")
}

func TestSweepDisabledByZeroTTL(t *testing.T) {
	st, orgID := newArchiveStore(t)
	ctx := context.Background()

	seedEvent(t, st, orgID, 400*24*time.Hour)

	a := New(st, t.TempDir(), 0)
	n, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := st.CountSystemEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSweepNothingExpired(t *testing.T) {
	st, orgID := newArchiveStore(t)
	dir := t.TempDir()

	seedEvent(t, st, orgID, time.Minute)

	a := New(st, dir, 24*time.Hour)
	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	files, _ := filepath.Glob(filepath.Join(dir, "events-*"))
	assert.Empty(t, files, "no archive file should be written when nothing expires")
}
