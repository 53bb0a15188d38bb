package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/testutil"
)

func TestJSONDocumentShape(t *testing.T) {
	s := newJSONStore(t)
	clock := testutil.NewClock()
	s.Now = clock.Now

	require.NoError(t, s.Create(context.Background(), completed("a", time.Hour, 1024)))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"1.0.0"`, string(raw["version"]))
	assert.JSONEq(t, `"2024-01-15T02:00:00Z"`, string(raw["lastUpdated"]))

	var backups []map[string]any
	require.NoError(t, json.Unmarshal(raw["backups"], &backups))
	require.Len(t, backups, 1)
	assert.Equal(t, "a", backups[0]["id"])
	assert.Equal(t, "COMPLETED", backups[0]["status"])
	assert.Equal(t, float64(1024), backups[0]["fileSize"])
	assert.Equal(t, "backups/backup-a.zip", backups[0]["remoteKey"])
}

func TestJSONMissingFileIsEmpty(t *testing.T) {
	s := newJSONStore(t)
	items, err := s.FindMany(context.Background(), model.BackupFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "reads must not create the document")
}

func TestJSONCorruptFileFallsBackToEmpty(t *testing.T) {
	s := newJSONStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	count, err := s.Count(context.Background(), model.BackupFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// The broken document is kept beside the store for inspection.
	kept, err := os.ReadFile(s.Path() + ".corrupt")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(kept))

	require.NoError(t, s.Create(context.Background(), pending("a", "after", base)))
	got, err := s.FindOne(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
}

func TestJSONSaveLeavesNoTempFiles(t *testing.T) {
	s := newJSONStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, pending(id, id, base)))
	}
	require.NoError(t, s.Delete(ctx, "b"))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"backups.json"}, names)
}

func TestJSONConcurrentWritersInProcess(t *testing.T) {
	s := newJSONStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.Create(ctx, pending(id, id, base.Add(time.Duration(i)*time.Second))))
		}(i)
	}
	wg.Wait()

	count, err := s.Count(ctx, model.BackupFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
}

func TestJSONReturnedRecordsAreCopies(t *testing.T) {
	s := newJSONStore(t)
	ctx := context.Background()
	b := pending("a", "original", base)
	require.NoError(t, s.Create(ctx, b))

	b.Name = "mutated after create"
	got, err := s.FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Name)
}
