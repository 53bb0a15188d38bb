package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/config"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/store"
	"github.com/dukerupert/archivist/internal/testutil"
)

func TestParseRetention(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"720h", 720 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"0d", 0, true},
		{"-1h", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseRetention(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "", formatSize(nil))
	n := int64(512)
	assert.Equal(t, "512 B", formatSize(&n))
	n = 3 * 1024 * 1024
	assert.Equal(t, "3.0 MiB", formatSize(&n))
}

func TestExportDocumentRoundTrip(t *testing.T) {
	size := int64(42)
	created := time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC)
	doc := exportDocument{
		Version:    store.DocumentVersion,
		ExportedAt: created,
		Backups: []model.Backup{{
			ID:        "a",
			Name:      "nightly",
			Status:    model.BackupStatusCompleted,
			Type:      model.BackupTypeScheduled,
			FileSize:  &size,
			CreatedAt: created,
			UpdatedAt: created,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeExport(&buf, doc))
	got, err := readExport(&buf)
	require.NoError(t, err)
	require.Len(t, got.Backups, 1)
	assert.Equal(t, "nightly", got.Backups[0].Name)
	assert.Equal(t, int64(42), *got.Backups[0].FileSize)

	empty, err := readExport(bytes.NewBufferString(`{"version":"1.0.0"}`))
	require.NoError(t, err)
	assert.NotNil(t, empty.Backups)
}

func TestRebuildIntoSQLStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	token := archive.Token(time.Date(2024, 1, 10, 2, 0, 0, 0, time.UTC))
	require.NoError(t, os.Mkdir(filepath.Join(dir, archive.FolderName(token)), 0o755))

	sqlStore := store.NewSQLStore(testutil.NewDB(t))
	a := &app{
		cfg: &config.Config{
			Backup:   config.BackupConfig{Dir: dir},
			Metadata: config.MetadataConfig{Backend: config.BackendSQL},
			Storage:  config.S3Config{Bucket: "backups"},
		},
		logger: testutil.Logger(t),
		store:  sqlStore,
	}

	res, err := rebuild(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rebuilt)

	b, err := sqlStore.FindOne(ctx, archive.FolderName(token))
	require.NoError(t, err)
	assert.Equal(t, model.BackupStatusFailed, b.Status)

	res, err = rebuild(ctx, a)
	require.NoError(t, err)
	assert.Zero(t, res.Rebuilt)
}
