package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/testutil"
)

func buildArchive(t *testing.T, dir, token, id, name string) string {
	t.Helper()
	dump := filepath.Join(t.TempDir(), "db.sql")
	require.NoError(t, os.WriteFile(dump, []byte("SELECT 1;"), 0o644))
	dst := filepath.Join(dir, archive.ArchiveName(token))
	_, err := archive.NewBuilder("appdb").Build(dst, archive.Input{DumpPath: dump, BackupID: id, Name: name})
	require.NoError(t, err)
	return dst
}

func TestRebuildFromArtifacts(t *testing.T) {
	ctx := context.Background()
	s := newJSONStore(t)
	dir := filepath.Dir(s.Path())

	completeToken := "2024-01-10T02-00-00-000Z"
	buildArchive(t, dir, completeToken, "", "")
	// The sibling folder of a finished archive is not a second backup.
	require.NoError(t, os.Mkdir(filepath.Join(dir, archive.FolderName(completeToken)), 0o755))

	namedToken := "2024-01-11T02-00-00-000Z"
	buildArchive(t, dir, namedToken, "3f1c-known-id", "nightly")

	folderToken := "2024-01-12T02-00-00-000Z"
	require.NoError(t, os.Mkdir(filepath.Join(dir, archive.FolderName(folderToken)), 0o755))

	// Malformed artifacts are reported, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup-garbage.zip"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, archive.ArchiveName("2024-01-13T02-00-00-000Z")), []byte("not a zip"), 0o644))
	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	res, err := s.RebuildFromArtifacts(ctx, "backups")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rebuilt)
	assert.Len(t, res.Errors, 2)

	got, err := s.FindOne(ctx, archive.FolderName(completeToken))
	require.NoError(t, err)
	assert.Equal(t, model.BackupStatusCompleted, got.Status)
	require.NotNil(t, got.FileSize)
	assert.Positive(t, *got.FileSize)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "backups", got.RemoteBucket)
	assert.Equal(t, "backups/"+archive.ArchiveName(completeToken), got.RemoteKey)
	assert.True(t, got.CreatedAt.Equal(time.Date(2024, 1, 10, 2, 0, 0, 0, time.UTC)))
	assert.Equal(t, true, got.Metadata["recovered"])
	recoveredAt, _ := got.Metadata["recoveredAt"].(string)
	_, err = time.Parse(time.RFC3339, recoveredAt)
	assert.NoError(t, err, "recoveredAt %q", recoveredAt)

	named, err := s.FindOne(ctx, "3f1c-known-id")
	require.NoError(t, err)
	assert.Equal(t, "nightly", named.Name)

	failed, err := s.FindOne(ctx, archive.FolderName(folderToken))
	require.NoError(t, err)
	assert.Equal(t, model.BackupStatusFailed, failed.Status)
	assert.NotEmpty(t, failed.ErrorMessage)
	assert.Nil(t, failed.FileSize)
	assert.Empty(t, failed.RemoteKey)

	// A second run finds everything already tracked.
	res, err = s.RebuildFromArtifacts(ctx, "backups")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rebuilt)

	count, err := s.Count(ctx, model.BackupFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRebuildSkipsTrackedArtifacts(t *testing.T) {
	ctx := context.Background()
	s := newJSONStore(t)
	dir := filepath.Dir(s.Path())

	token := "2024-01-10T02-00-00-000Z"
	path := buildArchive(t, dir, token, "", "")
	tracked := completed("uuid-1", time.Hour, 10)
	tracked.FilePath = path
	require.NoError(t, s.Create(ctx, tracked))

	failedToken := "2024-01-11T02-00-00-000Z"
	require.NoError(t, os.Mkdir(filepath.Join(dir, archive.FolderName(failedToken)), 0o755))
	failed := pending("uuid-2", "dump failed", base)
	failed.Status = model.BackupStatusFailed
	failed.ErrorMessage = "boom"
	failed.Metadata = map[string]any{FolderKey: archive.FolderName(failedToken)}
	require.NoError(t, s.Create(ctx, failed))

	res, err := s.RebuildFromArtifacts(ctx, "backups")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rebuilt)
	assert.Empty(t, res.Errors)
}

func TestRebuildMissingDir(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "backups.json"), filepath.Join(t.TempDir(), "nope"), testutil.Logger(t))
	_, err := s.RebuildFromArtifacts(context.Background(), "backups")
	assert.Error(t, err)
}
