package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/archivist/internal/testutil"
)

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeS3()
	c := NewWithAPI(fake, "backups")

	exists, err := c.BucketExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.EnsureBucket(ctx))
	assert.True(t, fake.HasBucket("backups"))

	// Second call finds the bucket and does not try to create it again.
	require.NoError(t, c.EnsureBucket(ctx))
}

func TestPutGetStatRemove(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeS3("backups")
	c := NewWithAPI(fake, "backups")

	require.NoError(t, c.Put(ctx, "backups/a.zip", strings.NewReader("hello"), 5))

	info, err := c.Stat(ctx, "backups/a.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.NotEmpty(t, info.ETag)

	body, size, err := c.Get(ctx, "backups/a.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)

	require.NoError(t, c.Remove(ctx, "backups/a.zip"))
	_, err = c.Stat(ctx, "backups/a.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing again is not an error.
	require.NoError(t, c.Remove(ctx, "backups/a.zip"))
}

func TestGetMissing(t *testing.T) {
	c := NewWithAPI(testutil.NewFakeS3("backups"), "backups")
	_, _, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	fake := testutil.NewFakeS3()
	fake.Seed("uploads", "avatars/1.png", []byte("one"))
	fake.Seed("uploads", "avatars/2.png", []byte("two!"))
	fake.Seed("uploads", "docs/readme.txt", []byte("r"))
	c := NewWithAPI(fake, "uploads")

	all, err := c.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "avatars/1.png", all[0].Key)
	assert.Equal(t, int64(4), all[1].Size)

	avatars, err := c.List(context.Background(), "avatars/")
	require.NoError(t, err)
	assert.Len(t, avatars, 2)
}

func TestFPutFGet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("archive-bytes"), 0o644))

	c := NewWithAPI(testutil.NewFakeS3("backups"), "backups")
	n, err := c.FPut(ctx, "backups/src.bin", src)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	dst := filepath.Join(dir, "dst.bin")
	n, err = c.FGet(ctx, "backups/src.bin", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(got))

	_, err = c.FGet(ctx, "backups/missing", filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("boom")))
}

func TestRemovePropagatesOtherErrors(t *testing.T) {
	fake := testutil.NewFakeS3("backups")
	fake.DeleteErr = &smithy.GenericAPIError{Code: "AccessDenied"}
	c := NewWithAPI(fake, "backups")
	assert.Error(t, c.Remove(context.Background(), "backups/x.zip"))
}
