// Package mirror snapshots every object of the application bucket into a
// zip bundle and re-uploads a bundle back into the bucket.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/blob"
)

const (
	// ManifestEntry lists every object captured in a bundle.
	ManifestEntry = "manifest.json"
	objectsDir    = "objects/"
)

// Bucket is the application bucket being mirrored.
type Bucket interface {
	Bucket() string
	EnsureBucket(ctx context.Context) error
	List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// Manifest is the manifest.json document of a bundle.
type Manifest struct {
	Bucket    string            `json:"bucket"`
	CreatedAt time.Time         `json:"createdAt"`
	Objects   []blob.ObjectInfo `json:"objects"`
}

// Result counts the objects handled by Snapshot or Restore.
type Result struct {
	Objects int `json:"objectCount"`
	Skipped int `json:"skippedObjects"`
}

type Mirror struct {
	bucket Bucket
	logger *zap.Logger
	now    func() time.Time
}

func New(bucket Bucket, logger *zap.Logger) *Mirror {
	return &Mirror{
		bucket: bucket,
		logger: logger.With(zap.String("component", "mirror"), zap.String("bucket", bucket.Bucket())),
		now:    time.Now,
	}
}

// Snapshot writes every object of the bucket into a zip at dst. An object
// that cannot be fetched is logged and left out of the bundle and manifest.
func (m *Mirror) Snapshot(ctx context.Context, dst string) (res Result, err error) {
	objects, err := m.bucket.List(ctx, "")
	if err != nil {
		return Result{}, fmt.Errorf("list bucket: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return Result{}, fmt.Errorf("create bundle: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	zw := archive.NewWriter(out)
	manifest := Manifest{Bucket: m.bucket.Bucket(), CreatedAt: m.now().UTC()}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !safeKey(obj.Key) {
			m.logger.Warn("skipping object with unsafe key", zap.String("key", obj.Key))
			res.Skipped++
			continue
		}
		fetched, err := m.copyObject(ctx, zw, obj)
		if err != nil {
			// A failed write leaves a truncated entry that cannot be retracted.
			if fetched {
				return Result{}, err
			}
			m.logger.Warn("skipping object", zap.String("key", obj.Key), zap.Error(err))
			res.Skipped++
			continue
		}
		manifest.Objects = append(manifest.Objects, obj)
		res.Objects++
	}

	if err := archive.AddJSON(zw, ManifestEntry, manifest); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("finish bundle: %w", err)
	}
	if err := out.Close(); err != nil {
		return Result{}, fmt.Errorf("close bundle: %w", err)
	}

	m.logger.Info("bucket snapshot written",
		zap.Int("objects", res.Objects),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// copyObject streams one object into zw. fetched reports whether the object
// was read from the bucket before err occurred.
func (m *Mirror) copyObject(ctx context.Context, zw *zip.Writer, obj blob.ObjectInfo) (fetched bool, err error) {
	body, _, err := m.bucket.Get(ctx, obj.Key)
	if err != nil {
		return false, err
	}
	defer body.Close()

	hdr := &zip.FileHeader{Name: objectsDir + obj.Key, Method: zip.Deflate, Modified: obj.LastModified}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return true, fmt.Errorf("add %s: %w", obj.Key, err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return true, fmt.Errorf("copy %s: %w", obj.Key, err)
	}
	return true, nil
}

// Restore unpacks the bundle at bundlePath into workDir and uploads every
// object listed in its manifest. Objects missing from the bundle or failing
// to upload are logged and skipped.
func (m *Mirror) Restore(ctx context.Context, bundlePath, workDir string) (Result, error) {
	if err := archive.Extract(bundlePath, workDir); err != nil {
		return Result{}, fmt.Errorf("extract bundle: %w", err)
	}

	manifest, err := readManifest(filepath.Join(workDir, ManifestEntry))
	if err != nil {
		return Result{}, err
	}

	if err := m.bucket.EnsureBucket(ctx); err != nil {
		return Result{}, fmt.Errorf("ensure bucket: %w", err)
	}

	var res Result
	for _, obj := range manifest.Objects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		local := filepath.Join(workDir, filepath.FromSlash(objectsDir+obj.Key))
		if err := m.upload(ctx, obj.Key, local); err != nil {
			m.logger.Warn("skipping object restore", zap.String("key", obj.Key), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Objects++
	}

	m.logger.Info("bucket restored",
		zap.Int("objects", res.Objects),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (m *Mirror) upload(ctx context.Context, key, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return m.bucket.Put(ctx, key, f, info.Size())
}

func readManifest(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// safeKey rejects keys that would escape the objects directory on extract.
func safeKey(key string) bool {
	if key == "" || strings.HasSuffix(key, "/") || strings.HasPrefix(key, "/") {
		return false
	}
	clean := path.Clean(key)
	return clean == key && !strings.HasPrefix(clean, "../") && clean != ".."
}
