// Package archive builds and unpacks backup archives: a single zip holding
// the database dump, the optional mirrored-object bundle and a metadata
// document.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ErrInvalidArchive is returned when an archive is missing a required entry.
var ErrInvalidArchive = errors.New("invalid backup archive")

// Metadata is the metadata.json document stored in every archive.
type Metadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	Database      string    `json:"database"`
	Version       string    `json:"version"`
	BackupID      string    `json:"backupId,omitempty"`
	Name          string    `json:"name,omitempty"`
	IncludesFiles bool      `json:"includesFiles"`
}

// Input names the artifacts that go into one archive. MirrorPath is
// optional.
type Input struct {
	DumpPath   string
	MirrorPath string
	BackupID   string
	Name       string
}

// Builder writes archives for one source database.
type Builder struct {
	Database string
	Now      func() time.Time
}

// NewBuilder returns a Builder stamping archives with database.
func NewBuilder(database string) *Builder {
	return &Builder{Database: database, Now: time.Now}
}

// NewWriter returns a zip writer that deflates at maximum compression.
func NewWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return zw
}

// Build writes the archive to dst and returns its size in bytes. A partially
// written dst is removed on failure.
func (b *Builder) Build(dst string, in Input) (size int64, err error) {
	if in.DumpPath == "" {
		return 0, errors.New("build archive: dump path is required")
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	zw := NewWriter(out)

	if err := AddFile(zw, in.DumpPath, DatabaseEntry); err != nil {
		return 0, fmt.Errorf("add database dump: %w", err)
	}
	if in.MirrorPath != "" {
		if err := AddFile(zw, in.MirrorPath, FilesEntry); err != nil {
			return 0, fmt.Errorf("add files bundle: %w", err)
		}
	}

	meta := Metadata{
		CreatedAt:     b.now().UTC(),
		Database:      b.Database,
		Version:       FormatVersion,
		BackupID:      in.BackupID,
		Name:          in.Name,
		IncludesFiles: in.MirrorPath != "",
	}
	if err := AddJSON(zw, MetadataEntry, meta); err != nil {
		return 0, fmt.Errorf("add metadata: %w", err)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// AddFile streams the file at path into zw under name.
func AddFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// AddJSON writes v as indented JSON under name.
func AddJSON(zw *zip.Writer, name string, v any) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.Modified = time.Now()
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Extract inflates every entry of the zip at archivePath into destDir.
func Extract(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	for _, f := range zr.File {
		target, err := destPath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", f.Name, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

// destPath joins name onto dir, rejecting entries that escape dir.
func destPath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path in archive: %s", name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Verify extracts the archive into a scratch directory and checks that the
// database dump and metadata document are present. The scratch copy is
// always discarded.
func Verify(archivePath string) error {
	tmp, err := os.MkdirTemp("", "archivist-verify-*")
	if err != nil {
		return fmt.Errorf("create verify dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := Extract(archivePath, tmp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	for _, name := range []string{DatabaseEntry, MetadataEntry} {
		if _, err := os.Stat(filepath.Join(tmp, name)); err != nil {
			return fmt.Errorf("%w: missing %s", ErrInvalidArchive, name)
		}
	}
	if _, err := readMetadataFile(filepath.Join(tmp, MetadataEntry)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return nil
}

// ReadMetadata decodes metadata.json straight out of the archive.
func ReadMetadata(archivePath string) (*Metadata, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != MetadataEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open metadata: %w", err)
		}
		defer rc.Close()
		return decodeMetadata(rc)
	}
	return nil, fmt.Errorf("%w: missing %s", ErrInvalidArchive, MetadataEntry)
}

func readMetadataFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeMetadata(f)
}

func decodeMetadata(r io.Reader) (*Metadata, error) {
	var meta Metadata
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Version == "" {
		return nil, errors.New("metadata has no format version")
	}
	return &meta, nil
}
