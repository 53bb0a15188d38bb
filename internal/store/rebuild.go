package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/model"
)

// RebuildResult reports a RebuildFromArtifacts run.
type RebuildResult struct {
	Rebuilt int      `json:"rebuilt"`
	Errors  []string `json:"errors"`
}

type artifact struct {
	token   string
	archive os.FileInfo
	folder  os.FileInfo
}

// RebuildFromArtifacts scans the backup directory for archives and
// per-backup folders that no record points at and recreates records for
// them. Archives come back COMPLETED under bucket; a folder without its
// archive comes back FAILED. A malformed artifact adds an entry to Errors
// and is skipped. Running it again adds nothing.
func (s *JSONStore) RebuildFromArtifacts(ctx context.Context, bucket string) (*RebuildResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan backup dir: %w", err)
	}

	found := make(map[string]*artifact)
	for _, e := range entries {
		token, ok := archive.TokenFromArtifact(e.Name())
		if !ok {
			continue
		}
		isArchive := !e.IsDir() && e.Name() == archive.ArchiveName(token)
		isFolder := e.IsDir() && e.Name() == archive.FolderName(token)
		if !isArchive && !isFolder {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		a := found[token]
		if a == nil {
			a = &artifact{token: token}
			found[token] = a
		}
		if isArchive {
			a.archive = info
		} else {
			a.folder = info
		}
	}

	tokens := make([]string, 0, len(found))
	for token := range found {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	known := trackedArtifacts(doc.Backups)
	res := &RebuildResult{Errors: []string{}}

	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := found[token]
		if known[token] {
			continue
		}
		b, err := s.recover(a, bucket)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if indexOf(doc.Backups, b.ID) >= 0 {
			continue
		}
		doc.Backups = append(doc.Backups, *b)
		known[token] = true
		res.Rebuilt++
		s.logger.Info("recovered backup record",
			zap.String("id", b.ID),
			zap.String("status", string(b.Status)),
		)
	}

	if res.Rebuilt > 0 {
		if err := s.save(doc); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *JSONStore) recover(a *artifact, bucket string) (*model.Backup, error) {
	createdAt, err := archive.ParseToken(a.token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archive.FolderName(a.token), err)
	}
	now := s.Now().UTC()
	b := &model.Backup{
		ID:        archive.FolderName(a.token),
		Name:      "Recovered backup " + a.token,
		Type:      model.BackupTypeManual,
		CreatedAt: createdAt,
		UpdatedAt: now,
		Metadata: map[string]any{
			"recovered":   true,
			"recoveredAt": now.Format(time.RFC3339),
		},
	}

	if a.archive == nil {
		b.Status = model.BackupStatusFailed
		b.FilePath = filepath.Join(s.dir, archive.FolderName(a.token))
		b.ErrorMessage = "recovered from backup folder without a finished archive"
		b.Metadata["source"] = "folder"
		return b, nil
	}

	path := filepath.Join(s.dir, archive.ArchiveName(a.token))
	meta, err := archive.ReadMetadata(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archive.ArchiveName(a.token), err)
	}
	if meta.BackupID != "" {
		b.ID = meta.BackupID
	}
	if meta.Name != "" {
		b.Name = meta.Name
	}

	size := a.archive.Size()
	completedAt := a.archive.ModTime().UTC()
	b.Status = model.BackupStatusCompleted
	b.FileSize = &size
	b.FilePath = path
	b.RemoteBucket = bucket
	b.RemoteKey = archive.RemoteKey(path)
	b.CompletedAt = &completedAt
	b.Metadata["source"] = "archive"
	b.Metadata["database"] = meta.Database
	return b, nil
}

// FolderKey is the metadata key naming a record's working folder.
const FolderKey = "folder"

// trackedArtifacts returns the timestamp tokens already referenced by a
// record's id, local path, remote key or working folder.
func trackedArtifacts(backups []model.Backup) map[string]bool {
	known := make(map[string]bool, len(backups))
	for _, b := range backups {
		folder, _ := b.Metadata[FolderKey].(string)
		for _, p := range []string{b.FilePath, b.RemoteKey, folder} {
			if p == "" {
				continue
			}
			if token, ok := archive.TokenFromArtifact(filepath.Base(p)); ok {
				known[token] = true
			}
		}
		if token, ok := archive.TokenFromArtifact(b.ID); ok {
			known[token] = true
		}
	}
	return known
}
