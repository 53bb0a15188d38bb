package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/mirror"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/store"
)

// runPipeline advances a PENDING record to COMPLETED or FAILED. Panics are
// recovered and recorded like any other failure.
func (m *Manager) runPipeline(ctx context.Context, id string) {
	inProgress.Inc()
	defer inProgress.Dec()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("backup pipeline panicked", zap.String("id", id), zap.Any("panic", r))
			m.fail(ctx, id, fmt.Errorf("panic: %v", r))
		}
	}()

	start := m.clock.Now()
	if err := m.execute(ctx, id); err != nil {
		m.fail(ctx, id, err)
		return
	}
	backupDuration.Observe(m.clock.Now().Sub(start).Seconds())
}

func (m *Manager) execute(ctx context.Context, id string) error {
	running := model.BackupStatusInProgress
	b, err := m.store.Update(ctx, id, model.BackupUpdate{Status: &running})
	if err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	m.notify(b)

	token, folder, err := m.reserveFolder(m.clock.Now())
	if err != nil {
		return err
	}
	if _, err := m.store.Update(ctx, id, model.BackupUpdate{
		Metadata: map[string]any{store.FolderKey: filepath.Base(folder)},
	}); err != nil {
		os.Remove(folder)
		return fmt.Errorf("record working folder: %w", err)
	}
	log := m.logger.With(zap.String("id", id), zap.String("name", b.Name))
	log.Info("backup started", zap.String("folder", folder))

	dumpPath := filepath.Join(folder, archive.DumpName(token))
	if err := m.dumper.Dump(ctx, dumpPath); err != nil {
		return err
	}

	var files mirror.Result
	var filesPath string
	if m.cfg.IncludeFiles && m.mirror != nil {
		filesPath = filepath.Join(folder, archive.FilesName(token))
		if files, err = m.mirror.Snapshot(ctx, filesPath); err != nil {
			return fmt.Errorf("mirror bucket: %w", err)
		}
	}

	archivePath := filepath.Join(m.cfg.Dir, archive.ArchiveName(token))
	size, err := m.builder.Build(archivePath, archive.Input{
		DumpPath:   dumpPath,
		MirrorPath: filesPath,
		BackupID:   id,
		Name:       b.Name,
	})
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}
	if !m.cfg.KeepWorkingFiles {
		m.removeTemp(folder)
	}

	key := archive.RemoteKey(archivePath)
	if err := m.upload(ctx, key, archivePath); err != nil {
		// FAILED records own no archive.
		if rerr := os.Remove(archivePath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warn("failed to remove archive", zap.String("path", archivePath), zap.Error(rerr))
		}
		return err
	}

	done := model.BackupStatusCompleted
	bucket := m.blobs.Bucket()
	completedAt := m.clock.Now().UTC()
	meta := map[string]any{"database": m.dumper.Database()}
	if filesPath != "" {
		meta["objectCount"] = files.Objects
		meta["skippedObjects"] = files.Skipped
	}
	b, err = m.store.Update(ctx, id, model.BackupUpdate{
		Status:       &done,
		FileSize:     &size,
		FilePath:     &archivePath,
		RemoteBucket: &bucket,
		RemoteKey:    &key,
		CompletedAt:  &completedAt,
		Metadata:     meta,
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	backupsTotal.WithLabelValues(string(model.BackupStatusCompleted)).Inc()
	lastBackupSize.Set(float64(size))
	lastSuccess.SetToCurrentTime()
	m.notify(b)
	log.Info("backup completed",
		zap.Int64("size", size),
		zap.String("key", key),
	)
	return nil
}

func (m *Manager) upload(ctx context.Context, key, path string) error {
	if err := m.blobs.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if _, err := m.blobs.FPut(ctx, key, path); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	return nil
}

// reserveFolder creates the working folder for a pipeline started at t. The
// token is nudged forward a millisecond at a time until it names neither an
// existing folder nor an existing archive. The folder is created before the
// archive check: a concurrent pipeline removes its folder only after its
// archive exists.
func (m *Manager) reserveFolder(t time.Time) (token, folder string, err error) {
	for i := range 1000 {
		token = archive.Token(t.Add(time.Duration(i) * time.Millisecond))
		folder = filepath.Join(m.cfg.Dir, archive.FolderName(token))
		err = os.Mkdir(folder, 0o755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("create working folder: %w", err)
		}
		if _, err := os.Stat(filepath.Join(m.cfg.Dir, archive.ArchiveName(token))); err == nil {
			os.Remove(folder)
			continue
		}
		return token, folder, nil
	}
	return "", "", errors.New("create working folder: no free timestamp")
}

// fail records err on the backup. It never returns an error: the pipeline
// has nobody to return it to.
func (m *Manager) fail(ctx context.Context, id string, err error) {
	msg := err.Error()
	if msg == "" {
		msg = "backup failed"
	}
	failed := model.BackupStatusFailed

	backupsTotal.WithLabelValues(string(model.BackupStatusFailed)).Inc()
	m.logger.Error("backup failed", zap.String("id", id), zap.Error(err))

	b, uerr := m.store.Update(ctx, id, model.BackupUpdate{Status: &failed, ErrorMessage: &msg})
	if uerr != nil {
		m.logger.Error("failed to record backup failure", zap.String("id", id), zap.Error(uerr))
		return
	}
	m.notify(b)
}
