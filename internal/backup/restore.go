package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/model"
)

// Restore downloads a completed archive, replays its dump into the source
// database and, when asked, pushes the bundled objects back into the
// application bucket. On success the record becomes RESTORED; on failure
// its status is left as it was.
func (m *Manager) Restore(ctx context.Context, id string, opts model.RestoreOptions) (*model.Backup, error) {
	b, err := m.store.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BackupStatusCompleted {
		return nil, fmt.Errorf("restore %s: status %s: %w", id, b.Status, ErrInvalidState)
	}
	if opts.RestoreFiles && m.mirror == nil {
		return nil, errors.New("restore files: application bucket is not configured")
	}

	log := m.logger.With(zap.String("id", id), zap.String("name", b.Name))
	log.Info("restore started",
		zap.Bool("drop_existing", opts.DropExisting),
		zap.Bool("restore_files", opts.RestoreFiles),
	)

	meta, err := m.restore(ctx, b, opts, log)
	if err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		log.Error("restore failed", zap.Error(err))
		return nil, err
	}

	restored := model.BackupStatusRestored
	b, err = m.store.Update(ctx, id, model.BackupUpdate{Status: &restored, Metadata: meta})
	if err != nil {
		return nil, fmt.Errorf("mark restored: %w", err)
	}
	restoresTotal.WithLabelValues("restored").Inc()
	m.notify(b)
	log.Info("restore completed")
	return b, nil
}

func (m *Manager) restore(ctx context.Context, b *model.Backup, opts model.RestoreOptions, log *zap.Logger) (map[string]any, error) {
	tmp, err := os.MkdirTemp(m.cfg.Dir, "restore-*")
	if err != nil {
		return nil, fmt.Errorf("create restore dir: %w", err)
	}
	defer m.removeTemp(tmp)

	local := filepath.Join(tmp, filepath.Base(b.RemoteKey))
	if _, err := m.blobs.FGet(ctx, b.RemoteKey, local); err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}

	extracted := filepath.Join(tmp, "extract")
	if err := archive.Extract(local, extracted); err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}

	if err := m.dumper.Restore(ctx, filepath.Join(extracted, archive.DatabaseEntry), opts.DropExisting); err != nil {
		return nil, err
	}

	meta := map[string]any{
		"lastRestoredAt": m.clock.Now().UTC().Format(time.RFC3339),
		"dropExisting":   opts.DropExisting,
	}
	if !opts.RestoreFiles {
		return meta, nil
	}

	bundle := filepath.Join(extracted, archive.FilesEntry)
	if _, err := os.Stat(bundle); errors.Is(err, os.ErrNotExist) {
		log.Warn("archive has no files bundle, skipping file restore")
		return meta, nil
	}
	res, err := m.mirror.Restore(ctx, bundle, filepath.Join(tmp, "files"))
	if err != nil {
		return nil, fmt.Errorf("restore files: %w", err)
	}
	meta["restoredObjects"] = res.Objects
	meta["skippedObjects"] = res.Skipped
	return meta, nil
}
