package backup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/model"
)

// CleanupExpired deletes every COMPLETED backup created strictly before
// now minus retention. Per-backup failures are collected in the result and
// do not stop the sweep.
func (m *Manager) CleanupExpired(ctx context.Context, retention time.Duration) (*model.CleanupResult, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	cutoff := m.clock.Now().Add(-retention)
	m.logger.Info("retention sweep started", zap.Duration("retention", retention), zap.Time("cutoff", cutoff))
	return m.sweep(ctx, func(b *model.Backup) bool {
		return b.CreatedAt.Before(cutoff)
	})
}

// ForceCleanup deletes every COMPLETED backup regardless of age.
func (m *Manager) ForceCleanup(ctx context.Context) (*model.CleanupResult, error) {
	m.logger.Warn("forced cleanup started")
	return m.sweep(ctx, func(*model.Backup) bool { return true })
}

func (m *Manager) sweep(ctx context.Context, expired func(*model.Backup) bool) (*model.CleanupResult, error) {
	candidates, err := m.store.FindMany(ctx, model.BackupFilter{Status: model.BackupStatusCompleted}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("list completed backups: %w", err)
	}

	res := &model.CleanupResult{Errors: []string{}}
	for i := range candidates {
		b := &candidates[i]
		if !expired(b) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.Delete(ctx, b.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", b.ID, err))
			continue
		}
		res.Deleted++
	}

	m.logger.Info("retention sweep finished",
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}
