// Package store persists backup records. SQLStore keeps them in a sqlite
// table and JSONStore in a flat JSON document; both satisfy Store with the
// same ordering, filtering and pagination rules.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/dukerupert/archivist/internal/model"
)

var (
	ErrNotFound = errors.New("backup not found")
	ErrExists   = errors.New("backup already exists")
)

type Store interface {
	Create(ctx context.Context, b *model.Backup) error
	Update(ctx context.Context, id string, u model.BackupUpdate) (*model.Backup, error)
	FindOne(ctx context.Context, id string) (*model.Backup, error)
	// FindMany returns records newest first. page starts at 1; limit <= 0
	// returns every match.
	FindMany(ctx context.Context, f model.BackupFilter, page, limit int) ([]model.Backup, error)
	Count(ctx context.Context, f model.BackupFilter) (int64, error)
	Delete(ctx context.Context, id string) error
	Statistics(ctx context.Context) (*model.Statistics, error)
	ExportAll(ctx context.Context) ([]model.Backup, error)
	// ImportMany upserts records by id, the incoming record winning.
	ImportMany(ctx context.Context, backups []model.Backup) (int, error)
}

// Migrate copies every record from src into dst.
func Migrate(ctx context.Context, dst, src Store) (int, error) {
	backups, err := src.ExportAll(ctx)
	if err != nil {
		return 0, err
	}
	return dst.ImportMany(ctx, backups)
}

func sortBackups(backups []model.Backup) {
	sort.SliceStable(backups, func(i, j int) bool {
		a, b := backups[i], backups[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func matches(b *model.Backup, f model.BackupFilter) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(b.Name), q) && !strings.Contains(strings.ToLower(b.Description), q) {
			return false
		}
	}
	return true
}

// bounds turns page/limit into an offset. ok is false when limit is
// unbounded.
func bounds(page, limit int) (offset int, ok bool) {
	if limit <= 0 {
		return 0, false
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit, true
}

func paginate(backups []model.Backup, page, limit int) []model.Backup {
	offset, ok := bounds(page, limit)
	if !ok {
		return backups
	}
	if offset >= len(backups) {
		return []model.Backup{}
	}
	end := min(offset+limit, len(backups))
	return backups[offset:end]
}

// summarize builds Statistics from a full record set.
func summarize(backups []model.Backup) *model.Statistics {
	st := model.NewStatistics()
	var completed int64
	for i := range backups {
		b := &backups[i]
		st.Total++
		st.ByStatus[b.Status]++
		st.ByType[b.Type]++
		if b.Status != model.BackupStatusCompleted {
			continue
		}
		if b.FileSize != nil {
			st.TotalSize += *b.FileSize
			completed++
		}
		if st.LatestCompleted == nil || completedAfter(b, st.LatestCompleted) {
			st.LatestCompleted = b.Clone()
		}
	}
	if completed > 0 {
		st.AverageSize = float64(st.TotalSize) / float64(completed)
	}
	return st
}

func completedAfter(a, b *model.Backup) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	if b.CompletedAt != nil {
		bt = *b.CompletedAt
	}
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID < b.ID
}
