package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/testutil"
)

func TestSQLStoreTimestampsKeepNanoseconds(t *testing.T) {
	s := NewSQLStore(testutil.NewDB(t))
	ctx := context.Background()

	created := time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.UTC)
	if err := s.Create(ctx, pending("a", "precise", created)); err != nil {
		t.Fatalf("create backup: %v", err)
	}

	got, err := s.FindOne(ctx, "a")
	if err != nil {
		t.Fatalf("find backup: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}
}

func TestSQLStoreOrdersAcrossFractionalSeconds(t *testing.T) {
	s := NewSQLStore(testutil.NewDB(t))
	ctx := context.Background()

	whole := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	frac := whole.Add(500 * time.Millisecond)
	if err := s.Create(ctx, pending("whole", "w", whole)); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := s.Create(ctx, pending("frac", "f", frac)); err != nil {
		t.Fatalf("create backup: %v", err)
	}

	items, err := s.FindMany(ctx, model.BackupFilter{}, 1, 0)
	if err != nil {
		t.Fatalf("find backups: %v", err)
	}
	if len(items) != 2 || items[0].ID != "frac" {
		t.Fatalf("order = %v, want frac first", ids(items))
	}
}

func TestSQLStoreUpdateStampsClock(t *testing.T) {
	s := NewSQLStore(testutil.NewDB(t))
	clock := testutil.NewClock(base.Add(time.Hour))
	s.Now = clock.Now
	ctx := context.Background()

	if err := s.Create(ctx, pending("a", "nightly", base)); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	status := model.BackupStatusInProgress
	got, err := s.Update(ctx, "a", model.BackupUpdate{Status: &status})
	if err != nil {
		t.Fatalf("update backup: %v", err)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, base.Add(time.Hour))
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("created_at changed to %v", got.CreatedAt)
	}
}

func TestSQLStoreDeleteNotFound(t *testing.T) {
	s := NewSQLStore(testutil.NewDB(t))
	err := s.Delete(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("delete missing = %v, want ErrNotFound", err)
	}
}

func ids(items []model.Backup) []string {
	out := make([]string, len(items))
	for i, b := range items {
		out[i] = b.ID
	}
	return out
}
