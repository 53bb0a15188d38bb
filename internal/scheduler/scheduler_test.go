package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/archivist/internal/backup"
	"github.com/dukerupert/archivist/internal/config"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/testutil"
)

type fakeBackups struct {
	creates   []backup.CreateRequest
	retention []time.Duration
	createErr error
}

func (f *fakeBackups) CreateBackup(_ context.Context, req backup.CreateRequest) (*model.Backup, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, req)
	return &model.Backup{ID: "b1", Name: req.Name, Status: model.BackupStatusPending, Type: req.Type}, nil
}

func (f *fakeBackups) CleanupExpired(_ context.Context, retention time.Duration) (*model.CleanupResult, error) {
	f.retention = append(f.retention, retention)
	return &model.CleanupResult{Deleted: 1, Errors: []string{"x: boom"}}, nil
}

func defaultSchedule() config.ScheduleConfig {
	return config.ScheduleConfig{
		Enabled:  true,
		Create:   "0 2 * * *",
		Cleanup:  "0 3 * * 0",
		Timezone: "UTC",
	}
}

func TestRunCreate(t *testing.T) {
	fb := &fakeBackups{}
	s, err := New(defaultSchedule(), 30*24*time.Hour, fb, testutil.Logger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = testutil.NewClock().Now

	b, err := s.RunCreate(context.Background())
	if err != nil {
		t.Fatalf("RunCreate: %v", err)
	}
	if b.Status != model.BackupStatusPending {
		t.Errorf("status = %s, want PENDING", b.Status)
	}
	if len(fb.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(fb.creates))
	}
	req := fb.creates[0]
	if req.Type != model.BackupTypeScheduled {
		t.Errorf("type = %s, want SCHEDULED", req.Type)
	}
	if req.Name != "Scheduled backup 2024-01-15" {
		t.Errorf("name = %q", req.Name)
	}
	if req.Metadata["schedule"] != "daily" {
		t.Errorf("metadata = %v", req.Metadata)
	}
}

func TestRunCreateError(t *testing.T) {
	fb := &fakeBackups{createErr: errors.New("manager is shut down")}
	s, err := New(defaultSchedule(), time.Hour, fb, testutil.Logger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunCreate(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestRunCleanupUsesRetention(t *testing.T) {
	fb := &fakeBackups{}
	s, err := New(defaultSchedule(), 7*24*time.Hour, fb, testutil.Logger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := s.RunCleanup(context.Background())
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", res.Deleted)
	}
	if len(fb.retention) != 1 || fb.retention[0] != 7*24*time.Hour {
		t.Errorf("retention = %v", fb.retention)
	}
}

func TestEntries(t *testing.T) {
	s, err := New(defaultSchedule(), time.Hour, &fakeBackups{}, testutil.Logger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	jobs := map[string]Entry{}
	for _, e := range entries {
		jobs[e.Job] = e
	}
	create, ok := jobs[JobCreate]
	if !ok || create.Spec != "0 2 * * *" {
		t.Errorf("create entry = %+v", create)
	}
	if create.Next.IsZero() || create.Next.UTC().Hour() != 2 {
		t.Errorf("next create run = %v", create.Next)
	}
	cleanup := jobs[JobCleanup]
	if cleanup.Next.Weekday() != time.Sunday {
		t.Errorf("next cleanup run = %v, want a Sunday", cleanup.Next)
	}
}

func TestNewRejectsBadSpecs(t *testing.T) {
	cfg := defaultSchedule()
	cfg.Create = "every day"
	if _, err := New(cfg, time.Hour, &fakeBackups{}, testutil.Logger(t)); err == nil {
		t.Error("expected error for bad create spec")
	}

	cfg = defaultSchedule()
	cfg.Timezone = "Mars/Olympus"
	if _, err := New(cfg, time.Hour, &fakeBackups{}, testutil.Logger(t)); err == nil {
		t.Error("expected error for bad timezone")
	}
}
