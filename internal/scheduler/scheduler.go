// Package scheduler runs the daily backup and the weekly retention sweep on
// cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/backup"
	"github.com/dukerupert/archivist/internal/config"
	"github.com/dukerupert/archivist/internal/model"
)

// Backups is the part of the backup manager the scheduler drives.
type Backups interface {
	CreateBackup(ctx context.Context, req backup.CreateRequest) (*model.Backup, error)
	CleanupExpired(ctx context.Context, retention time.Duration) (*model.CleanupResult, error)
}

// Job names.
const (
	JobCreate  = "create"
	JobCleanup = "cleanup"
)

// Entry describes one registered job.
type Entry struct {
	Job  string
	Spec string
	Next time.Time
}

type Scheduler struct {
	cron      *cron.Cron
	backups   Backups
	retention time.Duration
	loc       *time.Location
	logger    *zap.Logger
	now       func() time.Time

	specs map[cron.EntryID]Entry
}

// New registers both jobs. Nothing runs until Start.
func New(cfg config.ScheduleConfig, retention time.Duration, backups Backups, logger *zap.Logger) (*Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger.Sugar()}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		backups:   backups,
		retention: retention,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
		specs:     make(map[cron.EntryID]Entry),
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{JobCreate, cfg.Create, func() { s.RunCreate(context.Background()) }},
		{JobCleanup, cfg.Cleanup, func() { s.RunCleanup(context.Background()) }},
	}
	for _, j := range jobs {
		id, err := s.cron.AddFunc(j.spec, j.fn)
		if err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
		s.specs[id] = Entry{Job: j.name, Spec: j.spec}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.Entries() {
		s.logger.Info("job scheduled",
			zap.String("job", e.Job),
			zap.String("spec", e.Spec),
			zap.Time("next", e.Next),
		)
	}
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists the registered jobs with their next run time.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.cron.Entries() {
		entry := s.specs[e.ID]
		entry.Next = e.Next
		out = append(out, entry)
	}
	return out
}

// RunCreate starts a SCHEDULED backup. Errors are logged and returned.
func (s *Scheduler) RunCreate(ctx context.Context) (*model.Backup, error) {
	day := s.now().In(s.loc).Format("2006-01-02")
	b, err := s.backups.CreateBackup(ctx, backup.CreateRequest{
		Name:        "Scheduled backup " + day,
		Description: "Automatic daily backup",
		Type:        model.BackupTypeScheduled,
		Metadata:    map[string]any{"schedule": "daily"},
	})
	if err != nil {
		s.logger.Error("scheduled backup not started", zap.Error(err))
		return nil, err
	}
	s.logger.Info("scheduled backup started", zap.String("id", b.ID))
	return b, nil
}

// RunCleanup deletes COMPLETED backups older than the retention period.
func (s *Scheduler) RunCleanup(ctx context.Context) (*model.CleanupResult, error) {
	res, err := s.backups.CleanupExpired(ctx, s.retention)
	if err != nil {
		s.logger.Error("scheduled cleanup failed", zap.Error(err))
		return nil, err
	}
	for _, e := range res.Errors {
		s.logger.Warn("scheduled cleanup could not delete backup", zap.String("error", e))
	}
	s.logger.Info("scheduled cleanup finished", zap.Int("deleted", res.Deleted))
	return res, nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
