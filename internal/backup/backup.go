// Package backup orchestrates the backup lifecycle: the detached create
// pipeline, restores, deletion, validation and retention sweeps.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dukerupert/archivist/internal/archive"
	"github.com/dukerupert/archivist/internal/mirror"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/store"
)

// ErrInvalidState is returned when a record's status does not allow the
// requested operation.
var ErrInvalidState = errors.New("invalid backup state")

var errShutdown = errors.New("backup manager is shut down")

// Dumper dumps and restores the source database.
type Dumper interface {
	Database() string
	Dump(ctx context.Context, dst string) error
	Restore(ctx context.Context, src string, dropExisting bool) error
}

// Mirror snapshots and restores the application bucket.
type Mirror interface {
	Snapshot(ctx context.Context, dst string) (mirror.Result, error)
	Restore(ctx context.Context, bundlePath, workDir string) (mirror.Result, error)
}

// BlobStore is the durable store finished archives are uploaded to.
type BlobStore interface {
	Bucket() string
	EnsureBucket(ctx context.Context) error
	FPut(ctx context.Context, key, path string) (int64, error)
	FGet(ctx context.Context, key, path string) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, key string) error
}

// Clock is the time source for timestamps and retention.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds backup manager configuration.
type Config struct {
	Dir              string
	IncludeFiles     bool
	KeepWorkingFiles bool
	MaxConcurrent    int
}

// Event is reported to the StatusCallback whenever a record changes status.
type Event struct {
	BackupID string             `json:"backupId"`
	Name     string             `json:"name"`
	Status   model.BackupStatus `json:"status"`
	Error    string             `json:"error,omitempty"`
	At       time.Time          `json:"at"`
}

// StatusCallback is called whenever a backup changes status.
type StatusCallback func(Event)

type Option func(*Manager)

// WithMirror enables snapshotting the application bucket.
func WithMirror(mr Mirror) Option {
	return func(m *Manager) { m.mirror = mr }
}

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(m *Manager) { m.callback = cb }
}

// CreateRequest describes a backup to start.
type CreateRequest struct {
	Name        string
	Description string
	Metadata    map[string]any
	Type        model.BackupType
}

// Manager drives backups. Create pipelines run on goroutines owned by the
// Manager, at most MaxConcurrent at a time.
type Manager struct {
	cfg      Config
	store    store.Store
	dumper   Dumper
	mirror   Mirror
	blobs    BlobStore
	builder  *archive.Builder
	clock    Clock
	callback StatusCallback
	logger   *zap.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewManager creates the backup directory and returns a Manager.
func NewManager(cfg Config, st store.Store, d Dumper, blobs BlobStore, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup dir is required")
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		store:  st,
		dumper: d,
		blobs:  blobs,
		clock:  realClock{},
		logger: logger.With(zap.String("component", "backup")),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.builder = archive.NewBuilder(d.Database())
	m.builder.Now = m.clock.Now
	return m, nil
}

// CreateBackup persists a PENDING record and starts its pipeline in the
// background. The returned record is the PENDING snapshot; pipeline
// failures are recorded on the record, never returned here.
func (m *Manager) CreateBackup(ctx context.Context, req CreateRequest) (*model.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errShutdown
	}

	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("backup name is required")
	}
	typ := req.Type
	if typ == "" {
		typ = model.BackupTypeManual
	}
	if typ != model.BackupTypeManual && typ != model.BackupTypeScheduled {
		return nil, fmt.Errorf("unknown backup type %q", typ)
	}

	now := m.clock.Now().UTC()
	b := &model.Backup{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      model.BackupStatusPending,
		Type:        typ,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	m.notify(b)

	m.wg.Add(1)
	go m.run(b.ID)

	return b.Clone(), nil
}

// run is the detached body of a create pipeline. It runs on its own
// context; once started a pipeline runs to completion.
func (m *Manager) run(id string) {
	defer m.wg.Done()
	ctx := context.Background()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(ctx, id, err)
		return
	}
	defer m.sem.Release(1)

	m.runPipeline(ctx, id)
}

// Shutdown stops accepting new backups and waits for running pipelines.
// Pipelines are not cancelled; ctx only bounds the wait.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns one record.
func (m *Manager) Get(ctx context.Context, id string) (*model.Backup, error) {
	return m.store.FindOne(ctx, id)
}

// List returns one page of records and the total number of matches.
func (m *Manager) List(ctx context.Context, f model.BackupFilter, page, limit int) ([]model.Backup, int64, error) {
	items, err := m.store.FindMany(ctx, f, page, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.store.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (m *Manager) Statistics(ctx context.Context) (*model.Statistics, error) {
	return m.store.Statistics(ctx)
}

// Download streams a completed archive from the blob store.
func (m *Manager) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	b, err := m.store.FindOne(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if b.Status != model.BackupStatusCompleted {
		return nil, 0, fmt.Errorf("download %s: status %s: %w", id, b.Status, ErrInvalidState)
	}
	body, size, err := m.blobs.Get(ctx, b.RemoteKey)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", id, err)
	}
	return body, size, nil
}

// Validate downloads the archive of a record and checks its structure.
func (m *Manager) Validate(ctx context.Context, id string) error {
	b, err := m.store.FindOne(ctx, id)
	if err != nil {
		return err
	}
	if !b.Status.HasArtifacts() {
		return fmt.Errorf("validate %s: status %s: %w", id, b.Status, ErrInvalidState)
	}

	tmp, err := os.MkdirTemp(m.cfg.Dir, "validate-*")
	if err != nil {
		return fmt.Errorf("create validate dir: %w", err)
	}
	defer m.removeTemp(tmp)

	local := filepath.Join(tmp, filepath.Base(b.RemoteKey))
	if _, err := m.blobs.FGet(ctx, b.RemoteKey, local); err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	if err := archive.Verify(local); err != nil {
		validationsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	validationsTotal.WithLabelValues("valid").Inc()
	return nil
}

// Delete removes the local archive, the remote object and then the record.
// Artifacts that are already gone are fine. If any other artifact error
// occurs the record is kept so the delete can be retried. PENDING and
// IN_PROGRESS records belong to a running pipeline and are rejected.
func (m *Manager) Delete(ctx context.Context, id string) error {
	b, err := m.store.FindOne(ctx, id)
	if err != nil {
		return err
	}
	if b.Status == model.BackupStatusPending || b.Status == model.BackupStatusInProgress {
		return fmt.Errorf("delete %s: status %s: %w", id, b.Status, ErrInvalidState)
	}
	return m.remove(ctx, b)
}

// ForceDelete deletes a record whatever its status. It is meant for
// PENDING and IN_PROGRESS records left behind by a process that died
// mid-pipeline.
func (m *Manager) ForceDelete(ctx context.Context, id string) error {
	b, err := m.store.FindOne(ctx, id)
	if err != nil {
		return err
	}
	return m.remove(ctx, b)
}

func (m *Manager) remove(ctx context.Context, b *model.Backup) error {
	id := b.ID
	var errs []error
	for _, p := range m.localArtifacts(b) {
		if err := m.removeLocal(p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	if b.RemoteKey != "" {
		if err := m.blobs.Remove(ctx, b.RemoteKey); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("delete backup %s: %w", id, errors.Join(errs...))
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	deletedTotal.Inc()
	m.logger.Info("backup deleted", zap.String("id", id), zap.String("name", b.Name))
	return nil
}

func (m *Manager) localArtifacts(b *model.Backup) []string {
	var paths []string
	if b.FilePath != "" {
		paths = append(paths, b.FilePath)
	}
	if folder, _ := b.Metadata[store.FolderKey].(string); folder != "" {
		paths = append(paths, filepath.Join(m.cfg.Dir, filepath.Base(folder)))
	}
	return paths
}

// removeLocal deletes p. Directories are only removed recursively when
// they sit inside the backup dir.
func (m *Manager) removeLocal(p string) error {
	if m.inBackupDir(p) {
		return os.RemoveAll(p)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Manager) inBackupDir(p string) bool {
	dir, err := filepath.Abs(m.cfg.Dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func (m *Manager) removeTemp(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to remove temp dir", zap.String("dir", dir), zap.Error(err))
	}
}

// notify reports b to the status callback. A panicking callback is logged
// and otherwise ignored; it must not change the outcome of the pipeline.
func (m *Manager) notify(b *model.Backup) {
	if m.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status callback panicked",
				zap.String("id", b.ID),
				zap.String("status", string(b.Status)),
				zap.Any("panic", r),
			)
		}
	}()
	m.callback(Event{
		BackupID: b.ID,
		Name:     b.Name,
		Status:   b.Status,
		Error:    b.ErrorMessage,
		At:       b.UpdatedAt,
	})
}
