package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/backup"
	"github.com/dukerupert/archivist/internal/blob"
	"github.com/dukerupert/archivist/internal/config"
	"github.com/dukerupert/archivist/internal/database"
	"github.com/dukerupert/archivist/internal/dumper"
	"github.com/dukerupert/archivist/internal/logging"
	"github.com/dukerupert/archivist/internal/mirror"
	"github.com/dukerupert/archivist/internal/store"
)

// app holds what every command shares.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store

	closers []func() error
}

func loadApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	st, err := a.openStore(cfg.Metadata.Backend)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	return a, nil
}

// openStore opens the metadata store for backend. The caller's app closes it.
func (a *app) openStore(backend string) (store.Store, error) {
	switch backend {
	case config.BackendSQL:
		db, err := database.Open(a.cfg.Metadata.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open metadata database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return store.NewSQLStore(db), nil
	case config.BackendFile:
		return store.NewJSONStore(a.cfg.Metadata.File, a.cfg.Backup.Dir, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", backend)
	}
}

// manager wires the backup manager. The durable blob store is required;
// the application bucket mirror is optional.
func (a *app) manager() (*backup.Manager, error) {
	if !a.cfg.Storage.Enabled() {
		return nil, errors.New("storage is not configured: set storage.bucket, storage.access_key and storage.secret_key")
	}
	blobs := blob.New(a.cfg.Storage)
	d := dumper.NewPostgres(a.cfg.Database, dumper.ExecRunner{}, dumper.NewPgAdmin(a.cfg.Database), a.logger)

	opts := []backup.Option{
		backup.WithStatusCallback(func(e backup.Event) {
			a.logger.Debug("backup status changed",
				zap.String("id", e.BackupID),
				zap.String("status", string(e.Status)),
			)
		}),
	}
	if a.cfg.Backup.IncludeFiles && a.cfg.Mirror.Enabled() {
		opts = append(opts, backup.WithMirror(mirror.New(blob.New(a.cfg.Mirror), a.logger)))
	} else if a.cfg.Backup.IncludeFiles {
		a.logger.Info("application bucket is not configured, backups will contain the database only")
	}

	return backup.NewManager(backup.Config{
		Dir:              a.cfg.Backup.Dir,
		IncludeFiles:     a.cfg.Backup.IncludeFiles,
		KeepWorkingFiles: a.cfg.Backup.KeepWorkingFiles,
		MaxConcurrent:    a.cfg.Backup.MaxConcurrent,
	}, a.store, d, blobs, a.logger, opts...)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.logger.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
