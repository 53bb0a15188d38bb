// Package dumper dumps and restores the PostgreSQL database being backed up
// by shelling out to pg_dump and psql.
package dumper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/config"
)

// Runner executes an external command. env is appended to the current
// process environment.
type Runner interface {
	Run(ctx context.Context, name string, args []string, env []string) error
}

// ExecRunner runs commands with os/exec and folds stderr into the error.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Admin recreates the target database before a destructive restore.
type Admin interface {
	Recreate(ctx context.Context, database string) error
}

// Postgres dumps to and restores from plain SQL files.
type Postgres struct {
	cfg    config.DatabaseConfig
	runner Runner
	admin  Admin
	logger *zap.Logger
}

// NewPostgres returns a Postgres dumper. admin may be nil, in which case
// restores that ask to drop the existing database fail.
func NewPostgres(cfg config.DatabaseConfig, runner Runner, admin Admin, logger *zap.Logger) *Postgres {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Postgres{
		cfg:    cfg,
		runner: runner,
		admin:  admin,
		logger: logger.With(zap.String("component", "dumper"), zap.String("database", cfg.Name)),
	}
}

// Database returns the name of the database being dumped.
func (p *Postgres) Database() string {
	return p.cfg.Name
}

// Dump writes a plain SQL dump of the database to dst.
func (p *Postgres) Dump(ctx context.Context, dst string) error {
	if p.cfg.Name == "" {
		return errors.New("dump: database name is not configured")
	}
	args := append(p.connArgs(), "--no-owner", "--no-privileges", "-f", dst)
	if err := p.runner.Run(ctx, p.cfg.DumpCommand, args, p.env()); err != nil {
		return fmt.Errorf("dump database: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("dump database: no output: %w", err)
	}
	p.logger.Info("database dumped", zap.String("file", dst), zap.Int64("size", info.Size()))
	return nil
}

// Restore loads the SQL file at src. When dropExisting is set the database
// is dropped and recreated first.
func (p *Postgres) Restore(ctx context.Context, src string, dropExisting bool) error {
	if p.cfg.Name == "" {
		return errors.New("restore: database name is not configured")
	}
	if dropExisting {
		if p.admin == nil {
			return errors.New("restore: dropping the existing database requires an admin connection")
		}
		if err := p.admin.Recreate(ctx, p.cfg.Name); err != nil {
			return fmt.Errorf("recreate database: %w", err)
		}
		p.logger.Info("database recreated")
	}

	args := append(p.connArgs(), "-v", "ON_ERROR_STOP=1", "-f", src)
	if err := p.runner.Run(ctx, p.cfg.RestoreCommand, args, p.env()); err != nil {
		return fmt.Errorf("restore database: %w", err)
	}
	p.logger.Info("database restored", zap.String("file", src))
	return nil
}

func (p *Postgres) connArgs() []string {
	return []string{
		"-h", p.cfg.Host,
		"-p", strconv.Itoa(p.cfg.Port),
		"-U", p.cfg.User,
		"-d", p.cfg.Name,
	}
}

func (p *Postgres) env() []string {
	env := []string{"PGPASSWORD=" + p.cfg.Password}
	if p.cfg.SSLMode != "" {
		env = append(env, "PGSSLMODE="+p.cfg.SSLMode)
	}
	return env
}
