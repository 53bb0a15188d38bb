package dumper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/dukerupert/archivist/internal/config"
)

// PgAdmin connects to the maintenance database to drop and recreate the
// target database.
type PgAdmin struct {
	cfg config.DatabaseConfig
}

func NewPgAdmin(cfg config.DatabaseConfig) *PgAdmin {
	return &PgAdmin{cfg: cfg}
}

// Recreate terminates other sessions on database, drops it and creates it
// empty.
func (a *PgAdmin) Recreate(ctx context.Context, database string) error {
	if database == "" {
		return errors.New("empty database name")
	}
	if database == a.cfg.AdminDatabase {
		return fmt.Errorf("refusing to recreate the admin database %q", database)
	}

	conn, err := pgx.Connect(ctx, a.connString())
	if err != nil {
		return fmt.Errorf("connect to %s: %w", a.cfg.AdminDatabase, err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, database); err != nil {
		return fmt.Errorf("terminate connections: %w", err)
	}

	ident := pgx.Identifier{database}.Sanitize()
	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

func (a *PgAdmin) connString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(a.cfg.User, a.cfg.Password),
		Host:   net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port)),
		Path:   "/" + a.cfg.AdminDatabase,
	}
	if a.cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {a.cfg.SSLMode}}.Encode()
	}
	return u.String()
}
