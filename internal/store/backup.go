package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/archivist/internal/model"
)

// timeLayout keeps a fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const backupColumns = `id, name, description, status, type, file_size, file_path, remote_bucket,
	remote_key, error_message, metadata, created_at, updated_at, completed_at`

// SQLStore keeps backup records in the sqlite backups table.
type SQLStore struct {
	db *sql.DB

	// Now stamps UpdatedAt on updates.
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, Now: time.Now}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) Create(ctx context.Context, b *model.Backup) error {
	if b.ID == "" {
		return errors.New("create backup: empty id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer tx.Rollback()

	if _, err := getBackup(ctx, tx, b.ID); err == nil {
		return fmt.Errorf("create backup %s: %w", b.ID, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := upsertBackup(ctx, tx, b); err != nil {
		return fmt.Errorf("create backup %s: %w", b.ID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) Update(ctx context.Context, id string, u model.BackupUpdate) (*model.Backup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update backup: %w", err)
	}
	defer tx.Rollback()

	b, err := getBackup(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	u.Apply(b, s.Now().UTC())
	if err := upsertBackup(ctx, tx, b); err != nil {
		return nil, fmt.Errorf("update backup %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update backup %s: %w", id, err)
	}
	return b, nil
}

func (s *SQLStore) FindOne(ctx context.Context, id string) (*model.Backup, error) {
	return getBackup(ctx, s.db, id)
}

func (s *SQLStore) FindMany(ctx context.Context, f model.BackupFilter, page, limit int) ([]model.Backup, error) {
	where, args := filterClause(f)
	query := `SELECT ` + backupColumns + ` FROM backups` + where + ` ORDER BY created_at DESC, id ASC`
	if offset, ok := bounds(page, limit); ok {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	return s.list(ctx, query, args...)
}

func (s *SQLStore) Count(ctx context.Context, f model.BackupFilter) (int64, error) {
	where, args := filterClause(f)
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backups`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count backups: %w", err)
	}
	return count, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete backup %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Statistics(ctx context.Context) (*model.Statistics, error) {
	st := model.NewStatistics()

	if err := s.countGroups(ctx, st); err != nil {
		return nil, err
	}

	var sized int64
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(file_size), SUM(file_size) FROM backups WHERE status = ?`,
		model.BackupStatusCompleted,
	).Scan(&sized, &total); err != nil {
		return nil, fmt.Errorf("backup size statistics: %w", err)
	}
	st.TotalSize = total.Int64
	if sized > 0 {
		st.AverageSize = float64(st.TotalSize) / float64(sized)
	}

	latest, err := scanBackup(s.db.QueryRowContext(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE status = ?
		 ORDER BY COALESCE(completed_at, created_at) DESC, id ASC LIMIT 1`,
		model.BackupStatusCompleted,
	))
	switch {
	case err == nil:
		st.LatestCompleted = latest
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("latest completed backup: %w", err)
	}
	return st, nil
}

func (s *SQLStore) countGroups(ctx context.Context, st *model.Statistics) error {
	rows, err := s.db.QueryContext(ctx, `SELECT status, type, COUNT(*) FROM backups GROUP BY status, type`)
	if err != nil {
		return fmt.Errorf("backup statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.BackupStatus
		var typ model.BackupType
		var n int64
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return fmt.Errorf("scan statistics: %w", err)
		}
		st.Total += n
		st.ByStatus[status] += n
		st.ByType[typ] += n
	}
	return rows.Err()
}

func (s *SQLStore) ExportAll(ctx context.Context) ([]model.Backup, error) {
	return s.list(ctx, `SELECT `+backupColumns+` FROM backups ORDER BY created_at DESC, id ASC`)
}

func (s *SQLStore) ImportMany(ctx context.Context, backups []model.Backup) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("import backups: %w", err)
	}
	defer tx.Rollback()

	for i := range backups {
		if backups[i].ID == "" {
			return 0, fmt.Errorf("import backups: record %d has no id", i)
		}
		if err := upsertBackup(ctx, tx, &backups[i]); err != nil {
			return 0, fmt.Errorf("import backup %s: %w", backups[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("import backups: %w", err)
	}
	return len(backups), nil
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]model.Backup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	backups := []model.Backup{}
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func filterClause(f model.BackupFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		conds = append(conds, `(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func getBackup(ctx context.Context, q querier, id string) (*model.Backup, error) {
	b, err := scanBackup(q.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, err)
	}
	return b, nil
}

func upsertBackup(ctx context.Context, q querier, b *model.Backup) error {
	meta := []byte("{}")
	if len(b.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(b.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	var completedAt *string
	if b.CompletedAt != nil {
		v := formatTime(*b.CompletedAt)
		completedAt = &v
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO backups (`+backupColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			type = excluded.type,
			file_size = excluded.file_size,
			file_path = excluded.file_path,
			remote_bucket = excluded.remote_bucket,
			remote_key = excluded.remote_key,
			error_message = excluded.error_message,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		b.ID, b.Name, b.Description, b.Status, b.Type, b.FileSize, b.FilePath, b.RemoteBucket,
		b.RemoteKey, b.ErrorMessage, string(meta), formatTime(b.CreatedAt), formatTime(b.UpdatedAt), completedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*model.Backup, error) {
	var (
		b                    model.Backup
		fileSize             sql.NullInt64
		meta                 string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Description, &b.Status, &b.Type, &fileSize, &b.FilePath,
		&b.RemoteBucket, &b.RemoteKey, &b.ErrorMessage, &meta, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	if fileSize.Valid {
		b.FileSize = &fileSize.Int64
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", b.ID, err)
		}
	}
	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		b.CompletedAt = &t
	}
	return &b, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
