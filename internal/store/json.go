package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/model"
)

// DocumentVersion is written to the top of the JSON document.
const DocumentVersion = "1.0.0"

type document struct {
	Version     string         `json:"version"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Backups     []model.Backup `json:"backups"`
}

// JSONStore keeps every record in one JSON document. Each mutation loads
// the whole document, changes it in memory and atomically rewrites it. The
// mutex serializes writers inside this process only; two processes sharing
// the file can lose updates.
type JSONStore struct {
	mu     sync.Mutex
	path   string
	dir    string
	logger *zap.Logger

	// Now stamps UpdatedAt and lastUpdated.
	Now func() time.Time
}

// NewJSONStore stores records at path. backupDir is scanned by
// RebuildFromArtifacts.
func NewJSONStore(path, backupDir string, logger *zap.Logger) *JSONStore {
	return &JSONStore{
		path:   path,
		dir:    backupDir,
		logger: logger.With(zap.String("component", "store"), zap.String("file", path)),
		Now:    time.Now,
	}
}

// Path returns the document location.
func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) Create(_ context.Context, b *model.Backup) error {
	if b.ID == "" {
		return errors.New("create backup: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	if indexOf(doc.Backups, b.ID) >= 0 {
		return fmt.Errorf("create backup %s: %w", b.ID, ErrExists)
	}
	doc.Backups = append(doc.Backups, *b.Clone())
	return s.save(doc)
}

func (s *JSONStore) Update(_ context.Context, id string, u model.BackupUpdate) (*model.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	i := indexOf(doc.Backups, id)
	if i < 0 {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	u.Apply(&doc.Backups[i], s.Now().UTC())
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return doc.Backups[i].Clone(), nil
}

func (s *JSONStore) FindOne(_ context.Context, id string) (*model.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	i := indexOf(doc.Backups, id)
	if i < 0 {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	return &doc.Backups[i], nil
}

func (s *JSONStore) FindMany(_ context.Context, f model.BackupFilter, page, limit int) ([]model.Backup, error) {
	return paginate(s.filtered(f), page, limit), nil
}

func (s *JSONStore) Count(_ context.Context, f model.BackupFilter) (int64, error) {
	return int64(len(s.filtered(f))), nil
}

func (s *JSONStore) filtered(f model.BackupFilter) []model.Backup {
	s.mu.Lock()
	doc := s.load()
	s.mu.Unlock()

	sortBackups(doc.Backups)
	out := []model.Backup{}
	for i := range doc.Backups {
		if matches(&doc.Backups[i], f) {
			out = append(out, doc.Backups[i])
		}
	}
	return out
}

func (s *JSONStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	i := indexOf(doc.Backups, id)
	if i < 0 {
		return fmt.Errorf("delete backup %s: %w", id, ErrNotFound)
	}
	doc.Backups = append(doc.Backups[:i], doc.Backups[i+1:]...)
	return s.save(doc)
}

func (s *JSONStore) Statistics(_ context.Context) (*model.Statistics, error) {
	s.mu.Lock()
	doc := s.load()
	s.mu.Unlock()
	return summarize(doc.Backups), nil
}

func (s *JSONStore) ExportAll(_ context.Context) ([]model.Backup, error) {
	s.mu.Lock()
	doc := s.load()
	s.mu.Unlock()

	sortBackups(doc.Backups)
	return doc.Backups, nil
}

func (s *JSONStore) ImportMany(_ context.Context, backups []model.Backup) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	for i := range backups {
		if backups[i].ID == "" {
			return 0, fmt.Errorf("import backups: record %d has no id", i)
		}
		b := backups[i].Clone()
		if j := indexOf(doc.Backups, b.ID); j >= 0 {
			doc.Backups[j] = *b
		} else {
			doc.Backups = append(doc.Backups, *b)
		}
	}
	if err := s.save(doc); err != nil {
		return 0, err
	}
	return len(backups), nil
}

// load reads the document. A missing file is an empty store; an unreadable
// or corrupt one is logged, moved aside and also treated as empty.
func (s *JSONStore) load() *document {
	doc := &document{Version: DocumentVersion, Backups: []model.Backup{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc
	}
	if err != nil {
		s.logger.Error("failed to read backup metadata, starting empty", zap.Error(err))
		return doc
	}

	var parsed document
	if err := json.Unmarshal(data, &parsed); err != nil {
		aside := s.path + ".corrupt"
		s.logger.Error("backup metadata is corrupt, starting empty",
			zap.Error(err),
			zap.String("moved_to", aside),
		)
		if err := os.Rename(s.path, aside); err != nil {
			s.logger.Warn("failed to move corrupt metadata aside", zap.Error(err))
		}
		return doc
	}
	if parsed.Backups == nil {
		parsed.Backups = []model.Backup{}
	}
	return &parsed
}

// save writes doc to a temp file beside the target and renames it into
// place.
func (s *JSONStore) save(doc *document) error {
	doc.Version = DocumentVersion
	doc.LastUpdated = s.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup metadata: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".backups-*.json")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}

func indexOf(backups []model.Backup, id string) int {
	for i := range backups {
		if backups[i].ID == id {
			return i
		}
	}
	return -1
}
