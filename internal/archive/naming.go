package archive

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Entry names inside a backup archive.
const (
	DatabaseEntry = "database.sql"
	FilesEntry    = "files.zip"
	MetadataEntry = "metadata.json"

	// FormatVersion is written to metadata.json.
	FormatVersion = "1.0.0"

	remotePrefix = "backups/"
)

var tokenPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})T(\d{2})-(\d{2})-(\d{2})-(\d{3})Z$`)

// Token renders t as an ISO-8601 UTC timestamp with ':' and '.' replaced by
// '-', e.g. 2024-01-15T02-00-00-000Z. Tokens sort chronologically.
func Token(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03dZ", t.Format("2006-01-02T15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// ParseToken is the inverse of Token.
func ParseToken(token string) (time.Time, error) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return time.Time{}, fmt.Errorf("malformed timestamp token %q", token)
	}
	ts, err := time.Parse(time.RFC3339Nano, fmt.Sprintf("%sT%s:%s:%s.%sZ", m[1], m[2], m[3], m[4], m[5]))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp token %q: %w", token, err)
	}
	return ts, nil
}

func DumpName(token string) string    { return "db-backup-" + token + ".sql" }
func FilesName(token string) string   { return "files-backup-" + token + ".zip" }
func ArchiveName(token string) string { return "backup-" + token + ".zip" }
func FolderName(token string) string  { return "backup-" + token }

// RemoteKey is the blob store key for an archive file name.
func RemoteKey(archiveName string) string {
	return remotePrefix + path.Base(archiveName)
}

// TokenFromArtifact extracts the timestamp token from an archive file name
// (backup-<token>.zip) or a per-backup folder name (backup-<token>). ok is
// false when name does not look like a backup artifact at all.
func TokenFromArtifact(name string) (token string, ok bool) {
	if !strings.HasPrefix(name, "backup-") {
		return "", false
	}
	token = strings.TrimSuffix(strings.TrimPrefix(name, "backup-"), ".zip")
	if token == "" {
		return "", false
	}
	return token, true
}
