package model

import (
	"maps"
	"time"
)

type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "PENDING"
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
	BackupStatusRestored   BackupStatus = "RESTORED"
	BackupStatusCancelled  BackupStatus = "CANCELLED"
)

// BackupStatuses lists every status in lifecycle order.
var BackupStatuses = []BackupStatus{
	BackupStatusPending,
	BackupStatusInProgress,
	BackupStatusCompleted,
	BackupStatusFailed,
	BackupStatusRestored,
	BackupStatusCancelled,
}

// HasArtifacts reports whether a record in this status owns an archive and
// a remote object.
func (s BackupStatus) HasArtifacts() bool {
	return s == BackupStatusCompleted || s == BackupStatusRestored
}

type BackupType string

const (
	BackupTypeManual    BackupType = "MANUAL"
	BackupTypeScheduled BackupType = "SCHEDULED"
)

var BackupTypes = []BackupType{BackupTypeManual, BackupTypeScheduled}

type Backup struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       BackupStatus   `json:"status"`
	Type         BackupType     `json:"type"`
	FileSize     *int64         `json:"fileSize,omitempty"`
	FilePath     string         `json:"filePath,omitempty"`
	RemoteBucket string         `json:"remoteBucket,omitempty"`
	RemoteKey    string         `json:"remoteKey,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a deep enough copy that callers may mutate freely.
func (b *Backup) Clone() *Backup {
	c := *b
	if b.FileSize != nil {
		v := *b.FileSize
		c.FileSize = &v
	}
	if b.CompletedAt != nil {
		v := *b.CompletedAt
		c.CompletedAt = &v
	}
	if b.Metadata != nil {
		c.Metadata = maps.Clone(b.Metadata)
	}
	return &c
}

// BackupUpdate is a partial update. Nil fields are left untouched; Metadata
// keys are merged into the existing document.
type BackupUpdate struct {
	Status       *BackupStatus
	FileSize     *int64
	FilePath     *string
	RemoteBucket *string
	RemoteKey    *string
	ErrorMessage *string
	CompletedAt  *time.Time
	Metadata     map[string]any
}

// Apply writes the update onto b and stamps UpdatedAt.
func (u BackupUpdate) Apply(b *Backup, now time.Time) {
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.FileSize != nil {
		v := *u.FileSize
		b.FileSize = &v
	}
	if u.FilePath != nil {
		b.FilePath = *u.FilePath
	}
	if u.RemoteBucket != nil {
		b.RemoteBucket = *u.RemoteBucket
	}
	if u.RemoteKey != nil {
		b.RemoteKey = *u.RemoteKey
	}
	if u.ErrorMessage != nil {
		b.ErrorMessage = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		b.CompletedAt = &v
	}
	if len(u.Metadata) > 0 {
		if b.Metadata == nil {
			b.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(b.Metadata, u.Metadata)
	}
	b.UpdatedAt = now
}

// BackupFilter narrows FindMany and Count. Zero values match everything.
type BackupFilter struct {
	Status BackupStatus
	Type   BackupType
	Search string
}

// Statistics aggregates the whole store.
type Statistics struct {
	Total           int64                  `json:"total"`
	ByStatus        map[BackupStatus]int64 `json:"byStatus"`
	ByType          map[BackupType]int64   `json:"byType"`
	TotalSize       int64                  `json:"totalSize"`
	AverageSize     float64                `json:"averageSize"`
	LatestCompleted *Backup                `json:"latestCompleted,omitempty"`
}

// NewStatistics returns Statistics with every status and type present.
func NewStatistics() *Statistics {
	st := &Statistics{
		ByStatus: make(map[BackupStatus]int64, len(BackupStatuses)),
		ByType:   make(map[BackupType]int64, len(BackupTypes)),
	}
	for _, s := range BackupStatuses {
		st.ByStatus[s] = 0
	}
	for _, t := range BackupTypes {
		st.ByType[t] = 0
	}
	return st
}

type RestoreOptions struct {
	DropExisting bool `json:"dropExisting"`
	RestoreFiles bool `json:"restoreFiles"`
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	Deleted int      `json:"deletedCount"`
	Errors  []string `json:"errors"`
}
