package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archivist",
		Name:      "backups_total",
		Help:      "Finished backup pipelines by outcome.",
	}, []string{"status"})

	backupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "archivist",
		Name:      "backup_duration_seconds",
		Help:      "Wall time of successful backup pipelines.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	inProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivist",
		Name:      "backups_in_progress",
		Help:      "Backup pipelines currently running.",
	})

	lastBackupSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivist",
		Name:      "last_backup_size_bytes",
		Help:      "Archive size of the most recent successful backup.",
	})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivist",
		Name:      "last_backup_success_timestamp_seconds",
		Help:      "Unix time of the most recent successful backup.",
	})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archivist",
		Name:      "restores_total",
		Help:      "Restore attempts by outcome.",
	}, []string{"result"})

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archivist",
		Name:      "validations_total",
		Help:      "Archive validations by outcome.",
	}, []string{"result"})

	deletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archivist",
		Name:      "backups_deleted_total",
		Help:      "Backups deleted together with their artifacts.",
	})
)
