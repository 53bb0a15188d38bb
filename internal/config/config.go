// Package config loads archivist settings from defaults, an optional YAML
// file and ARCHIVIST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ARCHIVIST"

// Metadata backends.
const (
	BackendSQL  = "sql"
	BackendFile = "file"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Database DatabaseConfig `mapstructure:"database"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Storage  S3Config       `mapstructure:"storage"`
	Mirror   S3Config       `mapstructure:"mirror"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type BackupConfig struct {
	Dir              string        `mapstructure:"dir"`
	IncludeFiles     bool          `mapstructure:"include_files"`
	KeepWorkingFiles bool          `mapstructure:"keep_working_files"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	Retention        time.Duration `mapstructure:"retention"`
}

// DatabaseConfig describes the PostgreSQL database being backed up.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"sslmode"`
	AdminDatabase  string `mapstructure:"admin_database"`
	DumpCommand    string `mapstructure:"dump_command"`
	RestoreCommand string `mapstructure:"restore_command"`
}

// MetadataConfig selects where backup records live.
type MetadataConfig struct {
	Backend string `mapstructure:"backend"`
	DBPath  string `mapstructure:"db_path"`
	File    string `mapstructure:"file"`
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// Enabled reports whether enough is set to build a client.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Create   string `mapstructure:"create"`
	Cleanup  string `mapstructure:"cleanup"`
	Timezone string `mapstructure:"timezone"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.include_files", true)
	v.SetDefault("backup.keep_working_files", false)
	v.SetDefault("backup.max_concurrent", 2)
	v.SetDefault("backup.retention", 30*24*time.Hour)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.admin_database", "postgres")
	v.SetDefault("database.dump_command", "pg_dump")
	v.SetDefault("database.restore_command", "psql")

	v.SetDefault("metadata.backend", BackendSQL)
	v.SetDefault("metadata.db_path", "archivist.db")
	v.SetDefault("metadata.file", "")

	for _, section := range []string{"storage", "mirror"} {
		v.SetDefault(section+".endpoint", "")
		v.SetDefault(section+".bucket", "")
		v.SetDefault(section+".region", "us-east-1")
		v.SetDefault(section+".access_key", "")
		v.SetDefault(section+".secret_key", "")
		v.SetDefault(section+".use_path_style", true)
	}
	v.SetDefault("storage.bucket", "backups")

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.create", "0 2 * * *")
	v.SetDefault("schedule.cleanup", "0 3 * * 0")
	v.SetDefault("schedule.timezone", "Local")

	v.SetDefault("metrics.addr", ":9090")
}

// Load reads configuration. An empty path skips the file and uses defaults
// plus the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Metadata.File == "" {
		cfg.Metadata.File = filepath.Join(cfg.Backup.Dir, "backups.json")
	}
	return &cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Backup.Dir == "" {
		errs = append(errs, errors.New("backup.dir is required"))
	}
	if c.Backup.MaxConcurrent < 1 {
		errs = append(errs, errors.New("backup.max_concurrent must be at least 1"))
	}
	if c.Backup.Retention <= 0 {
		errs = append(errs, errors.New("backup.retention must be positive"))
	}
	switch c.Metadata.Backend {
	case BackendSQL:
		if c.Metadata.DBPath == "" {
			errs = append(errs, errors.New("metadata.db_path is required for the sql backend"))
		}
	case BackendFile:
		if c.Metadata.File == "" {
			errs = append(errs, errors.New("metadata.file is required for the file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("metadata.backend %q: want %q or %q", c.Metadata.Backend, BackendSQL, BackendFile))
	}
	return errors.Join(errs...)
}

// Location resolves the schedule timezone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}
