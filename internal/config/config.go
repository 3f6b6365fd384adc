// Package config loads the fieldsync configuration from fieldsync.yaml
// and the FIELDSYNC_* environment, with defaults suitable for a field
// device.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	// DataDir holds the local database, KV records, and photo blobs.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// SpoolDir is the capture directory watched for new photos.
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir"`

	// ActorID identifies the signed-in technician on queued actions.
	ActorID string `mapstructure:"actor_id" yaml:"actor_id"`

	// Role is the signed-in user's role, used by the initial snapshot
	// population.
	Role string `mapstructure:"role" yaml:"role"`

	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot" yaml:"snapshot"`
	Blob      BlobConfig      `mapstructure:"blob" yaml:"blob"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// RemoteConfig locates the backend.
type RemoteConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Token         string        `mapstructure:"token" yaml:"token"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	Debounce         time.Duration `mapstructure:"debounce" yaml:"debounce"`
	PeriodicInterval time.Duration `mapstructure:"periodic_interval" yaml:"periodic_interval"`
}

// SnapshotConfig tunes the reference snapshot cache.
type SnapshotConfig struct {
	SizeCeilingMB int           `mapstructure:"size_ceiling_mb" yaml:"size_ceiling_mb"`
	Freshness     time.Duration `mapstructure:"freshness" yaml:"freshness"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	ScopeCap      int           `mapstructure:"scope_cap" yaml:"scope_cap"`
}

// BlobConfig tunes photo retention.
type BlobConfig struct {
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// DashboardConfig tunes the supervisor dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// LogConfig tunes daemon log rotation.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".fieldsync")

	return Config{
		DataDir:  dataDir,
		SpoolDir: filepath.Join(dataDir, "spool"),
		ActorID:  "unknown",
		Role:     "technician",
		Remote: RemoteConfig{
			BaseURL:       "http://localhost:8090",
			ProbeInterval: 10 * time.Second,
		},
		Sync: SyncConfig{
			MaxAttempts:      5,
			CallTimeout:      30 * time.Second,
			Debounce:         3 * time.Second,
			PeriodicInterval: 15 * time.Minute,
		},
		Snapshot: SnapshotConfig{
			SizeCeilingMB: 10,
			Freshness:     24 * time.Hour,
			BatchSize:     100,
			ScopeCap:      5,
		},
		Blob: BlobConfig{
			RetentionDays: 30,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// Load reads fieldsync.yaml from dir (or the current directory and the
// data directory when dir is empty) and overlays FIELDSYNC_* environment
// variables on the defaults. A missing config file is not an error.
func Load(dir string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigName("fieldsync")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(def.DataDir)
	}
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("spool_dir", def.SpoolDir)
	v.SetDefault("actor_id", def.ActorID)
	v.SetDefault("role", def.Role)
	v.SetDefault("remote.base_url", def.Remote.BaseURL)
	v.SetDefault("remote.token", def.Remote.Token)
	v.SetDefault("remote.probe_interval", def.Remote.ProbeInterval)
	v.SetDefault("sync.max_attempts", def.Sync.MaxAttempts)
	v.SetDefault("sync.call_timeout", def.Sync.CallTimeout)
	v.SetDefault("sync.debounce", def.Sync.Debounce)
	v.SetDefault("sync.periodic_interval", def.Sync.PeriodicInterval)
	v.SetDefault("snapshot.size_ceiling_mb", def.Snapshot.SizeCeilingMB)
	v.SetDefault("snapshot.freshness", def.Snapshot.Freshness)
	v.SetDefault("snapshot.batch_size", def.Snapshot.BatchSize)
	v.SetDefault("snapshot.scope_cap", def.Snapshot.ScopeCap)
	v.SetDefault("blob.retention_days", def.Blob.RetentionDays)
	v.SetDefault("dashboard.port", def.Dashboard.Port)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
}

// fileConfig mirrors Config for file generation, with durations rendered
// in Go syntax instead of raw nanoseconds.
type fileConfig struct {
	DataDir  string `yaml:"data_dir"`
	SpoolDir string `yaml:"spool_dir"`
	ActorID  string `yaml:"actor_id"`
	Role     string `yaml:"role"`
	Remote   struct {
		BaseURL       string `yaml:"base_url"`
		Token         string `yaml:"token"`
		ProbeInterval string `yaml:"probe_interval"`
	} `yaml:"remote"`
	Sync struct {
		MaxAttempts      int    `yaml:"max_attempts"`
		CallTimeout      string `yaml:"call_timeout"`
		Debounce         string `yaml:"debounce"`
		PeriodicInterval string `yaml:"periodic_interval"`
	} `yaml:"sync"`
	Snapshot struct {
		SizeCeilingMB int    `yaml:"size_ceiling_mb"`
		Freshness     string `yaml:"freshness"`
		BatchSize     int    `yaml:"batch_size"`
		ScopeCap      int    `yaml:"scope_cap"`
	} `yaml:"snapshot"`
	Blob      BlobConfig      `yaml:"blob"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

// WriteDefault writes a commented default config file to path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	def := Default()
	var fc fileConfig
	fc.DataDir = def.DataDir
	fc.SpoolDir = def.SpoolDir
	fc.ActorID = def.ActorID
	fc.Role = def.Role
	fc.Remote.BaseURL = def.Remote.BaseURL
	fc.Remote.Token = def.Remote.Token
	fc.Remote.ProbeInterval = def.Remote.ProbeInterval.String()
	fc.Sync.MaxAttempts = def.Sync.MaxAttempts
	fc.Sync.CallTimeout = def.Sync.CallTimeout.String()
	fc.Sync.Debounce = def.Sync.Debounce.String()
	fc.Sync.PeriodicInterval = def.Sync.PeriodicInterval.String()
	fc.Snapshot.SizeCeilingMB = def.Snapshot.SizeCeilingMB
	fc.Snapshot.Freshness = def.Snapshot.Freshness.String()
	fc.Snapshot.BatchSize = def.Snapshot.BatchSize
	fc.Snapshot.ScopeCap = def.Snapshot.ScopeCap
	fc.Blob = def.Blob
	fc.Dashboard = def.Dashboard
	fc.Log = def.Log

	body, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to serialize default config: %w", err)
	}

	header := "# fieldsync configuration.\n" +
		"# Durations accept Go syntax: 30s, 3s, 24h.\n" +
		"# Every key can also be set via FIELDSYNC_* environment variables,\n" +
		"# e.g. FIELDSYNC_REMOTE_BASE_URL.\n\n"

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), body...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NewLogger builds a component logger. When a log file is configured,
// output goes through a size-rotated file; otherwise it goes to stderr.
func NewLogger(cfg LogConfig, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

// SnapshotCeilingBytes converts the configured megabyte ceiling to bytes.
func (c SnapshotConfig) SnapshotCeilingBytes() int {
	return c.SizeCeilingMB << 20
}
