// Package config provides YAML-based configuration loading for GeneQ.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level GeneQ configuration, loaded from geneq.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Validation ValidationConfig `yaml:"validation"`
	Imputation ImputationConfig `yaml:"imputation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	BasePath    string   `yaml:"base_path"`
	CORSOrigins []string `yaml:"cors_origins"`
	Metrics     *bool    `yaml:"metrics"`
}

// MetricsEnabled reports whether the /metrics endpoint is mounted.
func (s ServerConfig) MetricsEnabled() bool {
	return s.Metrics == nil || *s.Metrics
}

// DatabaseConfig selects and configures the SQL backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// StorageConfig controls where uploads, parsed matrices, and outputs live.
type StorageConfig struct {
	Root        string `yaml:"root"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// MaxUploadBytes returns the upload size cap in bytes.
func (s StorageConfig) MaxUploadBytes() int64 {
	return s.MaxUploadMB * 1024 * 1024
}

// JobsConfig controls asynchronous job execution and retention.
type JobsConfig struct {
	MaxConcurrent       int    `yaml:"max_concurrent"`
	RetentionDays       int    `yaml:"retention_days"`
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
	// LeaseSeconds is how long a job's heartbeat stays fresh before another
	// process may fail it as orphaned.
	LeaseSeconds int `yaml:"lease_seconds"`
}

// ValidationConfig holds engine-wide validation defaults.
type ValidationConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// ImputationConfig holds imputation defaults and the optional remote MOCHI runner.
type ImputationConfig struct {
	DefaultThreshold        float64     `yaml:"default_threshold"`
	DefaultQualityThreshold float64     `yaml:"default_quality_threshold"`
	HoldoutFraction         float64     `yaml:"holdout_fraction"`
	Seed                    int64       `yaml:"seed"`
	Mochi                   MochiConfig `yaml:"mochi"`
}

// MochiConfig tunes the cross-modality strategy.
type MochiConfig struct {
	LatentDim int          `yaml:"latent_dim"`
	Ridge     float64      `yaml:"ridge"`
	Remote    RemoteConfig `yaml:"remote"`
}

// RemoteConfig points MOCHI at an external model server reached over SSH.
// When Host is empty the in-process model is used.
type RemoteConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	KeyPath        string `yaml:"key_path"`
	JumpHost       string `yaml:"jump_host"`
	JumpPort       int    `yaml:"jump_port"`
	JumpUser       string `yaml:"jump_user"`
	JumpPassword   string `yaml:"jump_password"`
	WorkDir        string `yaml:"work_dir"`
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Enabled reports whether a remote runner is configured.
func (r RemoteConfig) Enabled() bool {
	return r.Host != ""
}

// NotifyConfig configures job completion notifications. Each channel is
// optional; empty tokens disable that channel.
type NotifyConfig struct {
	SlackToken     string `yaml:"slack_token"`
	SlackChannel   string `yaml:"slack_channel"`
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
	OnlyFailures   bool   `yaml:"only_failures"`
}

// RedisConfig enables cross-instance job event fan-out. Empty Addr keeps
// events in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied,
// suitable for running without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8005
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
	if c.Server.BasePath == "/" {
		c.Server.BasePath = ""
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "geneq.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "data_qc"
		}
	}

	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Storage.MaxUploadMB == 0 {
		c.Storage.MaxUploadMB = 500
	}

	if c.Jobs.MaxConcurrent == 0 {
		c.Jobs.MaxConcurrent = 4
	}
	if c.Jobs.MaintenanceSchedule == "" {
		c.Jobs.MaintenanceSchedule = "*/15 * * * *"
	}
	if c.Jobs.LeaseSeconds == 0 {
		c.Jobs.LeaseSeconds = 120
	}

	if c.Validation.DefaultThreshold == 0 {
		c.Validation.DefaultThreshold = 50.0
	}

	if c.Imputation.DefaultThreshold == 0 {
		c.Imputation.DefaultThreshold = 30.0
	}
	if c.Imputation.DefaultQualityThreshold == 0 {
		c.Imputation.DefaultQualityThreshold = 85.0
	}
	if c.Imputation.HoldoutFraction == 0 {
		c.Imputation.HoldoutFraction = 0.05
	}
	if c.Imputation.Seed == 0 {
		c.Imputation.Seed = 42
	}
	if c.Imputation.Mochi.LatentDim == 0 {
		c.Imputation.Mochi.LatentDim = 16
	}
	if c.Imputation.Mochi.Ridge == 0 {
		c.Imputation.Mochi.Ridge = 1.0
	}
	r := &c.Imputation.Mochi.Remote
	if r.Enabled() {
		if r.Port == 0 {
			r.Port = 22
		}
		if r.JumpHost != "" && r.JumpPort == 0 {
			r.JumpPort = 22
		}
		if r.WorkDir == "" {
			r.WorkDir = "/tmp/geneq-mochi"
		}
		if r.TimeoutSeconds == 0 {
			r.TimeoutSeconds = 30
		}
	}

	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		c.Redis.Channel = "geneq:jobs"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Storage.MaxUploadMB < 0 {
		errs = append(errs, "storage.max_upload_mb must be positive")
	}
	if c.Jobs.MaxConcurrent < 0 {
		errs = append(errs, "jobs.max_concurrent must not be negative")
	}
	if c.Jobs.RetentionDays < 0 {
		errs = append(errs, "jobs.retention_days must not be negative")
	}
	if c.Imputation.HoldoutFraction <= 0 || c.Imputation.HoldoutFraction >= 0.5 {
		errs = append(errs, "imputation.holdout_fraction must be in (0, 0.5)")
	}
	if t := c.Imputation.DefaultThreshold; t < 0 || t > 100 {
		errs = append(errs, "imputation.default_threshold must be in [0, 100]")
	}
	if t := c.Imputation.DefaultQualityThreshold; t < 0 || t > 100 {
		errs = append(errs, "imputation.default_quality_threshold must be in [0, 100]")
	}
	r := c.Imputation.Mochi.Remote
	if r.Enabled() {
		if r.User == "" {
			errs = append(errs, "imputation.mochi.remote.user is required")
		}
		if r.Command == "" {
			errs = append(errs, "imputation.mochi.remote.command is required")
		}
	}
	if (c.Notify.SlackToken == "") != (c.Notify.SlackChannel == "") {
		errs = append(errs, "notify.slack_token and notify.slack_channel must be set together")
	}
	if (c.Notify.DiscordToken == "") != (c.Notify.DiscordChannel == "") {
		errs = append(errs, "notify.discord_token and notify.discord_channel must be set together")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
