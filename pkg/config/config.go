package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML decodes from strings like "30s" or
// "1h", matching what the environment overrides accept.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the configuration for the BITS upload server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Upload  UploadConfig  `yaml:"upload"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// Addr returns the listen address in host:port form.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds the filesystem layout for uploads. TargetDir is the
// root every upload target path is resolved under; SpoolDir holds the
// temporary backing files of open sessions. It must live on the same volume
// as TargetDir for the commit rename to be atomic, but outside the target
// tree, so clients can never name a backing file as an upload target.
type StorageConfig struct {
	TargetDir string `yaml:"target_dir"`
	SpoolDir  string `yaml:"spool_dir"`
}

// UploadConfig holds protocol-level limits and housekeeping intervals.
type UploadConfig struct {
	FragmentLimit int64    `yaml:"fragment_limit"`
	SessionTTL    Duration `yaml:"session_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Load builds the configuration from defaults, an optional YAML file named
// by BITS_CONFIG, and environment variable overrides, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("BITS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from defaults and environment variables
// only, ignoring any config file.
func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Storage: StorageConfig{
			TargetDir: "./uploads",
			SpoolDir:  "./spool",
		},
		Upload: UploadConfig{
			FragmentLimit: 100 * 1024 * 1024,
			SessionTTL:    Duration(1 * time.Hour),
			SweepInterval: Duration(5 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("BITS_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("BITS_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("BITS_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("BITS_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("BITS_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Storage.TargetDir = getEnv("BITS_TARGET_DIR", cfg.Storage.TargetDir)
	cfg.Storage.SpoolDir = getEnv("BITS_SPOOL_DIR", cfg.Storage.SpoolDir)
	cfg.Upload.FragmentLimit = getEnvInt64("BITS_FRAGMENT_LIMIT", cfg.Upload.FragmentLimit)
	cfg.Upload.SessionTTL = getEnvDuration("BITS_SESSION_TTL", cfg.Upload.SessionTTL)
	cfg.Upload.SweepInterval = getEnvDuration("BITS_SWEEP_INTERVAL", cfg.Upload.SweepInterval)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return defaultValue
}
