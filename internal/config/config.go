package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/isdelr/backupsync/internal/destination"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Remote store kinds.
const (
	RemoteS3    = "s3"
	RemoteLocal = "local"
)

// EnvConfigFile names an optional YAML file loaded before the environment.
const EnvConfigFile = "BACKUPSYNC_CONFIG"

// Config holds the application configuration.
type Config struct {
	ServerPort   int    `yaml:"server_port"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`

	BackupDir       string `yaml:"backup_dir"`
	DestinationMode string `yaml:"destination_mode"` // legacy or scoped
	SourceDataPath  string `yaml:"source_data_path"`
	PassphraseFile  string `yaml:"passphrase_file"`
	Passphrase      string `yaml:"passphrase"`
	KDFIterations   int    `yaml:"kdf_iterations"`

	RemoteKind      string `yaml:"remote_kind"`
	RemoteLocalPath string `yaml:"remote_local_path"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Prefix        string `yaml:"s3_prefix"`
	S3Region        string `yaml:"s3_region"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`

	BackupCron   string        `yaml:"backup_cron"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	KeepLocal    int           `yaml:"keep_local"`
	KeepRemote   int           `yaml:"keep_remote"`
	MinFreeBytes uint64        `yaml:"min_free_bytes"`
	RedisURL     string        `yaml:"redis_url"`
	JWTSecret    string        `yaml:"jwt_secret"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ServerPort:      8080,
		DatabasePath:    "./backupsync.db",
		LogLevel:        "info",
		BackupDir:       "./backups",
		DestinationMode: destination.ModeLegacy,
		SourceDataPath:  "./data",
		KDFIterations:   600000,
		RemoteKind:      RemoteLocal,
		RemoteLocalPath: "./remote",
		S3Prefix:        "backupsync/",
		BackupCron:      "0 3 * * *",
		MaxAttempts:     3,
		RetryDelay:      30 * time.Second,
		KeepLocal:       2,
		KeepRemote:      5,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $BACKUPSYNC_CONFIG when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.ServerPort, err = getEnvInt("PORT", c.ServerPort); err != nil {
		return err
	}
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.BackupDir = getEnv("BACKUP_DIR", c.BackupDir)
	c.DestinationMode = getEnv("DESTINATION_MODE", c.DestinationMode)
	c.SourceDataPath = getEnv("SOURCE_DATA_PATH", c.SourceDataPath)
	c.PassphraseFile = getEnv("BACKUP_PASSPHRASE_FILE", c.PassphraseFile)
	c.Passphrase = getEnv("BACKUP_PASSPHRASE", c.Passphrase)
	if c.KDFIterations, err = getEnvInt("KDF_ITERATIONS", c.KDFIterations); err != nil {
		return err
	}

	c.RemoteKind = getEnv("REMOTE_KIND", c.RemoteKind)
	c.RemoteLocalPath = getEnv("REMOTE_LOCAL_PATH", c.RemoteLocalPath)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)
	c.S3Prefix = getEnv("S3_PREFIX", c.S3Prefix)
	c.S3Region = getEnv("S3_REGION", c.S3Region)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = getEnv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getEnv("S3_SECRET_KEY", c.S3SecretKey)

	c.BackupCron = getEnv("BACKUP_CRON", c.BackupCron)
	if c.MaxAttempts, err = getEnvInt("BACKUP_MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("BACKUP_RETRY_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BACKUP_RETRY_DELAY: %w", err)
		}
		c.RetryDelay = d
	}
	if c.KeepLocal, err = getEnvInt("KEEP_LOCAL", c.KeepLocal); err != nil {
		return err
	}
	if c.KeepRemote, err = getEnvInt("KEEP_REMOTE", c.KeepRemote); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("MIN_FREE_BYTES"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MIN_FREE_BYTES: %w", err)
		}
		c.MinFreeBytes = n
	}
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.ServerPort))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.BackupDir == "" {
		errs = append(errs, errors.New("backup directory is required"))
	}
	switch c.DestinationMode {
	case destination.ModeLegacy, destination.ModeScoped:
	default:
		errs = append(errs, fmt.Errorf("destination mode must be %q or %q, got %q", destination.ModeLegacy, destination.ModeScoped, c.DestinationMode))
	}
	switch c.RemoteKind {
	case RemoteLocal:
		if c.RemoteLocalPath == "" {
			errs = append(errs, errors.New("remote local path is required for the local remote"))
		}
	case RemoteS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3 bucket is required for the s3 remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote kind must be %q or %q, got %q", RemoteLocal, RemoteS3, c.RemoteKind))
	}
	if _, err := cron.ParseStandard(c.BackupCron); err != nil {
		errs = append(errs, fmt.Errorf("backup cron: %w", err))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry delay must be positive"))
	}
	if c.KeepLocal < 0 || c.KeepRemote < 0 {
		errs = append(errs, errors.New("retention counts cannot be negative"))
	}
	if c.KDFIterations < 1 {
		errs = append(errs, errors.New("kdf iterations must be positive"))
	}
	if c.SourceDataPath != "" && c.BackupDir != "" && within(c.BackupDir, c.SourceDataPath) {
		errs = append(errs, fmt.Errorf("backup directory %s must not be inside source data path %s", c.BackupDir, c.SourceDataPath))
	}
	if c.RemoteKind == RemoteLocal && c.SourceDataPath != "" && c.RemoteLocalPath != "" && within(c.RemoteLocalPath, c.SourceDataPath) {
		errs = append(errs, fmt.Errorf("remote local path %s must not be inside source data path %s", c.RemoteLocalPath, c.SourceDataPath))
	}
	return errors.Join(errs...)
}

// within reports whether path is parent or lies below it.
func within(path, parent string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absParent, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absParent, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// BackupPassphrase returns the secret from PassphraseFile when set, else Passphrase.
func (c *Config) BackupPassphrase() (string, error) {
	if c.PassphraseFile == "" {
		return c.Passphrase, nil
	}
	data, err := os.ReadFile(c.PassphraseFile)
	if err != nil {
		return "", fmt.Errorf("read passphrase file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
