// Package config binds the agent's enumerated configuration options
// (spec §6) from environment variables via struct-tag decoding, with
// struct defaults for anything unset. YAML file loading is supported for
// host applications that prefer a config file over environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PackagerConfig names the instrumented application.
type PackagerConfig struct {
	ApplicationName         string `yaml:"application_name" env:"AGENT_APPLICATION_NAME"`
	ProductName             string `yaml:"product_name" env:"AGENT_PRODUCT_NAME"`
	HotApplicationDirectory string `yaml:"hot_application_directory" env:"AGENT_HOT_APP_DIR"`
}

// PublisherConfig tunes the publisher's queue and backpressure behavior.
type PublisherConfig struct {
	QueueSoftCap           int  `yaml:"queue_soft_cap" env:"AGENT_QUEUE_SOFT_CAP"`
	BackpressureDeadlineMs int  `yaml:"backpressure_deadline_ms" env:"AGENT_BACKPRESSURE_DEADLINE_MS"`
	ForceSynchronous       bool `yaml:"force_synchronous" env:"AGENT_FORCE_SYNCHRONOUS"`
}

// SessionFileConfig tunes the session-file messenger's roll-over policy.
type SessionFileConfig struct {
	RootDir           string `yaml:"root_dir" env:"AGENT_SESSION_ROOT"`
	MaxFileBytes      int64  `yaml:"max_file_bytes" env:"AGENT_MAX_FILE_BYTES"`
	MaxFileAgeSeconds int64  `yaml:"max_file_age_s" env:"AGENT_MAX_FILE_AGE_S"`
	MaxRecordsPerFile int64  `yaml:"max_records_per_file" env:"AGENT_MAX_RECORDS_PER_FILE"`
	FlushIntervalMs   int64  `yaml:"flush_interval_ms" env:"AGENT_FLUSH_INTERVAL_MS"`
}

// ServerConfig selects the upload destination.
type ServerConfig struct {
	Enabled          bool   `yaml:"enabled" env:"AGENT_SERVER_ENABLED"`
	UseHostedService bool   `yaml:"use_hosted_service" env:"AGENT_USE_HOSTED_SERVICE"`
	CustomerName     string `yaml:"customer_name" env:"AGENT_CUSTOMER_NAME"`
	Host             string `yaml:"host" env:"AGENT_SERVER_HOST"`
	Port             int    `yaml:"port" env:"AGENT_SERVER_PORT"`
	TLS              bool   `yaml:"tls" env:"AGENT_SERVER_TLS"`
	BasePath         string `yaml:"base_path" env:"AGENT_SERVER_BASE_PATH"`
	Repository       string `yaml:"repository" env:"AGENT_SERVER_REPOSITORY"`
}

// AuthProviderKind selects which AuthProvider the upload engine constructs.
type AuthProviderKind string

const (
	AuthNone   AuthProviderKind = "none"
	AuthBasic  AuthProviderKind = "basic"
	AuthBearer AuthProviderKind = "bearer"
	AuthCustom AuthProviderKind = "custom"
)

// AuthConfig configures the upload engine's AuthProvider.
type AuthConfig struct {
	Provider AuthProviderKind `yaml:"provider" env:"AGENT_AUTH_PROVIDER"`
	User     string           `yaml:"user" env:"AGENT_AUTH_USER"`
	Password string           `yaml:"password" env:"AGENT_AUTH_PASSWORD"`
	Token    string           `yaml:"token" env:"AGENT_AUTH_TOKEN"`
}

// LimitsConfig bounds repository disk usage and upload concurrency.
type LimitsConfig struct {
	DiskCapBytes      int64   `yaml:"disk_cap_bytes" env:"AGENT_DISK_CAP_BYTES"`
	ConcurrentUploads int     `yaml:"concurrent_uploads" env:"AGENT_CONCURRENT_UPLOADS"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"AGENT_REQUESTS_PER_SECOND"`
}

// Config is the full agent configuration, the union of spec §6's
// enumerated options.
type Config struct {
	Packager    PackagerConfig    `yaml:"packager"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	SessionFile SessionFileConfig `yaml:"session_file"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Limits      LimitsConfig      `yaml:"limits"`
	SendOnExit  bool              `yaml:"send_on_exit" env:"AGENT_SEND_ON_EXIT"`
}

// Default returns a Config with every field set to the spec's stated
// defaults.
func Default() Config {
	return Config{
		Publisher: PublisherConfig{
			QueueSoftCap:           10000,
			BackpressureDeadlineMs: 5000,
		},
		SessionFile: SessionFileConfig{
			RootDir:           "./sessions",
			MaxFileBytes:      20 * 1024 * 1024,
			MaxFileAgeSeconds: int64((24 * time.Hour).Seconds()),
			FlushIntervalMs:   5000,
		},
		Limits: LimitsConfig{
			ConcurrentUploads: 2,
			RequestsPerSecond: 5,
		},
		Auth: AuthConfig{
			Provider: AuthNone,
		},
	}
}

// FromEnv loads configuration from environment variables, layering
// struct-tag decoded overrides (`env:"..."` above) on top of Default()'s
// values. Mirrors the teacher's own pkg/config.Load: a best-effort
// godotenv.Load() for local development, then envdecode.Decode against a
// pre-populated struct so unset variables simply leave Default()'s value
// in place.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode errors when none of the tagged fields have a
		// corresponding environment variable set, which just means "run
		// with defaults" for this agent — not a configuration failure.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return cfg, fmt.Errorf("config: decode environment: %w", err)
		}
	}
	return cfg, nil
}

// FromYAMLFile loads a Config from a YAML file, starting from Default() and
// unmarshaling over it, so fields the file omits keep their default values.
func FromYAMLFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
