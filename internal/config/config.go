package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/jobdriver/pkg/driver"
)

// EnvPrefix is prepended to every environment override, e.g.
// HELLODRIVER_DRIVER_ID for driver.id
const EnvPrefix = "HELLODRIVER"

// Config is the effective driver configuration. It is read once at launch.
type Config struct {
	Driver  DriverConfig  `mapstructure:"driver" yaml:"driver"`
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Bridge  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
	Shell   ShellConfig   `mapstructure:"shell" yaml:"shell"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

type DriverConfig struct {
	ID           string `mapstructure:"id" yaml:"id"`
	JobTimeoutMS int64  `mapstructure:"job_timeout_ms" yaml:"job_timeout_ms"`
}

// JobTimeout converts JobTimeoutMS
func (d DriverConfig) JobTimeout() time.Duration {
	return time.Duration(d.JobTimeoutMS) * time.Millisecond
}

type RuntimeConfig struct {
	Threads      int           `mapstructure:"threads" yaml:"threads"`
	Evaluators   int           `mapstructure:"evaluators" yaml:"evaluators"`
	TaskDuration time.Duration `mapstructure:"task_duration" yaml:"task_duration"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// APIKey and APIKeyHash enable bearer authentication; the hash wins
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIKeyHash string `mapstructure:"api_key_hash" yaml:"api_key_hash,omitempty"`
	// TLS is on when both files are set
	TLSCertFile     string `mapstructure:"tls_cert_file" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile      string `mapstructure:"tls_key_file" yaml:"tls_key_file,omitempty"`
	TLSClientCAFile string `mapstructure:"tls_client_ca_file" yaml:"tls_client_ca_file,omitempty"`
}

// TLSEnabled reports whether the bridge serves HTTPS
func (h HTTPConfig) TLSEnabled() bool {
	return h.TLSCertFile != "" && h.TLSKeyFile != ""
}

type BridgeConfig struct {
	MaxCommandBytes int     `mapstructure:"max_command_bytes" yaml:"max_command_bytes"`
	MessageLogSize  int     `mapstructure:"message_log_size" yaml:"message_log_size"`
	QueueSize       int     `mapstructure:"queue_size" yaml:"queue_size"`
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type ShellConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
}

type JournalConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`
	DSN      string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
	Buffer   int    `mapstructure:"buffer" yaml:"buffer"`
	// Retention of zero keeps entries forever
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

type MetricsConfig struct {
	// Textfile receives the final driver metrics when the job ends
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// SetDefaults registers every key with its default so that environment
// overrides are seen by Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("driver.id", "HelloREEF")
	v.SetDefault("driver.job_timeout_ms", 300000)

	v.SetDefault("runtime.threads", 3)
	v.SetDefault("runtime.evaluators", 1)
	v.SetDefault("runtime.task_duration", "0s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.api_key", "")
	v.SetDefault("http.api_key_hash", "")
	v.SetDefault("http.tls_cert_file", "")
	v.SetDefault("http.tls_key_file", "")
	v.SetDefault("http.tls_client_ca_file", "")

	v.SetDefault("bridge.max_command_bytes", 4096)
	v.SetDefault("bridge.message_log_size", 256)
	v.SetDefault("bridge.queue_size", 64)
	v.SetDefault("bridge.rate_limit_rps", 5.0)
	v.SetDefault("bridge.rate_limit_burst", 10)

	v.SetDefault("shell.enabled", true)
	v.SetDefault("shell.timeout", "30s")
	v.SetDefault("shell.max_output_bytes", 64*1024)

	v.SetDefault("journal.type", "memory")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.capacity", 1024)
	v.SetDefault("journal.buffer", 256)
	v.SetDefault("journal.retention", "0s")
	v.SetDefault("journal.prune_interval", "1h")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.dir", "")
}

// BindEnv enables HELLODRIVER_ overrides on v
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile loads path into v. With an empty path it looks for
// $HOME/.hellodriver/config.yaml and ignores its absence.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".hellodriver"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &driver.ConfigurationError{Field: "config", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns the first invalid field as a *driver.ConfigurationError
func (c *Config) Validate() error {
	invalid := func(field, reason string) error {
		return &driver.ConfigurationError{Field: field, Reason: reason}
	}

	switch {
	case strings.TrimSpace(c.Driver.ID) == "":
		return invalid("driver.id", "must not be empty")
	case c.Driver.JobTimeoutMS <= 0:
		return invalid("driver.job_timeout_ms", "must be positive")
	case c.Runtime.Threads < 1:
		return invalid("runtime.threads", "must be at least 1")
	case c.Runtime.Evaluators < 1:
		return invalid("runtime.evaluators", "must be at least 1")
	case c.Runtime.TaskDuration < 0:
		return invalid("runtime.task_duration", "must not be negative")
	case c.HTTP.Addr == "":
		return invalid("http.addr", "must not be empty")
	case (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == ""):
		return invalid("http.tls_key_file", "tls_cert_file and tls_key_file must be set together")
	case c.HTTP.TLSClientCAFile != "" && !c.HTTP.TLSEnabled():
		return invalid("http.tls_client_ca_file", "requires tls_cert_file and tls_key_file")
	case c.Bridge.MaxCommandBytes < 1:
		return invalid("bridge.max_command_bytes", "must be at least 1")
	case c.Bridge.MessageLogSize < 1:
		return invalid("bridge.message_log_size", "must be at least 1")
	case c.Bridge.QueueSize < 1:
		return invalid("bridge.queue_size", "must be at least 1")
	case c.Bridge.RateLimitRPS < 0:
		return invalid("bridge.rate_limit_rps", "must not be negative")
	case c.Bridge.RateLimitRPS > 0 && c.Bridge.RateLimitBurst < 1:
		return invalid("bridge.rate_limit_burst", "must be at least 1 when rate limiting is on")
	case c.Shell.Timeout <= 0:
		return invalid("shell.timeout", "must be positive")
	case c.Shell.MaxOutputBytes < 1:
		return invalid("shell.max_output_bytes", "must be at least 1")
	case c.Journal.Retention < 0:
		return invalid("journal.retention", "must not be negative")
	case c.Journal.Retention > 0 && c.Journal.PruneInterval <= 0:
		return invalid("journal.prune_interval", "must be positive when retention is set")
	case c.Tracing.Enabled && c.Tracing.Endpoint == "":
		return invalid("tracing.endpoint", "required when tracing is enabled")
	}

	switch c.Journal.Type {
	case "memory", "sqlite":
	case "postgres", "postgresql":
		if c.Journal.DSN == "" {
			return invalid("journal.dsn", "required for postgres")
		}
	default:
		return invalid("journal.type", fmt.Sprintf("unsupported backend %q", c.Journal.Type))
	}
	return nil
}
