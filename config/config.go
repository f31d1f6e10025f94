package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the hunt orchestration service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Hunt      HuntConfig      `mapstructure:"hunt"`
	Review    ReviewConfig    `mapstructure:"review"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address            string        `mapstructure:"address"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	CleanerCron        string        `mapstructure:"cleaner_cron"`
	ProgressRelay      bool          `mapstructure:"progress_relay"`
	AdminOverride      bool          `mapstructure:"admin_override"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

// HuntConfig bounds batch launches and the per-turn quota.
type HuntConfig struct {
	PerTurnMax        int           `mapstructure:"per_turn_max"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	DefaultProvider   string        `mapstructure:"default_provider"`
	DefaultJudgeModel string        `mapstructure:"default_judge_model"`
	RetryBudget       int           `mapstructure:"retry_budget"`
	ReasoningFraction float64       `mapstructure:"reasoning_fraction"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
}

// Validate ensures hunt limits are sane before use.
func (h HuntConfig) Validate() error {
	if h.PerTurnMax <= 0 {
		return fmt.Errorf("hunt.per_turn_max must be greater than zero")
	}
	if h.MaxWorkers <= 0 {
		return fmt.Errorf("hunt.max_workers must be greater than zero")
	}
	if h.MaxWorkers > h.PerTurnMax {
		return fmt.Errorf("hunt.max_workers cannot exceed hunt.per_turn_max")
	}
	if h.ReasoningFraction < 0 || h.ReasoningFraction > 1 {
		return fmt.Errorf("hunt.reasoning_fraction must be within [0,1]")
	}
	if h.RetryBudget < 0 {
		return fmt.Errorf("hunt.retry_budget cannot be negative")
	}
	return nil
}

// ReviewConfig controls the selection and grading gates.
type ReviewConfig struct {
	SelectionSize       int `mapstructure:"selection_size"`
	MinBreaking         int `mapstructure:"min_breaking"`
	MinExplanationWords int `mapstructure:"min_explanation_words"`
}

// Validate ensures review gates are internally consistent.
func (r ReviewConfig) Validate() error {
	if r.SelectionSize <= 0 {
		return fmt.Errorf("review.selection_size must be greater than zero")
	}
	if r.MinBreaking < 0 {
		return fmt.Errorf("review.min_breaking cannot be negative")
	}
	if r.MinBreaking > r.SelectionSize {
		return fmt.Errorf("review.min_breaking cannot exceed review.selection_size")
	}
	if r.MinExplanationWords < 0 {
		return fmt.Errorf("review.min_explanation_words cannot be negative")
	}
	return nil
}

// ExecConfig points at the remote execution service.
type ExecConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PollDelay      time.Duration `mapstructure:"poll_delay"`
}

// Normalize applies defaults for unset exec values.
func (e ExecConfig) Normalize() ExecConfig {
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
	if e.ReconnectDelay <= 0 {
		e.ReconnectDelay = 2 * time.Second
	}
	if e.PollDelay <= 0 {
		e.PollDelay = 10 * time.Second
	}
	return e
}

// Validate ensures the execution service endpoint is configured.
func (e ExecConfig) Validate() error {
	if strings.TrimSpace(e.BaseURL) == "" {
		return fmt.Errorf("exec.base_url is required")
	}
	return nil
}

// StorageConfig groups persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the session/turn store.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the quota ledger backend.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPath  string `mapstructure:"metrics_path"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Validate checks config sections that carry hard requirements.
func (c *Config) Validate() error {
	if err := c.Hunt.Validate(); err != nil {
		return err
	}
	if err := c.Review.Validate(); err != nil {
		return err
	}
	if err := c.Exec.Validate(); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads configuration from file and environment.
// Env variables use the BREAKHUNT_ prefix with dots replaced by underscores.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10002")
	v.SetDefault("server.session_ttl", "24h")
	v.SetDefault("server.cleaner_cron", "0 * * * *")
	v.SetDefault("server.progress_relay", true)
	v.SetDefault("server.admin_override", false)
	v.SetDefault("server.shutdown_grace_period", "10s")
	v.SetDefault("hunt.per_turn_max", 6)
	v.SetDefault("hunt.max_workers", 6)
	v.SetDefault("hunt.retry_budget", 2)
	v.SetDefault("hunt.reasoning_fraction", 0.5)
	v.SetDefault("hunt.launch_timeout", "30s")
	v.SetDefault("review.selection_size", 4)
	v.SetDefault("review.min_breaking", 3)
	v.SetDefault("review.min_explanation_words", 10)
	v.SetDefault("exec.timeout", "30s")
	v.SetDefault("exec.reconnect_delay", "2s")
	v.SetDefault("exec.poll_delay", "10s")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_path", "/metrics")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("BREAKHUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover the full surface.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Exec = cfg.Exec.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
