package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/progress"
)

// Config defines configuration for the relay server and CLI.
type Config struct {
	Listen          string        `yaml:"listen"`
	HealthListen    string        `yaml:"health_listen"`
	BaseURL         string        `yaml:"base_url"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	ChunkSize    int64         `yaml:"chunk_size"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	AuthAttempts int           `yaml:"auth_attempts"`

	Identity    string         `yaml:"identity"`
	Secret      string         `yaml:"secret"`
	PrimaryDC   int            `yaml:"primary_dc"`
	Datacenters map[int]string `yaml:"datacenters"`
	ExportTTL   time.Duration  `yaml:"export_ttl"`

	DatabaseDSN string        `yaml:"database_dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig defines retry behavior of the download client.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Listen:          ":8080",
		HealthListen:    ":8081",
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
		ChunkSize:       1024 * 1024, // 1MB
		FetchTimeout:    30 * time.Second,
		AuthAttempts:    6,
		ExportTTL:       time.Minute,
		CacheTTL:        10 * time.Minute,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Listen          string          `yaml:"listen"`
	HealthListen    string          `yaml:"health_listen"`
	BaseURL         string          `yaml:"base_url"`
	LogLevel        string          `yaml:"log_level"`
	ShutdownTimeout string          `yaml:"shutdown_timeout"`
	ChunkSize       string          `yaml:"chunk_size"`
	FetchTimeout    string          `yaml:"fetch_timeout"`
	AuthAttempts    int             `yaml:"auth_attempts"`
	Identity        string          `yaml:"identity"`
	Secret          string          `yaml:"secret"`
	PrimaryDC       int             `yaml:"primary_dc"`
	Datacenters     map[int]string  `yaml:"datacenters"`
	ExportTTL       string          `yaml:"export_ttl"`
	DatabaseDSN     string          `yaml:"database_dsn"`
	RedisAddr       string          `yaml:"redis_addr"`
	CacheTTL        string          `yaml:"cache_ttl"`
	Retry           yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		Listen:       yc.Listen,
		HealthListen: yc.HealthListen,
		BaseURL:      yc.BaseURL,
		LogLevel:     yc.LogLevel,
		AuthAttempts: yc.AuthAttempts,
		Identity:     yc.Identity,
		Secret:       yc.Secret,
		PrimaryDC:    yc.PrimaryDC,
		Datacenters:  yc.Datacenters,
		DatabaseDSN:  yc.DatabaseDSN,
		RedisAddr:    yc.RedisAddr,
		Retry:        RetryConfig{Attempts: yc.Retry.Attempts},
	}

	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		override.ChunkSize = size
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"shutdown_timeout", yc.ShutdownTimeout, &override.ShutdownTimeout},
		{"fetch_timeout", yc.FetchTimeout, &override.FetchTimeout},
		{"export_ttl", yc.ExportTTL, &override.ExportTTL},
		{"cache_ttl", yc.CacheTTL, &override.CacheTTL},
		{"retry.backoff", yc.Retry.Backoff, &override.Retry.Backoff},
		{"retry.max_backoff", yc.Retry.MaxBackoff, &override.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return Default().Merge(override), nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TELESTORE_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"TELESTORE_LISTEN", &c.Listen},
		{"TELESTORE_HEALTH_LISTEN", &c.HealthListen},
		{"TELESTORE_BASE_URL", &c.BaseURL},
		{"TELESTORE_LOG_LEVEL", &c.LogLevel},
		{"TELESTORE_IDENTITY", &c.Identity},
		{"TELESTORE_SECRET", &c.Secret},
		{"TELESTORE_DATABASE_DSN", &c.DatabaseDSN},
		{"TELESTORE_REDIS_ADDR", &c.RedisAddr},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TELESTORE_AUTH_ATTEMPTS", &c.AuthAttempts},
		{"TELESTORE_PRIMARY_DC", &c.PrimaryDC},
		{"TELESTORE_RETRY_ATTEMPTS", &c.Retry.Attempts},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TELESTORE_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"TELESTORE_FETCH_TIMEOUT", &c.FetchTimeout},
		{"TELESTORE_EXPORT_TTL", &c.ExportTTL},
		{"TELESTORE_CACHE_TTL", &c.CacheTTL},
		{"TELESTORE_RETRY_BACKOFF", &c.Retry.Backoff},
		{"TELESTORE_RETRY_MAX_BACKOFF", &c.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.dst = dur
		}
	}

	if v := os.Getenv("TELESTORE_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse TELESTORE_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("TELESTORE_DATACENTERS"); v != "" {
		dcs, err := ParseDatacenters(v)
		if err != nil {
			return fmt.Errorf("parse TELESTORE_DATACENTERS: %w", err)
		}
		c.Datacenters = dcs
	}

	return nil
}

// ParseDatacenters parses a comma separated list of dc=bucketURL pairs.
func ParseDatacenters(s string) (map[int]string, error) {
	dcs := make(map[int]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("invalid datacenter %q, want dc=url", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("invalid datacenter id %q: %w", id, err)
		}
		dcs[n] = strings.TrimSpace(url)
	}
	return dcs, nil
}

// Validate validates the configuration of the relay server.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen is required")
	}
	if err := backend.ValidateChunkSize(c.ChunkSize); err != nil {
		return fmt.Errorf("config: chunk_size: %w", err)
	}
	if c.FetchTimeout <= 0 {
		return errors.New("config: fetch_timeout must be positive")
	}
	if c.AuthAttempts <= 0 {
		return errors.New("config: auth_attempts must be positive")
	}
	if c.Identity == "" {
		return errors.New("config: identity is required")
	}
	if c.Secret == "" {
		return errors.New("config: secret is required")
	}
	if len(c.Datacenters) == 0 {
		return errors.New("config: at least one datacenter is required")
	}
	if _, ok := c.Datacenters[c.PrimaryDC]; !ok {
		return fmt.Errorf("config: primary_dc %d has no datacenter entry", c.PrimaryDC)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	strs := []struct{ dst, src *string }{
		{&c.Listen, &override.Listen},
		{&c.HealthListen, &override.HealthListen},
		{&c.BaseURL, &override.BaseURL},
		{&c.LogLevel, &override.LogLevel},
		{&c.Identity, &override.Identity},
		{&c.Secret, &override.Secret},
		{&c.DatabaseDSN, &override.DatabaseDSN},
		{&c.RedisAddr, &override.RedisAddr},
	}
	for _, s := range strs {
		if *s.src != "" {
			*s.dst = *s.src
		}
	}

	durations := []struct{ dst, src *time.Duration }{
		{&c.ShutdownTimeout, &override.ShutdownTimeout},
		{&c.FetchTimeout, &override.FetchTimeout},
		{&c.ExportTTL, &override.ExportTTL},
		{&c.CacheTTL, &override.CacheTTL},
		{&c.Retry.Backoff, &override.Retry.Backoff},
		{&c.Retry.MaxBackoff, &override.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if *d.src != 0 {
			*d.dst = *d.src
		}
	}

	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.AuthAttempts != 0 {
		c.AuthAttempts = override.AuthAttempts
	}
	if override.PrimaryDC != 0 {
		c.PrimaryDC = override.PrimaryDC
	}
	if len(override.Datacenters) != 0 {
		c.Datacenters = override.Datacenters
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	return c
}

// DatacenterURLs returns the datacenter map keyed by backend.DC.
func (c *Config) DatacenterURLs() map[backend.DC]string {
	out := make(map[backend.DC]string, len(c.Datacenters))
	for dc, url := range c.Datacenters {
		out[backend.DC(dc)] = url
	}
	return out
}
