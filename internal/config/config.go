// Package config loads ingestd's runtime configuration from built-in
// defaults, an optional YAML file, and INGESTD_* environment
// variables, each overlaying the last. The CLI's --config flag picks
// which file Load reads; there is no per-field flag override.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full set of tunables enumerated in the external
// interfaces section: directory roots, the DICOM web server and
// identity provider endpoints, and the pipeline's concurrency/retry
// knobs.
type Config struct {
	InboxPath     string `yaml:"inbox_path"`
	ProcessedPath string `yaml:"processed_path"`
	FailedPath    string `yaml:"failed_path"`

	OrthancURL          string `yaml:"orthanc_url"`
	KeycloakURL         string `yaml:"keycloak_url"`
	KeycloakRealm       string `yaml:"keycloak_realm"`
	KeycloakClientID    string `yaml:"keycloak_client_id"`
	KeycloakClientSecret string `yaml:"keycloak_client_secret"`

	CooldownSeconds int           `yaml:"cooldown_seconds"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsPort int `yaml:"metrics_port"`
}

// configFields mirrors Config for YAML decoding, with RetryDelay as a
// string: yaml.v3 has no built-in time.Duration scalar support, so a
// value like "10s" needs an explicit parse rather than a plain tag.
type configFields struct {
	InboxPath     string `yaml:"inbox_path"`
	ProcessedPath string `yaml:"processed_path"`
	FailedPath    string `yaml:"failed_path"`

	OrthancURL           string `yaml:"orthanc_url"`
	KeycloakURL          string `yaml:"keycloak_url"`
	KeycloakRealm        string `yaml:"keycloak_realm"`
	KeycloakClientID     string `yaml:"keycloak_client_id"`
	KeycloakClientSecret string `yaml:"keycloak_client_secret"`

	CooldownSeconds int    `yaml:"cooldown_seconds"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryDelay      string `yaml:"retry_delay"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsPort int `yaml:"metrics_port"`
}

// UnmarshalYAML decodes into configFields so retry_delay can be a
// duration string like "10s", then copies the result onto c. Fields
// absent from the document leave c's existing value (normally the
// Default()-seeded one) untouched.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	fields := configFields{
		InboxPath:            c.InboxPath,
		ProcessedPath:        c.ProcessedPath,
		FailedPath:           c.FailedPath,
		OrthancURL:           c.OrthancURL,
		KeycloakURL:          c.KeycloakURL,
		KeycloakRealm:        c.KeycloakRealm,
		KeycloakClientID:     c.KeycloakClientID,
		KeycloakClientSecret: c.KeycloakClientSecret,
		CooldownSeconds:      c.CooldownSeconds,
		MaxConcurrent:        c.MaxConcurrent,
		MaxRetries:           c.MaxRetries,
		RetryDelay:           c.RetryDelay.String(),
		LogLevel:             c.LogLevel,
		LogFormat:            c.LogFormat,
		MetricsPort:          c.MetricsPort,
	}
	if err := value.Decode(&fields); err != nil {
		return err
	}

	retryDelay := c.RetryDelay
	if fields.RetryDelay != "" {
		d, err := time.ParseDuration(fields.RetryDelay)
		if err != nil {
			return fmt.Errorf("parse retry_delay: %w", err)
		}
		retryDelay = d
	}

	*c = Config{
		InboxPath:            fields.InboxPath,
		ProcessedPath:        fields.ProcessedPath,
		FailedPath:           fields.FailedPath,
		OrthancURL:           fields.OrthancURL,
		KeycloakURL:          fields.KeycloakURL,
		KeycloakRealm:        fields.KeycloakRealm,
		KeycloakClientID:     fields.KeycloakClientID,
		KeycloakClientSecret: fields.KeycloakClientSecret,
		CooldownSeconds:      fields.CooldownSeconds,
		MaxConcurrent:        fields.MaxConcurrent,
		MaxRetries:           fields.MaxRetries,
		RetryDelay:           retryDelay,
		LogLevel:             fields.LogLevel,
		LogFormat:            fields.LogFormat,
		MetricsPort:          fields.MetricsPort,
	}
	return nil
}

// Default returns the built-in defaults from spec §6.
func Default() Config {
	return Config{
		CooldownSeconds: 60,
		MaxConcurrent:   3,
		MaxRetries:      3,
		RetryDelay:      10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		MetricsPort:     8080,
	}
}

// Cooldown returns CooldownSeconds as a time.Duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Load reads defaults, overlays an optional YAML file, then overlays
// environment variables. A missing path is not an error — it simply
// skips the file overlay.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	return cfg, nil
}

// applyEnv overlays INGESTD_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("INGESTD_INBOX_PATH", &cfg.InboxPath)
	str("INGESTD_PROCESSED_PATH", &cfg.ProcessedPath)
	str("INGESTD_FAILED_PATH", &cfg.FailedPath)
	str("INGESTD_ORTHANC_URL", &cfg.OrthancURL)
	str("INGESTD_KEYCLOAK_URL", &cfg.KeycloakURL)
	str("INGESTD_KEYCLOAK_REALM", &cfg.KeycloakRealm)
	str("INGESTD_KEYCLOAK_CLIENT_ID", &cfg.KeycloakClientID)
	str("INGESTD_KEYCLOAK_CLIENT_SECRET", &cfg.KeycloakClientSecret)
	str("INGESTD_LOG_LEVEL", &cfg.LogLevel)
	str("INGESTD_LOG_FORMAT", &cfg.LogFormat)
	num("INGESTD_COOLDOWN_SECONDS", &cfg.CooldownSeconds)
	num("INGESTD_MAX_CONCURRENT", &cfg.MaxConcurrent)
	num("INGESTD_MAX_RETRIES", &cfg.MaxRetries)
	num("INGESTD_METRICS_PORT", &cfg.MetricsPort)
	dur("INGESTD_RETRY_DELAY", &cfg.RetryDelay)
}

// Validate checks that the fields required to start the daemon are
// present.
func (c Config) Validate() error {
	if c.InboxPath == "" {
		return fmt.Errorf("inbox_path is required")
	}
	if c.ProcessedPath == "" {
		return fmt.Errorf("processed_path is required")
	}
	if c.FailedPath == "" {
		return fmt.Errorf("failed_path is required")
	}
	if c.OrthancURL == "" {
		return fmt.Errorf("orthanc_url is required")
	}
	if c.CooldownSeconds <= 0 {
		return fmt.Errorf("cooldown_seconds must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}
