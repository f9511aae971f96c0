// Package config loads and validates host configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all host configuration knobs loaded via Viper.
type Config struct {
	General     GeneralConfig           `mapstructure:"general"`
	RateLimiter RateLimiterConfig       `mapstructure:"ratelimiter"`
	HTTP        HTTPConfig              `mapstructure:"http"`
	Scripts     map[string]ScriptConfig `mapstructure:"scripts"`
	Storage     StorageConfig           `mapstructure:"storage"`
	DB          DBConfig                `mapstructure:"db"`
	PubSub      PubSubConfig            `mapstructure:"pubsub"`
	Server      ServerConfig            `mapstructure:"server"`
	Logging     LoggingConfig           `mapstructure:"logging"`
}

// GeneralConfig governs the crawl itself.
type GeneralConfig struct {
	// MaxHops bounds how many host changes separate a URL from the start point.
	MaxHops int `mapstructure:"max_hops"`
	// Workers is the number of concurrent fetch tasks.
	Workers int `mapstructure:"workers"`
	// BlockedHosts are never queued. Entries are exact hosts or "*.suffix".
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// RateLimiterConfig is the per-host request budget.
type RateLimiterConfig struct {
	Requests int           `mapstructure:"requests"`
	Per      time.Duration `mapstructure:"per"`
	Burst    int           `mapstructure:"burst"`
	Jitter   time.Duration `mapstructure:"jitter"`
}

// HTTPConfig configures the fetcher.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyLength int           `mapstructure:"max_body_length"`
	UserAgent     string        `mapstructure:"user_agent"`
	Headers       []HeaderPair  `mapstructure:"headers"`
	// MaxAttempts bounds fetch tries per URL, the first included.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// HeaderPair is one extra request header.
type HeaderPair struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// Header converts the configured pairs to an http.Header.
func (h HTTPConfig) Header() http.Header {
	out := make(http.Header, len(h.Headers))
	for _, p := range h.Headers {
		out.Add(p.Name, p.Value)
	}
	return out
}

// ScriptConfig describes one scraper worker pool.
type ScriptConfig struct {
	Command string       `mapstructure:"command"`
	Args    []string     `mapstructure:"args"`
	Workers int          `mapstructure:"workers"`
	Filter  FilterConfig `mapstructure:"filter"`
}

// FilterConfig selects which responses a script receives. Empty fields match
// everything.
type FilterConfig struct {
	URLPattern string   `mapstructure:"url_pattern"`
	MimeTypes  []string `mapstructure:"mime_types"`
}

// StorageConfig sets where archived bodies are written.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the retrieval index. An empty DSN disables it.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds archive notification settings. An empty topic disables
// publishing to Pub/Sub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the admin HTTP server. An empty address disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and sets the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// config.{toml,yaml,json} in the working directory, /etc/scrapewire and
// $HOME/.scrapewire, and carries on with defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scrapewire/")
		v.AddConfigPath("$HOME/.scrapewire")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.max_hops", 0)
	v.SetDefault("general.workers", 16)
	v.SetDefault("ratelimiter.requests", 200)
	v.SetDefault("ratelimiter.per", time.Second)
	v.SetDefault("ratelimiter.jitter", 50*time.Millisecond)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "scrapewire/0.1")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("db.table", "retrievals")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.General.MaxHops < 0 {
		return fmt.Errorf("general.max_hops must be >= 0")
	}
	if c.General.Workers <= 0 {
		return fmt.Errorf("general.workers must be > 0")
	}
	if c.RateLimiter.Requests < 0 {
		return fmt.Errorf("ratelimiter.requests must be >= 0")
	}
	if c.RateLimiter.Jitter < 0 {
		return fmt.Errorf("ratelimiter.jitter must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be >= 1")
	}
	if c.HTTP.MaxBodyLength < 0 {
		return fmt.Errorf("http.max_body_length must be >= 0")
	}
	for i, h := range c.HTTP.Headers {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("http.headers[%d].name is required", i)
		}
	}
	for name, s := range c.Scripts {
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("scripts.%s.command is required", name)
		}
		if s.Workers <= 0 {
			return fmt.Errorf("scripts.%s.workers must be > 0", name)
		}
		if s.Filter.URLPattern != "" {
			if _, err := regexp.Compile(s.Filter.URLPattern); err != nil {
				return fmt.Errorf("scripts.%s.filter.url_pattern: %w", name, err)
			}
		}
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not one of memory, local, gcs", c.Storage.Provider)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is")
	}
	return nil
}
