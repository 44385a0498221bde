// Package config resolves run settings for mj-relay.
//
// Values are layered, later layers winning: built-in defaults, an optional
// YAML file, the environment (including a .env file in the working
// directory), and finally command-line flags applied by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fpang/mj-relay/internal/batch"
	"github.com/fpang/mj-relay/internal/relay"
)

// Config holds every recognised option.
type Config struct {
	// Job file and scheduling.
	SourcePath  string        `yaml:"source"`
	Concurrency int           `yaml:"concurrency"`
	Repeat      int           `yaml:"repeat"`
	StartLine   int           `yaml:"startLine"`
	Policy      string        `yaml:"policy"`
	Jitter      time.Duration `yaml:"jitter"`

	// Storage sink.
	Bucket          string `yaml:"bucket"`
	KeyPrefix       string `yaml:"keyPrefix"`
	CacheControl    string `yaml:"cacheControl"`
	ContentType     string `yaml:"contentType"`
	Tagging         string `yaml:"tagging"`
	PartSizeMB      int    `yaml:"partSizeMB"`
	PartConcurrency int    `yaml:"partConcurrency"`

	// Generation service.
	ServiceURL string  `yaml:"serviceURL"`
	ServerID   string  `yaml:"serverId"`
	ChannelID  string  `yaml:"channelId"`
	Token      string  `yaml:"-"` // never read from files
	TokenParam string  `yaml:"tokenParam"`
	SubmitRate float64 `yaml:"submitRate"`

	// Optional sinks.
	FailureTable string `yaml:"failureTable"`
	EventBus     string `yaml:"eventBus"`
	EmitMetrics  bool   `yaml:"emitMetrics"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Concurrency:     12,
		Repeat:          1,
		StartLine:       0,
		Policy:          string(batch.PolicyWindow),
		Jitter:          250 * time.Millisecond,
		Bucket:          "pipencil-content",
		KeyPrefix:       "midjourney/",
		CacheControl:    "max-age=31536000",
		ContentType:     "image/png",
		PartSizeMB:      5,
		PartConcurrency: relay.DefaultPartConcurrency,
		SubmitRate:      0.5,
		LogLevel:        "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (if non-empty)
// and the environment. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load(".env", ".env.local")
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays MJ_* environment variables.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"MJ_SOURCE":        &c.SourcePath,
		"MJ_POLICY":        &c.Policy,
		"MJ_BUCKET":        &c.Bucket,
		"MJ_KEY_PREFIX":    &c.KeyPrefix,
		"MJ_CACHE_CONTROL": &c.CacheControl,
		"MJ_CONTENT_TYPE":  &c.ContentType,
		"MJ_TAGGING":       &c.Tagging,
		"MJ_SERVICE_URL":   &c.ServiceURL,
		"MJ_SERVER_ID":     &c.ServerID,
		"MJ_CHANNEL_ID":    &c.ChannelID,
		"MJ_TOKEN":         &c.Token,
		"MJ_TOKEN_PARAM":   &c.TokenParam,
		"MJ_FAILURE_TABLE": &c.FailureTable,
		"MJ_EVENT_BUS":     &c.EventBus,
		"MJ_LOG_LEVEL":     &c.LogLevel,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MJ_CONCURRENCY":      &c.Concurrency,
		"MJ_REPEAT":           &c.Repeat,
		"MJ_START_LINE":       &c.StartLine,
		"MJ_PART_SIZE_MB":     &c.PartSizeMB,
		"MJ_PART_CONCURRENCY": &c.PartConcurrency,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("MJ_JITTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MJ_JITTER: %w", err)
		}
		c.Jitter = d
	}
	if v := os.Getenv("MJ_SUBMIT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MJ_SUBMIT_RATE: %w", err)
		}
		c.SubmitRate = f
	}
	if v := os.Getenv("MJ_EMIT_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MJ_EMIT_METRICS: %w", err)
		}
		c.EmitMetrics = b
	}
	return nil
}

// Validate rejects settings the batch cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SourcePath == "":
		return fmt.Errorf("source path is required")
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	case c.Repeat < 1:
		return fmt.Errorf("repeat must be positive, got %d", c.Repeat)
	case c.StartLine < 0:
		return fmt.Errorf("start line must not be negative, got %d", c.StartLine)
	case c.Jitter < 0:
		return fmt.Errorf("jitter must not be negative, got %s", c.Jitter)
	case c.Bucket == "":
		return fmt.Errorf("bucket is required")
	case c.PartSize() < relay.MinPartSize:
		return fmt.Errorf("part size must be at least 5 MB, got %d MB", c.PartSizeMB)
	case c.PartSize() > relay.MaxPartSize:
		return fmt.Errorf("part size must be at most %d MB, got %d MB", relay.MaxPartSize>>20, c.PartSizeMB)
	case c.PartConcurrency < 1 || c.PartConcurrency > relay.MaxPartConcurrency:
		return fmt.Errorf("part concurrency must be between 1 and %d, got %d", relay.MaxPartConcurrency, c.PartConcurrency)
	case c.ServiceURL == "":
		return fmt.Errorf("generation service URL is required")
	case c.SubmitRate < 0:
		return fmt.Errorf("submit rate must not be negative, got %g", c.SubmitRate)
	}
	if _, err := batch.ParsePolicy(c.Policy); err != nil {
		return err
	}
	return nil
}

// PartSize is the multipart part size in bytes.
func (c Config) PartSize() int64 {
	return int64(c.PartSizeMB) * 1024 * 1024
}
