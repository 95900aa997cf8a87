package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Candleflow CandleflowConfig `yaml:"candleflow"`
	Provider   ProviderConfig   `yaml:"provider"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Stream     StreamConfig     `yaml:"stream"`
	Sink       SinkConfig       `yaml:"sink"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CandleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ProviderConfig struct {
	ID        string          `yaml:"id"`
	APIKey    string          `yaml:"api_key"`
	APISecret string          `yaml:"api_secret"`
	BaseURL   string          `yaml:"base_url"`
	WSBaseURL string          `yaml:"ws_base_url"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type BackfillConfig struct {
	Enabled bool                `yaml:"enabled"`
	Jobs    []BackfillJobConfig `yaml:"jobs"`
}

type BackfillJobConfig struct {
	Symbol            string `yaml:"symbol"`
	Timeframe         string `yaml:"timeframe"`
	Start             string `yaml:"start"`
	End               string `yaml:"end"`
	PageLimit         int    `yaml:"page_limit"`
	PriceRef          string `yaml:"price_ref"`
	ExcludeOpenCandle bool   `yaml:"exclude_open_candle"`
	StrictBounds      bool   `yaml:"strict_bounds"`
}

type StreamConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Feed          string        `yaml:"feed"`
	Symbols       []string      `yaml:"symbols"`
	Timeframe     string        `yaml:"timeframe"`
	PriceRef      string        `yaml:"price_ref"`
	IncludeOpen   bool          `yaml:"include_open"`
	Aggregate     bool          `yaml:"aggregate"`
	FlushEvery    int           `yaml:"flush_every"`
	DedupWindow   int           `yaml:"dedup_window"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	MaxReconnects int           `yaml:"max_reconnects"`
	MaxMessages   int64         `yaml:"max_messages"`
	MaxDuration   time.Duration `yaml:"max_duration"`
}

type SinkConfig struct {
	Format     string       `yaml:"format"`
	Path       string       `yaml:"path"`
	Table      string       `yaml:"table"`
	KeyColumns []string     `yaml:"key_columns"`
	Kafka      KafkaConfig  `yaml:"kafka"`
	S3         S3SinkConfig `yaml:"s3"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type S3SinkConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

var validSinkFormats = map[string]bool{
	"csv":     true,
	"parquet": true,
	"duckdb":  true,
	"kafka":   true,
	"memory":  true,
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Sink: SinkConfig{Format: "csv"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment when present.
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		config.Provider.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PROVIDER_API_SECRET"); v != "" {
		config.Provider.APISecret = strings.TrimSpace(v)
	}
	if config.Sink.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sink.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sink.S3.Bucket = strings.TrimSpace(config.Sink.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Candleflow.Name == "" {
		return fmt.Errorf("candleflow.name is required")
	}
	if cfg.Candleflow.Version == "" {
		return fmt.Errorf("candleflow.version is required")
	}

	if cfg.Provider.ID == "" {
		return fmt.Errorf("provider.id is required")
	}

	if !cfg.Backfill.Enabled && !cfg.Stream.Enabled {
		return fmt.Errorf("at least one of backfill or stream must be enabled")
	}

	if cfg.Backfill.Enabled {
		if len(cfg.Backfill.Jobs) == 0 {
			return fmt.Errorf("backfill.jobs must not be empty when backfill is enabled")
		}
		for i, job := range cfg.Backfill.Jobs {
			if job.Symbol == "" {
				return fmt.Errorf("backfill.jobs[%d].symbol is required", i)
			}
			if job.Timeframe == "" {
				return fmt.Errorf("backfill.jobs[%d].timeframe is required", i)
			}
			if job.Start != "" {
				if _, err := time.Parse(time.RFC3339, job.Start); err != nil {
					return fmt.Errorf("backfill.jobs[%d].start: %w", i, err)
				}
			}
			if job.End != "" {
				if _, err := time.Parse(time.RFC3339, job.End); err != nil {
					return fmt.Errorf("backfill.jobs[%d].end: %w", i, err)
				}
			}
		}
	}

	if cfg.Stream.Enabled {
		if len(cfg.Stream.Symbols) == 0 {
			return fmt.Errorf("stream.symbols must not be empty when stream is enabled")
		}
		if cfg.Stream.Feed == "" {
			return fmt.Errorf("stream.feed is required when stream is enabled")
		}
		if cfg.Stream.Feed == "candles" && cfg.Stream.Timeframe == "" {
			return fmt.Errorf("stream.timeframe is required for the candle feed")
		}
	}

	if !validSinkFormats[cfg.Sink.Format] {
		return fmt.Errorf("sink.format '%s' is not supported", cfg.Sink.Format)
	}
	if cfg.Sink.Format == "kafka" {
		if len(cfg.Sink.Kafka.Brokers) == 0 || cfg.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.brokers and sink.kafka.topic are required for the kafka sink")
		}
	} else if cfg.Sink.Format != "memory" && cfg.Sink.Path == "" {
		return fmt.Errorf("sink.path is required for the %s sink", cfg.Sink.Format)
	}

	if cfg.Sink.S3.Enabled {
		if cfg.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required when the S3 mirror is enabled")
		}
		if cfg.Sink.S3.Region == "" {
			return fmt.Errorf("sink.s3.region is required when the S3 mirror is enabled")
		}
		if !isValidS3Bucket(cfg.Sink.S3.Bucket) {
			return fmt.Errorf("sink.s3.bucket '%s' is invalid", cfg.Sink.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
