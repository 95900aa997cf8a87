package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
backfill:
  enabled: true
  jobs:
    - symbol: BTC/USDT
      timeframe: 1h
      start: 2024-01-01T00:00:00Z
      end: 2024-01-02T00:00:00Z
sink:
  format: csv
  path: data/candles.csv
`

func TestLoadConfigMinimal(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.ID != "binance" {
		t.Errorf("provider id = %q", cfg.Provider.ID)
	}
	if len(cfg.Backfill.Jobs) != 1 || cfg.Backfill.Jobs[0].Symbol != "BTC/USDT" {
		t.Errorf("backfill jobs = %+v", cfg.Backfill.Jobs)
	}
	if cfg.Sink.Format != "csv" {
		t.Errorf("sink format = %q", cfg.Sink.Format)
	}
}

func TestLoadConfigRejectsBadTimestamps(t *testing.T) {
	bad := `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
backfill:
  enabled: true
  jobs:
    - symbol: BTC/USDT
      timeframe: 1h
      start: "01/01/2024"
sink:
  format: memory
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("expected validation failure on non RFC3339 start")
	}
}

func TestLoadConfigRequiresOneMode(t *testing.T) {
	idle := `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
sink:
  format: memory
`
	if _, err := LoadConfig(writeConfig(t, idle)); err == nil {
		t.Fatal("expected failure when neither backfill nor stream is enabled")
	}
}

func TestLoadConfigStreamValidation(t *testing.T) {
	stream := `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
stream:
  enabled: true
  feed: candles
  symbols: [BTC/USDT, ETH/USDT]
sink:
  format: memory
`
	if _, err := LoadConfig(writeConfig(t, stream)); err == nil {
		t.Fatal("candle feed without a timeframe should fail validation")
	}
}

func TestLoadConfigStreamPriceRef(t *testing.T) {
	stream := `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
stream:
  enabled: true
  feed: candles
  symbols: [BTC/USDT]
  timeframe: 1m
  price_ref: mark
sink:
  format: memory
`
	cfg, err := LoadConfig(writeConfig(t, stream))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Stream.PriceRef != "mark" {
		t.Errorf("stream price_ref = %q, want mark", cfg.Stream.PriceRef)
	}
}

func TestLoadConfigKafkaSink(t *testing.T) {
	kafka := `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
stream:
  enabled: true
  feed: trades
  symbols: [BTC/USDT]
sink:
  format: kafka
  kafka:
    brokers: [localhost:9092]
    topic: candles
`
	cfg, err := LoadConfig(writeConfig(t, kafka))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Sink.Kafka.Topic != "candles" {
		t.Errorf("kafka topic = %q", cfg.Sink.Kafka.Topic)
	}

	broken := `
candleflow:
  name: candleflow
  version: 1.0.0
provider:
  id: binance
stream:
  enabled: true
  feed: trades
  symbols: [BTC/USDT]
sink:
  format: kafka
`
	if _, err := LoadConfig(writeConfig(t, broken)); err == nil {
		t.Fatal("kafka sink without brokers should fail validation")
	}
}

func TestProviderSecretsFromEnvironment(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "env-key")
	t.Setenv("PROVIDER_API_SECRET", "env-secret")
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" || cfg.Provider.APISecret != "env-secret" {
		t.Errorf("provider secrets = %q/%q, want environment values", cfg.Provider.APIKey, cfg.Provider.APISecret)
	}
}

func TestS3BucketValidation(t *testing.T) {
	for name, valid := range map[string]bool{
		"candleflow-data": true,
		"ab":              false,
		"Bad_Bucket":      false,
		".dotfirst":       false,
		"double..dot":     false,
	} {
		if got := isValidS3Bucket(name); got != valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", name, got, valid)
		}
	}
}
