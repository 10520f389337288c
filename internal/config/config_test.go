package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FeedInterval != 10*time.Second || cfg.ChannelBaseDelay != 2*time.Second || cfg.MaxReconnects != 5 {
		t.Fatalf("unexpected tracking defaults: %+v", cfg)
	}
	if cfg.OfferTTL != time.Minute || cfg.EarningsSplit != 0.8 {
		t.Fatalf("unexpected offer defaults: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRACK_FEED_INTERVAL", "3s")
	t.Setenv("CHANNEL_MAX_RECONNECTS", "7")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FeedInterval != 3*time.Second || cfg.MaxReconnects != 7 || cfg.LogLevel != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadCollectsErrors(t *testing.T) {
	t.Setenv("TRACK_FEED_INTERVAL", "soon")
	t.Setenv("COURIER_EARNINGS_SPLIT", "1.5")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "TRACK_FEED_INTERVAL") || !strings.Contains(msg, "EarningsSplit") {
		t.Fatalf("expected both problems reported, got %q", msg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracking.yaml")
	body := "backend_url: http://backend.internal/api\nchannel_max_reconnects: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CHANNEL_MAX_RECONNECTS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BackendURL != "http://backend.internal/api" {
		t.Fatalf("file value not applied: %q", cfg.BackendURL)
	}
	if cfg.MaxReconnects != 4 {
		t.Fatalf("env must win over file, got %d", cfg.MaxReconnects)
	}
}
