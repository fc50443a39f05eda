package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.DispatchBatchSize != 50 {
		t.Fatalf("expected default batch size 50, got %d", cfg.DispatchBatchSize)
	}
	if cfg.StaleAfter != 2*time.Minute {
		t.Fatalf("expected stale-after 2m, got %s", cfg.StaleAfter)
	}
	if cfg.BrokerDriver != "redis" {
		t.Fatalf("expected redis broker by default, got %s", cfg.BrokerDriver)
	}
}

func TestBrokerDisabledForcesLoopback(t *testing.T) {
	t.Setenv("BROKER_ENABLED", "false")
	t.Setenv("BROKER_DRIVER", "rabbitmq")
	cfg := Load()
	if cfg.BrokerDriver != "loopback" {
		t.Fatalf("expected loopback, got %s", cfg.BrokerDriver)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_QUEUE_CAPACITY", "250")
	t.Setenv("OUTBOX_STALE_AFTER", "45s")
	t.Setenv("FEED_SOURCES", "ORGANIZATION=s3://feeds/org.json, HOLIDAY=s3://feeds/hol.csv")
	t.Setenv("DLQ_REPROCESS_ENABLED", "yes-please")

	cfg := Load()
	if cfg.QueueCapacity != 250 {
		t.Fatalf("capacity override ignored: %d", cfg.QueueCapacity)
	}
	if cfg.StaleAfter != 45*time.Second {
		t.Fatalf("stale override ignored: %s", cfg.StaleAfter)
	}
	if len(cfg.FeedSources) != 2 || cfg.FeedSources[1] != "HOLIDAY=s3://feeds/hol.csv" {
		t.Fatalf("unexpected feed sources %v", cfg.FeedSources)
	}
	if cfg.DLQReprocessEnabled {
		t.Fatalf("unparseable bool should fall back to default")
	}
}
