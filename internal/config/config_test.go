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
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8095" || cfg.GraphBackend != BackendSQL || cfg.SQLDriver != DriverPostgres {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CorrelationThreshold != 300*time.Second || cfg.MinSupport != 5 {
		t.Fatalf("unexpected inference defaults: %v %d", cfg.CorrelationThreshold, cfg.MinSupport)
	}
	if strings.Join(cfg.KafkaTopics, ",") != "sensor_data,device_events,user_interactions" {
		t.Fatalf("unexpected topics %v", cfg.KafkaTopics)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("GRAPH_BACKEND", "Neo4j")
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "k1:9092, k2:9092")
	t.Setenv("CORRELATION_THRESHOLD", "90s")
	t.Setenv("MIN_SUPPORT", "3")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GraphBackend != BackendNeo4j || cfg.Neo4jURI != "bolt://graph:7687" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.CorrelationThreshold != 90*time.Second || cfg.MinSupport != 3 {
		t.Fatalf("unexpected thresholds %v %d", cfg.CorrelationThreshold, cfg.MinSupport)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	if err := os.WriteFile(path, []byte("sql_driver: sqlite\nsqlite_path: /tmp/a.db\ntz: Europe/Budapest\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TZ", "")
	t.Setenv("SQL_DRIVER", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SQLDriver != DriverSQLite || cfg.SQLitePath != "/tmp/a.db" {
		t.Fatalf("file not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Location().String() != "Europe/Budapest" {
		t.Fatalf("unexpected location %s", cfg.Location())
	}
}

func TestValidateReportsAllMissing(t *testing.T) {
	cfg := &Config{GraphBackend: BackendNeo4j, Timezone: "UTC", CorrelationThreshold: time.Minute, WasteThreshold: time.Minute, MinSupport: 1, InferencePeriods: []string{"last 24 hours"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"NEO4J_URI", "NEO4J_USERNAME", "NEO4J_PASSWORD"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("missing %s in %v", name, err)
		}
	}
}

func TestValidateSources(t *testing.T) {
	if err := (&Config{}).ValidateSources(); err == nil {
		t.Fatal("expected error without any bus")
	}
	if err := (&Config{MQTTBrokerURL: "tcp://mqtt:1883"}).ValidateSources(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
