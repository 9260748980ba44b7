package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // TZ must resolve in minimal containers

	"github.com/spf13/viper"
)

const (
	BackendSQL   = "sql"
	BackendNeo4j = "neo4j"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is flat so every key maps onto one environment variable (key upper-cased).
type Config struct {
	HTTPAddr       string   `mapstructure:"http_addr"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	GraphBackend string `mapstructure:"graph_backend"`
	SQLDriver    string `mapstructure:"sql_driver"`
	SQLitePath   string `mapstructure:"sqlite_path"`

	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     string `mapstructure:"postgres_port"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUsername string `mapstructure:"neo4j_username"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`

	TimescaleDSN string `mapstructure:"timescale_dsn"`

	KafkaBrokers []string `mapstructure:"kafka_bootstrap_servers"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
	KafkaTopics  []string `mapstructure:"kafka_topics"`

	MQTTBrokerURL   string `mapstructure:"mqtt_broker_url"`
	MQTTClientID    string `mapstructure:"mqtt_client_id"`
	MQTTStatePrefix string `mapstructure:"mqtt_state_prefix"`

	DispatchBuffer int    `mapstructure:"dispatch_buffer"`
	DeadLetterDir  string `mapstructure:"deadletter_dir"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	OllamaBaseURL string        `mapstructure:"ollama_base_url"`
	OllamaModel   string        `mapstructure:"ollama_model"`
	OllamaTimeout time.Duration `mapstructure:"ollama_timeout"`
	OllamaEmbed   string        `mapstructure:"ollama_embed_model"`

	// EnrichEntities lets the model fill in type and room of generic entities before inference.
	EnrichEntities bool `mapstructure:"enrich_entities"`
	EnrichLimit    int  `mapstructure:"enrich_limit"`

	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`

	InferenceSchedule    string        `mapstructure:"inference_schedule"`
	InferencePeriods     []string      `mapstructure:"inference_periods"`
	CorrelationThreshold time.Duration `mapstructure:"correlation_threshold"`
	MinSupport           int           `mapstructure:"min_support"`
	WasteThreshold       time.Duration `mapstructure:"waste_threshold"`
	Timezone             string        `mapstructure:"tz"`
	ReportTTL            time.Duration `mapstructure:"report_ttl"`

	InsightsRPS   float64 `mapstructure:"insights_rps"`
	InsightsBurst int     `mapstructure:"insights_burst"`
}

var defaults = map[string]any{
	"http_addr":       ":8095",
	"log_level":       "info",
	"log_format":      "text",
	"allowed_origins": []string{},

	"graph_backend": BackendSQL,
	"sql_driver":    DriverPostgres,
	"sqlite_path":   "analytics.db",

	"postgres_user":     "",
	"postgres_password": "",
	"postgres_db":       "",
	"postgres_host":     "",
	"postgres_port":     "5432",
	"postgres_sslmode":  "disable",

	"neo4j_uri":      "",
	"neo4j_username": "",
	"neo4j_password": "",
	"neo4j_database": "neo4j",

	"timescale_dsn": "",

	"kafka_bootstrap_servers": []string{},
	"kafka_group_id":          "smart-home-analytics",
	"kafka_topics":            []string{"sensor_data", "device_events", "user_interactions"},

	"mqtt_broker_url":   "",
	"mqtt_client_id":    "smart-home-analytics",
	"mqtt_state_prefix": "homeassistant/statestream/",

	"dispatch_buffer": 256,
	"deadletter_dir":  "data/deadletter",

	"redis_addr":     "",
	"redis_password": "",

	"ollama_base_url":    "",
	"ollama_model":       "llama3.1",
	"ollama_timeout":     60 * time.Second,
	"ollama_embed_model": "nomic-embed-text",

	"enrich_entities": true,
	"enrich_limit":    20,

	"jwt_public_key_path": "",

	"inference_schedule":    "@every 1h",
	"inference_periods":     []string{"last 7 days", "last 30 days"},
	"correlation_threshold": 300 * time.Second,
	"min_support":           5,
	"waste_threshold":       30 * time.Minute,
	"tz":                    "UTC",
	"report_ttl":            15 * time.Minute,

	"insights_rps":   0.5,
	"insights_burst": 2,
}

// Load reads defaults, then the optional YAML file named by CONFIG_FILE, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitAll(cfg.KafkaBrokers)
	cfg.KafkaTopics = splitAll(cfg.KafkaTopics)
	cfg.AllowedOrigins = splitAll(cfg.AllowedOrigins)
	cfg.InferencePeriods = splitAll(cfg.InferencePeriods)
	cfg.GraphBackend = strings.ToLower(strings.TrimSpace(cfg.GraphBackend))
	cfg.SQLDriver = strings.ToLower(strings.TrimSpace(cfg.SQLDriver))
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting for the selected backends at once.
func (c *Config) Validate() error {
	var errs []error
	missing := func(name, val string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", strings.ToUpper(name)))
		}
	}

	switch c.GraphBackend {
	case BackendNeo4j:
		missing("neo4j_uri", c.Neo4jURI)
		missing("neo4j_username", c.Neo4jUsername)
		missing("neo4j_password", c.Neo4jPassword)
	case BackendSQL:
		switch c.SQLDriver {
		case DriverPostgres:
			missing("postgres_user", c.PostgresUser)
			missing("postgres_password", c.PostgresPassword)
			missing("postgres_db", c.PostgresDB)
			missing("postgres_host", c.PostgresHost)
		case DriverSQLite:
			missing("sqlite_path", c.SQLitePath)
		default:
			errs = append(errs, fmt.Errorf("SQL_DRIVER %q is not one of postgres, sqlite", c.SQLDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("GRAPH_BACKEND %q is not one of sql, neo4j", c.GraphBackend))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TZ %q: %w", c.Timezone, err))
	}
	if c.CorrelationThreshold <= 0 {
		errs = append(errs, errors.New("CORRELATION_THRESHOLD must be positive"))
	}
	if c.WasteThreshold <= 0 {
		errs = append(errs, errors.New("WASTE_THRESHOLD must be positive"))
	}
	if c.MinSupport < 1 {
		errs = append(errs, errors.New("MIN_SUPPORT must be at least 1"))
	}
	if len(c.InferencePeriods) == 0 {
		errs = append(errs, errors.New("INFERENCE_PERIODS must name at least one timeframe"))
	}
	return errors.Join(errs...)
}

// ValidateSources is checked only by commands that consume the bus.
func (c *Config) ValidateSources() error {
	if len(c.KafkaBrokers) == 0 && c.MQTTBrokerURL == "" {
		return errors.New("KAFKA_BOOTSTRAP_SERVERS or MQTT_BROKER_URL is required")
	}
	return nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// splitAll flattens comma-separated entries; env values arrive as one element.
func splitAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
