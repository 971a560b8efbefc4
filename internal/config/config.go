package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/impact"
	"OpportunitySwitch/internal/ingest"
	"OpportunitySwitch/internal/preempt"
	"OpportunitySwitch/internal/tiered"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Coordinator coordinator.Config `yaml:"coordinator"`
	Engine      preempt.Config     `yaml:"engine"`
	Thresholds  impact.Thresholds  `yaml:"thresholds"`

	Store struct {
		Backend    string              `yaml:"backend"`
		SQLitePath string              `yaml:"sqlite_path"`
		Redis      tiered.RedisOptions `yaml:"redis"`
		Tiers      tiered.Config       `yaml:",inline"`
	} `yaml:"store"`

	Executor struct {
		PaperLatency time.Duration `yaml:"paper_latency"`
		// DrainInterval is how often queued opportunities are retried when no
		// new opportunity triggers a drain.
		DrainInterval time.Duration `yaml:"drain_interval"`
		// SnapshotInterval schedules the background ledger snapshot task.
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		LedgerRecent     int           `yaml:"ledger_recent"`
	} `yaml:"executor"`

	Recorder struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"recorder"`

	Kafka ingest.KafkaConfig `yaml:"kafka"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatID   string   `yaml:"chat_id"`
		Events   []string `yaml:"events"`
	} `yaml:"telegram"`

	Proxy string `yaml:"proxy"`
	Debug bool   `yaml:"debug"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Coordinator: coordinator.DefaultConfig(),
		Engine:      preempt.DefaultConfig(),
		Thresholds:  impact.DefaultThresholds,
	}
	cfg.Store.Backend = BackendMemory
	cfg.Store.SQLitePath = "data/state.db"
	cfg.Store.Redis.Addr = "localhost:6379"
	cfg.Store.Tiers = tiered.DefaultConfig()
	cfg.Executor.PaperLatency = 50 * time.Millisecond
	cfg.Executor.DrainInterval = 5 * time.Second
	cfg.Executor.SnapshotInterval = time.Minute
	cfg.Executor.LedgerRecent = 50
	cfg.Recorder.SQLitePath = "data/events.db"
	cfg.Kafka.ConsumerGroup = "opportunity-switch"
	cfg.HTTP.Addr = ":8080"
	return cfg
}

// Load reads an optional .env file and the YAML config over the defaults,
// then applies environment variable overrides. Missing files are not errors.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.Proxy = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("STORE_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("RECORDER_SQLITE_PATH"); v != "" {
		c.Recorder.SQLitePath = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_CONSUMER_GROUP"); v != "" {
		c.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("CONCURRENCY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONCURRENCY_LIMIT: %w", err)
		}
		c.Coordinator.ConcurrencyLimit = n
	}
	if v := os.Getenv("SWITCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SWITCH_TIMEOUT: %w", err)
		}
		c.Coordinator.SwitchTimeout = d
	}
	if v := os.Getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		c.Debug = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.Coordinator.ConcurrencyLimit <= 0 {
		return fmt.Errorf("coordinator.concurrency_limit must be positive")
	}
	if c.Coordinator.QueueCapacity <= 0 {
		return fmt.Errorf("coordinator.queue_capacity must be positive")
	}
	if c.Coordinator.SwitchTimeout <= 0 {
		return fmt.Errorf("coordinator.switch_timeout must be positive")
	}
	if c.Coordinator.ForcePreemptTimeout > c.Coordinator.SwitchTimeout {
		return fmt.Errorf("coordinator.force_preempt_timeout must not exceed switch_timeout")
	}
	switch c.Coordinator.DrainOrder {
	case coordinator.DrainByPriorityScore, coordinator.DrainByImpact:
	default:
		return fmt.Errorf("coordinator.drain_order %q is not supported", c.Coordinator.DrainOrder)
	}
	if !c.Thresholds.Valid() {
		return fmt.Errorf("thresholds must be positive and strictly increasing")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Store.Tiers.MaxPayloadSize <= 0 {
		return fmt.Errorf("store.max_payload_size must be positive")
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}

// TelegramEnabled reports whether notifications are configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// KafkaEnabled reports whether the Kafka feed is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
