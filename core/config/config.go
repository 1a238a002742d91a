package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SEQUENT_"

var ErrInvalid = errors.New("invalid config")

// Config is the process-level configuration of an engine and its adapters.
type Config struct {
	Engine Engine `yaml:"engine" envPrefix:"ENGINE_"`
	Topics Topics `yaml:"topics" envPrefix:"TOPICS_"`
	Broker Broker `yaml:"broker" envPrefix:"BROKER_"`
	Store  Store  `yaml:"store" envPrefix:"STORE_"`
	Cache  Cache  `yaml:"cache" envPrefix:"CACHE_"`
}

type Engine struct {
	// Name identifies the node in logs; empty means a random name.
	Name string `yaml:"name" env:"NAME"`
	// Group is the consumer group all nodes consume commands in.
	Group              string        `yaml:"group" env:"GROUP" envDefault:"sequent"`
	MaxQueues          int           `yaml:"max_queues" env:"MAX_QUEUES"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"5m"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" envDefault:"1m"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF" envDefault:"100ms"`
	// ParkRecheck is how often event queues with parked streams re-read the
	// recorded version, which other nodes may have advanced.
	ParkRecheck        time.Duration `yaml:"park_recheck" env:"PARK_RECHECK" envDefault:"1s"`
	MaxConflictRetries int           `yaml:"max_conflict_retries" env:"MAX_CONFLICT_RETRIES" envDefault:"16"`
	PublishRetries     int           `yaml:"publish_retries" env:"PUBLISH_RETRIES" envDefault:"3"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE" envDefault:"10s"`
}

// Topics names the broker topics. Each base is split into Partitions
// topics "<base>.<n>".
type Topics struct {
	Commands   string `yaml:"commands" env:"COMMANDS" envDefault:"commands"`
	Events     string `yaml:"events" env:"EVENTS" envDefault:"events"`
	Messages   string `yaml:"messages" env:"MESSAGES" envDefault:"messages"`
	Partitions uint32 `yaml:"partitions" env:"PARTITIONS" envDefault:"16"`
	Seed       string `yaml:"seed" env:"SEED"`
}

const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreNATS     = "nats"
)

type Broker struct {
	Kind string `yaml:"kind" env:"KIND" envDefault:"memory"`
	URL  string `yaml:"url" env:"URL" envDefault:"nats://127.0.0.1:4222"`
	// Stream is the JetStream stream holding all topics.
	Stream string `yaml:"stream" env:"STREAM" envDefault:"SEQUENT"`
}

type Store struct {
	// Kind selects the event store: memory, sqlite, postgres, redis or nats.
	Kind string `yaml:"kind" env:"KIND" envDefault:"memory"`
	DSN  string `yaml:"dsn" env:"DSN"`
	// Versions selects the version store of event processors, from the
	// same kinds. Empty means the same as Kind.
	Versions  string `yaml:"versions" env:"VERSIONS"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	// Bucket is the JetStream key-value bucket used by the nats version
	// store.
	Bucket string `yaml:"bucket" env:"BUCKET" envDefault:"sequent-versions"`
}

type Cache struct {
	Expiration    time.Duration `yaml:"expiration" env:"EXPIRATION" envDefault:"30m"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" envDefault:"1m"`
	MaxSize       int           `yaml:"max_size" env:"MAX_SIZE"`
}

// VersionStoreKind returns the effective version store kind.
func (s Store) VersionStoreKind() string {
	if s.Versions == "" {
		return s.Kind
	}
	return s.Versions
}

// Default returns the configuration with every default applied and no
// environment read.
func Default() Config {
	var cfg Config
	// defaults only; parsing an empty environment cannot fail
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Load reads the YAML file at path (if path is not empty) and applies
// SEQUENT_* environment variables on top. Fields left zero by both get
// their defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:                       EnvPrefix,
		SetDefaultsForZeroValuesOnly: true,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerMemory, BrokerNATS:
	default:
		return fmt.Errorf("%w: unknown broker kind %q", ErrInvalid, c.Broker.Kind)
	}
	if !knownStore(c.Store.Kind) {
		return fmt.Errorf("%w: unknown event store kind %q", ErrInvalid, c.Store.Kind)
	}
	if !knownStore(c.Store.VersionStoreKind()) {
		return fmt.Errorf("%w: unknown version store kind %q", ErrInvalid, c.Store.Versions)
	}
	for _, kind := range []string{c.Store.Kind, c.Store.VersionStoreKind()} {
		if (kind == StoreSQLite || kind == StorePostgres) && c.Store.DSN == "" {
			return fmt.Errorf("%w: %s store needs a dsn", ErrInvalid, kind)
		}
	}
	if c.Topics.Partitions == 0 {
		return fmt.Errorf("%w: topics need at least one partition", ErrInvalid)
	}
	return nil
}

func knownStore(kind string) bool {
	switch kind {
	case StoreMemory, StoreSQLite, StorePostgres, StoreRedis, StoreNATS:
		return true
	}
	return false
}
