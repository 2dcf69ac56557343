package config

import (
	"fmt"
	"time"

	"github.com/adred-codev/comet/internal/types"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Overflow policies for a user's offline backlog.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowRejectNew  = "reject_new"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageMongo  = "mongo"
)

// Config holds all node configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Shard
	ShardID         int           `env:"SHARD_ID" envDefault:"0"`
	ShardPeers      []string      `env:"SHARD_PEERS" envSeparator:"," envDefault:"127.0.0.1:9000"` // public client addr per shard id
	ShardClientAddr string        `env:"SHARD_CLIENT_ADDR" envDefault:":9000"`
	ShardAdminAddr  string        `env:"SHARD_ADMIN_ADDR" envDefault:":9100"`
	ShardRedirect   bool          `env:"SHARD_REDIRECT" envDefault:"false"` // 307 misrouted connects to the owning shard
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"30m"`
	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	HeartbeatMode   bool          `env:"HEARTBEAT_MODE" envDefault:"true"`
	SendBuffer      int           `env:"SESSION_SEND_BUFFER" envDefault:"256"`
	ReplayOnLogin   bool          `env:"REPLAY_ON_LOGIN" envDefault:"true"`
	MaxConnections  int           `env:"MAX_CONNECTIONS" envDefault:"100000"`

	// Router
	RouterAdminAddr string `env:"ROUTER_ADMIN_ADDR" envDefault:":9200"`
	ReplayBatchSize int    `env:"REPLAY_BATCH_SIZE" envDefault:"100"`
	VirtualNodes    int    `env:"SHARD_VIRTUAL_NODES" envDefault:"100"`

	// Storage
	StorageBackend  string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	BacklogCapacity int           `env:"BACKLOG_CAPACITY" envDefault:"100"`
	OverflowPolicy  string        `env:"BACKLOG_OVERFLOW_POLICY" envDefault:"drop_oldest"`
	DefaultTTL      time.Duration `env:"MESSAGE_TTL" envDefault:"0s"`
	SnapshotPath    string        `env:"MEMORY_SNAPSHOT_PATH"`
	RedisAddr       string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB" envDefault:"0"`
	MongoURI        string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string        `env:"MONGO_DATABASE" envDefault:"comet"`

	// Bus between shards and router. Empty URL selects the in-process bus.
	BusURL           string        `env:"BUS_URL"`
	BusRetryInterval time.Duration `env:"BUS_RETRY_INTERVAL" envDefault:"2s"`
	BusRetryAttempts int           `env:"BUS_RETRY_ATTEMPTS" envDefault:"3"`

	// Reactor and executor
	Workers        int `env:"EXECUTOR_WORKERS" envDefault:"4"`
	QueueSize      int `env:"EXECUTOR_QUEUE_SIZE" envDefault:"100000"`
	QueueHighWater int `env:"EXECUTOR_QUEUE_HIGH_WATER" envDefault:"10000"`
	LoopQueueSize  int `env:"LOOP_QUEUE_SIZE" envDefault:"4096"`

	// Ingest (disabled when no brokers are set)
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"comet-ingest"`
	IngestTopics       []string `env:"INGEST_TOPICS" envSeparator:"," envDefault:"comet.publish"`
	IngestRate         float64  `env:"INGEST_RATE" envDefault:"0"` // records/sec, 0 = unlimited
	IngestBurst        int      `env:"INGEST_BURST" envDefault:"100"`

	// Connection rate limiting
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Defaults returns the envDefault values alone, ignoring the process
// environment and any .env file.
func Defaults() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	return cfg
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ShardID < 0 {
		return fmt.Errorf("SHARD_ID must be >= 0, got %d", c.ShardID)
	}
	if len(c.ShardPeers) == 0 {
		return fmt.Errorf("SHARD_PEERS must list at least one shard")
	}
	if c.ShardID >= len(c.ShardPeers) {
		return fmt.Errorf("SHARD_ID %d has no entry in SHARD_PEERS (%d peers)", c.ShardID, len(c.ShardPeers))
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be > 0, got %s", c.TickInterval)
	}
	if c.IdleTimeout < 2*c.TickInterval {
		return fmt.Errorf("IDLE_TIMEOUT (%s) must be at least two ticks (%s)", c.IdleTimeout, 2*c.TickInterval)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("SESSION_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ReplayBatchSize < 1 {
		return fmt.Errorf("REPLAY_BATCH_SIZE must be > 0, got %d", c.ReplayBatchSize)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("SHARD_VIRTUAL_NODES must be > 0, got %d", c.VirtualNodes)
	}
	if c.BacklogCapacity < 1 {
		return fmt.Errorf("BACKLOG_CAPACITY must be > 0, got %d", c.BacklogCapacity)
	}
	if c.Workers < 1 {
		return fmt.Errorf("EXECUTOR_WORKERS must be > 0, got %d", c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("EXECUTOR_QUEUE_SIZE must be >= 0, got %d", c.QueueSize)
	}
	if c.LoopQueueSize < 1 {
		return fmt.Errorf("LOOP_QUEUE_SIZE must be > 0, got %d", c.LoopQueueSize)
	}
	if c.BusRetryAttempts < 0 {
		return fmt.Errorf("BUS_RETRY_ATTEMPTS must be >= 0, got %d", c.BusRetryAttempts)
	}

	switch c.OverflowPolicy {
	case OverflowDropOldest, OverflowRejectNew:
	default:
		return fmt.Errorf("BACKLOG_OVERFLOW_POLICY must be one of: %s, %s (got: %s)",
			OverflowDropOldest, OverflowRejectNew, c.OverflowPolicy)
	}

	switch c.StorageBackend {
	case StorageMemory, StorageRedis, StorageMongo:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of: memory, redis, mongo (got: %s)", c.StorageBackend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// SlotCount is the number of time wheel slots for the idle window.
func (c *Config) SlotCount() int {
	n := int(c.IdleTimeout / c.TickInterval)
	if n < 2 {
		return 2
	}
	return n
}

// IsDevelopment reports whether invariant violations should panic.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IngestEnabled reports whether a Kafka ingest consumer should run.
func (c *Config) IngestEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func (c *Config) Level() types.LogLevel {
	return types.LogLevel(c.LogLevel)
}

func (c *Config) Format() types.LogFormat {
	return types.LogFormat(c.LogFormat)
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("shard_id", c.ShardID).
		Strs("shard_peers", c.ShardPeers).
		Str("shard_client_addr", c.ShardClientAddr).
		Str("shard_admin_addr", c.ShardAdminAddr).
		Str("router_admin_addr", c.RouterAdminAddr).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("tick_interval", c.TickInterval).
		Int("slot_count", c.SlotCount()).
		Bool("heartbeat_mode", c.HeartbeatMode).
		Bool("replay_on_login", c.ReplayOnLogin).
		Int("replay_batch_size", c.ReplayBatchSize).
		Str("storage_backend", c.StorageBackend).
		Int("backlog_capacity", c.BacklogCapacity).
		Str("overflow_policy", c.OverflowPolicy).
		Str("bus_url", c.BusURL).
		Int("workers", c.Workers).
		Int("executor_queue_size", c.QueueSize).
		Strs("kafka_brokers", c.KafkaBrokers).
		Strs("ingest_topics", c.IngestTopics).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
