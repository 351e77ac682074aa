package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StorageEngine selects the backend for the session-transactions table
type StorageEngine string

const (
	EnginePebble StorageEngine = "pebble" // Embedded LSM store
	EngineSQLite StorageEngine = "sqlite" // Embedded SQLite table
	EngineMemory StorageEngine = "memory" // In-memory, non-durable
)

// ReplicationMode describes how this node participates in a replica set
type ReplicationMode string

const (
	ModeStandalone ReplicationMode = "standalone"
	ModeReplicaSet ReplicationMode = "replset"
)

// CatalogConfiguration controls the session catalog behavior
type CatalogConfiguration struct {
	RecentErasedCacheSize int `toml:"recent_erased_cache_size"` // LRU capacity for erased-session diagnostics
	CheckoutWarnMS        int `toml:"checkout_warn_ms"`         // Log a warning when a checkout waits longer than this
}

// StorageConfiguration controls the durable session-transactions table
type StorageConfiguration struct {
	Engine             StorageEngine `toml:"engine"`
	TableNamespace     string        `toml:"table_namespace"`      // Conventional namespace, e.g. config.transactions
	CompressThreshold  int           `toml:"compress_threshold"`   // Compress statement payloads above this many bytes
	FilterCapacity     uint          `toml:"filter_capacity"`      // Cuckoo filter capacity for durable-state checks
	SQLiteBusyTimeout  int           `toml:"sqlite_busy_timeout"`  // Milliseconds
	PebbleCacheSizeMB  int           `toml:"pebble_cache_size_mb"` // Pebble block cache size
	CheckpointOnStepUp bool          `toml:"checkpoint_on_step_up"`
}

// ReplicationConfiguration controls replica-set membership
type ReplicationConfiguration struct {
	Mode        ReplicationMode `toml:"mode"`
	ReplSetName string          `toml:"replset_name"`
}

// ShardConfiguration controls the shard command transport
type ShardConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"`
	DialTimeoutMS           int `toml:"dial_timeout_ms"`
	MaxRetries              int `toml:"max_retries"`
	RetryBackoffMS          int `toml:"retry_backoff_ms"`

	// Secret authenticates shard-to-shard RPCs. Empty disables auth.
	Secret string `toml:"secret"`

	// Endpoints maps shard IDs to their gRPC addresses for router fan-out
	Endpoints map[string]string `toml:"endpoints"`
}

// ServerConfiguration controls the muxed gRPC/HTTP listener
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`

	// AdminSecret protects the admin HTTP surface. Empty disables auth.
	AdminSecret string `toml:"admin_secret"`
}

// SinkConfiguration configures one session-event sink
type SinkConfiguration struct {
	Type       string   `toml:"type"` // "nats" or "kafka"
	URL        string   `toml:"url"`  // NATS server URL
	Brokers    []string `toml:"brokers"`
	Topic      string   `toml:"topic"`
	BatchSize  int      `toml:"batch_size"`
	BufferSize int      `toml:"buffer_size"`

	// FilterKinds restricts publishing to matching event kinds (glob
	// patterns). Empty means publish everything.
	FilterKinds []string `toml:"filter_kinds"`
}

// EventsConfiguration controls session lifecycle event publishing
type EventsConfiguration struct {
	Enabled bool              `toml:"enabled"`
	Sink    SinkConfiguration `toml:"sink"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Catalog     CatalogConfiguration     `toml:"catalog"`
	Storage     StorageConfiguration     `toml:"storage"`
	Replication ReplicationConfiguration `toml:"replication"`
	Shard       ShardConfiguration       `toml:"shard"`
	Server      ServerConfiguration      `toml:"server"`
	Events      EventsConfiguration      `toml:"events"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Server port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./civet-data",

	Catalog: CatalogConfiguration{
		RecentErasedCacheSize: 1024,
		CheckoutWarnMS:        1000,
	},

	Storage: StorageConfiguration{
		Engine:             EnginePebble,
		TableNamespace:     "config.transactions",
		CompressThreshold:  4096,
		FilterCapacity:     1 << 20,
		SQLiteBusyTimeout:  5000,
		PebbleCacheSizeMB:  64,
		CheckpointOnStepUp: true,
	},

	Replication: ReplicationConfiguration{
		Mode:        ModeStandalone,
		ReplSetName: "",
	},

	Shard: ShardConfiguration{
		KeepaliveTimeSeconds:    10,
		KeepaliveTimeoutSeconds: 3,
		DialTimeoutMS:           2000,
		MaxRetries:              3,
		RetryBackoffMS:          100,
	},

	Server: ServerConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8080,
	},

	Events: EventsConfiguration{
		Enabled: false,
		Sink: SinkConfiguration{
			Type:       "nats",
			URL:        "nats://localhost:4222",
			Topic:      "civet.sessions",
			BatchSize:  100,
			BufferSize: 1000,
		},
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("civet")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}

	switch Config.Storage.Engine {
	case EnginePebble, EngineSQLite, EngineMemory:
	default:
		return fmt.Errorf("invalid storage engine: %s", Config.Storage.Engine)
	}

	if Config.Storage.TableNamespace == "" {
		return fmt.Errorf("storage table namespace must not be empty")
	}

	if Config.Storage.CompressThreshold < 0 {
		return fmt.Errorf("compress threshold must be >= 0")
	}

	if Config.Storage.FilterCapacity < 1 {
		return fmt.Errorf("filter capacity must be >= 1")
	}

	switch Config.Replication.Mode {
	case ModeStandalone, ModeReplicaSet:
	default:
		return fmt.Errorf("invalid replication mode: %s", Config.Replication.Mode)
	}

	if Config.Replication.Mode == ModeReplicaSet && Config.Replication.ReplSetName == "" {
		return fmt.Errorf("replset_name is required in replset mode")
	}

	if Config.Catalog.RecentErasedCacheSize < 1 {
		return fmt.Errorf("recent erased cache size must be >= 1")
	}

	if Config.Catalog.CheckoutWarnMS < 0 {
		return fmt.Errorf("checkout warn threshold must be >= 0")
	}

	if Config.Shard.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("shard keepalive time must be >= 1 second")
	}

	if Config.Shard.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("shard keepalive timeout must be >= 1 second")
	}

	if Config.Shard.MaxRetries < 0 {
		return fmt.Errorf("shard max retries must be >= 0")
	}

	if Config.Shard.RetryBackoffMS < 0 {
		return fmt.Errorf("shard retry backoff must be >= 0")
	}

	if Config.Events.Enabled {
		switch Config.Events.Sink.Type {
		case "nats":
			if Config.Events.Sink.URL == "" {
				return fmt.Errorf("events sink URL is required for nats")
			}
		case "kafka":
			if len(Config.Events.Sink.Brokers) == 0 {
				return fmt.Errorf("events sink requires at least one kafka broker")
			}
		default:
			return fmt.Errorf("invalid events sink type: %s", Config.Events.Sink.Type)
		}
		if Config.Events.Sink.Topic == "" {
			return fmt.Errorf("events sink topic must not be empty")
		}
	}

	return nil
}

// StorePath returns the on-disk location for the session-transactions store
func StorePath() string {
	return path.Join(Config.DataDir, "sessions")
}
