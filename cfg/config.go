package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SlotConfiguration bounds the replication slot pool
type SlotConfiguration struct {
	Capacity int `toml:"capacity"` // Max simultaneously held slots (permanent + temporary)
}

// FeedConfiguration controls the durable change feed
type FeedConfiguration struct {
	ReadBatchSize  int `toml:"read_batch_size"`  // Events per dispatcher read
	PollIntervalMS int `toml:"poll_interval_ms"` // Dispatcher poll interval when feed is idle
	TrimIntervalS  int `toml:"trim_interval_seconds"`
}

// DispatchConfiguration controls per-subscription fan-out queues
type DispatchConfiguration struct {
	QueueDepth int `toml:"queue_depth"` // Bounded inbound queue per subscription
}

// SyncConfiguration controls initial table snapshots
type SyncConfiguration struct {
	CopyBatchRows     int `toml:"copy_batch_rows"`      // Rows per copy batch
	ProgressTimeoutMS int `toml:"progress_timeout_ms"`  // Max time without batch progress before the worker is failed
	ConnectTimeoutMS  int `toml:"connect_timeout_ms"`   // Destination connect timeout
	RetryInitialMS    int `toml:"retry_initial_ms"`     // Initial backoff after a retryable failure
	RetryMaxMS        int `toml:"retry_max_ms"`         // Backoff cap
	MaxRetries        int `toml:"max_retries"`          // Retryable failures before the task is marked failed
}

// ApplyConfiguration controls streaming apply workers
type ApplyConfiguration struct {
	RetryInitialMS int `toml:"retry_initial_ms"` // Backoff for transient destination errors
	RetryMaxMS     int `toml:"retry_max_ms"`
	MaxRetries     int `toml:"max_retries"`
}

// DatabaseConfiguration locates the origin and destination SQLite files.
// Empty paths default to files under the data directory.
type DatabaseConfiguration struct {
	OriginPath      string `toml:"origin_path"`
	DestinationPath string `toml:"destination_path"`
}

// AdminConfiguration for the control/status HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Database   DatabaseConfiguration   `toml:"database"`
	Slots      SlotConfiguration       `toml:"slots"`
	Feed       FeedConfiguration       `toml:"feed"`
	Dispatch   DispatchConfiguration   `toml:"dispatch"`
	Sync       SyncConfiguration       `toml:"sync"`
	Apply      ApplyConfiguration      `toml:"apply"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./slipstream-data",

	Slots: SlotConfiguration{
		Capacity: 16,
	},

	Feed: FeedConfiguration{
		ReadBatchSize:  100,
		PollIntervalMS: 100,
		TrimIntervalS:  60,
	},

	Dispatch: DispatchConfiguration{
		QueueDepth: 1024,
	},

	Sync: SyncConfiguration{
		CopyBatchRows:     1000,
		ProgressTimeoutMS: 30000, // Wedged copy is failed and restarted after 30s
		ConnectTimeoutMS:  5000,
		RetryInitialMS:    200,
		RetryMaxMS:        10000,
		MaxRetries:        10,
	},

	Apply: ApplyConfiguration{
		RetryInitialMS: 100,
		RetryMaxMS:     30000,
		MaxRetries:     20,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
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
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
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

// IsAdminAuthEnabled reports whether admin API calls must present the
// configured secret.
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the configured admin API secret.
func GetAdminSecret() string {
	return Config.Admin.Secret
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("slipstream")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Slots.Capacity < 1 {
		return fmt.Errorf("slot capacity must be at least 1, got %d", Config.Slots.Capacity)
	}
	if Config.Dispatch.QueueDepth < 1 {
		return fmt.Errorf("dispatch queue depth must be at least 1, got %d", Config.Dispatch.QueueDepth)
	}
	if Config.Feed.ReadBatchSize < 1 {
		return fmt.Errorf("feed read batch size must be at least 1, got %d", Config.Feed.ReadBatchSize)
	}
	if Config.Sync.CopyBatchRows < 1 {
		return fmt.Errorf("sync copy batch must be at least 1 row, got %d", Config.Sync.CopyBatchRows)
	}
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}
	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}
	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}
	return nil
}
