package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// BatchKind selects how tablet events are grouped before transfer
type BatchKind string

const (
	BatchPlain BatchKind = "plain" // Rows serialized inline in a single request
	BatchFile  BatchKind = "file"  // Rows spilled to sealed files and sent as file transfers
)

// TransportKind selects the wire used to reach receivers
type TransportKind string

const (
	TransportGRPC  TransportKind = "grpc"
	TransportKafka TransportKind = "kafka"
	TransportNATS  TransportKind = "nats"
)

// PipeConfiguration controls retry, stuck detection and resource thresholds
type PipeConfiguration struct {
	ForcedRetryTabletQueueSize int `toml:"forced_retry_tablet_queue_size"`
	ForcedRetryFileQueueSize   int `toml:"forced_retry_file_queue_size"`
	ForcedRetryTotalQueueSize  int `toml:"forced_retry_total_queue_size"`
	MaxRetryExecutionTimeMS    int `toml:"max_retry_execution_time_ms"` // Per-call budget of a retry drain

	ForcedRestartIntervalMS        int64   `toml:"forced_restart_interval_ms"`
	MaxAllowedPinnedMemTableCount  int     `toml:"max_allowed_pinned_memtable_count"` // 0 disables the check
	MaxLinkedDeletedDiskPercentage float64 `toml:"max_linked_deleted_disk_percentage"`
	WALThrottleThresholdBytes      int64   `toml:"wal_throttle_threshold_bytes"`
	MemoryBudgetBytes              int64   `toml:"memory_budget_bytes"`
	CompactionEnabled              bool    `toml:"compaction_enabled"`
	RemainingRateSmoothing         float64 `toml:"remaining_rate_smoothing"`

	MetaReportMaxLogNumPerRound    int `toml:"meta_report_max_log_num_per_round"`
	MetaReportMaxLogIntervalRounds int `toml:"meta_report_max_log_interval_rounds"`
}

// KafkaRelayConfiguration for relaying transfer requests through Kafka
type KafkaRelayConfiguration struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// NATSRelayConfiguration for relaying transfer requests through JetStream
type NATSRelayConfiguration struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// ConnectorConfiguration controls the async transfer connector
type ConnectorConfiguration struct {
	NodeURLs          []string      `toml:"node_urls"`
	Transport         TransportKind `toml:"transport"`
	BatchEnabled      bool          `toml:"batch_enabled"`
	BatchKind         BatchKind     `toml:"batch_kind"`
	BatchMaxRows      int           `toml:"batch_max_rows"`
	BatchMaxBytes     int64         `toml:"batch_max_bytes"`
	BatchMaxDelayMS   int           `toml:"batch_max_delay_ms"`
	LeaderCacheEnable bool          `toml:"leader_cache_enable"`
	LeaderCacheSize   int           `toml:"leader_cache_size"`
	LoadBalance       string        `toml:"load_balance"` // round-robin, random, priority
	Compression       bool          `toml:"compression"`
	FilePieceBytes    int           `toml:"file_piece_bytes"`
	SyncTimeoutMS     int           `toml:"sync_timeout_ms"`
	SpillDir          string        `toml:"spill_dir"`

	Kafka KafkaRelayConfiguration `toml:"kafka"`
	NATS  NATSRelayConfiguration  `toml:"nats"`
}

// AgentConfiguration controls the pipe task agent loops and locks
type AgentConfiguration struct {
	HeartbeatLockTimeoutMS int `toml:"heartbeat_lock_timeout_ms"`
	RestartLockTimeoutMS   int `toml:"restart_lock_timeout_ms"`
	QueryLockTimeoutMS     int `toml:"query_lock_timeout_ms"`
	StuckCheckIntervalMS   int `toml:"stuck_check_interval_ms"`
	MetricsIntervalMS      int `toml:"metrics_interval_ms"`
	SourceBufferSize       int `toml:"source_buffer_size"`
}

// RegionConfiguration is a locally hosted data region
type RegionConfiguration struct {
	ID       int32  `toml:"id"`
	Database string `toml:"database"`
}

// RegionsConfiguration lists the regions hosted by this node
type RegionsConfiguration struct {
	Data   []RegionConfiguration `toml:"data"`
	Schema []int32               `toml:"schema"`
}

// ServerConfiguration controls the receiver / admin listener
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// AdminSecret protects /admin when set
	AdminSecret string `toml:"admin_secret"`
}

// GRPCClientConfiguration controls gRPC client behavior
type GRPCClientConfiguration struct {
	PoolInitial             int `toml:"pool_initial"`
	PoolCapacity            int `toml:"pool_capacity"`
	PoolIdleTimeoutSeconds  int `toml:"pool_idle_timeout_seconds"`
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"`
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

	Pipe       PipeConfiguration       `toml:"pipe"`
	Connector  ConnectorConfiguration  `toml:"connector"`
	Agent      AgentConfiguration      `toml:"agent"`
	Regions    RegionsConfiguration    `toml:"regions"`
	Server     ServerConfiguration     `toml:"server"`
	GRPCClient GRPCClientConfiguration `toml:"grpc_client"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Listener port (overrides config)")
)

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./sluice-data",

		Pipe: PipeConfiguration{
			ForcedRetryTabletQueueSize:     20,
			ForcedRetryFileQueueSize:       10,
			ForcedRetryTotalQueueSize:      30,
			MaxRetryExecutionTimeMS:        500,
			ForcedRestartIntervalMS:        int64(time.Hour / time.Millisecond),
			MaxAllowedPinnedMemTableCount:  10,
			MaxLinkedDeletedDiskPercentage: 0.1,
			WALThrottleThresholdBytes:      200 << 30,
			MemoryBudgetBytes:              512 << 20,
			CompactionEnabled:              true,
			RemainingRateSmoothing:         0.5,
			MetaReportMaxLogNumPerRound:    10,
			MetaReportMaxLogIntervalRounds: 36,
		},

		Connector: ConnectorConfiguration{
			NodeURLs:          []string{},
			Transport:         TransportGRPC,
			BatchEnabled:      true,
			BatchKind:         BatchPlain,
			BatchMaxRows:      1024,
			BatchMaxBytes:     16 << 20,
			BatchMaxDelayMS:   10,
			LeaderCacheEnable: true,
			LeaderCacheSize:   10000,
			LoadBalance:       "round-robin",
			Compression:       true,
			FilePieceBytes:    2 << 20,
			SyncTimeoutMS:     15000,
		},

		Agent: AgentConfiguration{
			HeartbeatLockTimeoutMS: 10000,
			RestartLockTimeoutMS:   5000,
			QueryLockTimeoutMS:     10000,
			StuckCheckIntervalMS:   60000,
			MetricsIntervalMS:      5000,
			SourceBufferSize:       1024,
		},

		Server: ServerConfiguration{
			BindAddress: "0.0.0.0",
			Port:        6667,
		},

		GRPCClient: GRPCClientConfiguration{
			PoolInitial:             1,
			PoolCapacity:            4,
			PoolIdleTimeoutSeconds:  60,
			KeepaliveTimeSeconds:    10,
			KeepaliveTimeoutSeconds: 3,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process configuration. It is only read by main; components get
// their sections through constructors.
var Config = Default()

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

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if Config.Connector.SpillDir == "" {
		Config.Connector.SpillDir = path.Join(Config.DataDir, "spill")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("sluice")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks a configuration tree for errors
func (c *Configuration) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	p := c.Pipe
	if p.ForcedRetryTabletQueueSize < 1 || p.ForcedRetryFileQueueSize < 1 || p.ForcedRetryTotalQueueSize < 1 {
		return fmt.Errorf("forced retry queue thresholds must be >= 1")
	}
	if p.MaxRetryExecutionTimeMS < 1 {
		return fmt.Errorf("max retry execution time must be >= 1ms")
	}
	if p.ForcedRestartIntervalMS < 1 {
		return fmt.Errorf("forced restart interval must be >= 1ms")
	}
	if p.MaxAllowedPinnedMemTableCount < 0 {
		return fmt.Errorf("max allowed pinned memtable count must be >= 0")
	}
	if p.MaxLinkedDeletedDiskPercentage <= 0 || p.MaxLinkedDeletedDiskPercentage > 1 {
		return fmt.Errorf("max linked deleted disk percentage must be in (0, 1]")
	}
	if p.RemainingRateSmoothing <= 0 || p.RemainingRateSmoothing > 1 {
		return fmt.Errorf("remaining rate smoothing must be in (0, 1]")
	}

	conn := c.Connector
	if len(conn.NodeURLs) == 0 {
		return fmt.Errorf("connector requires at least one node url")
	}
	for _, u := range conn.NodeURLs {
		if !strings.Contains(u, ":") {
			return fmt.Errorf("invalid node url %q, expected host:port", u)
		}
	}

	switch conn.Transport {
	case TransportGRPC:
	case TransportKafka:
		if len(conn.Kafka.Brokers) == 0 || conn.Kafka.Topic == "" {
			return fmt.Errorf("kafka transport requires brokers and topic")
		}
	case TransportNATS:
		if conn.NATS.URL == "" {
			return fmt.Errorf("nats transport requires url")
		}
	default:
		return fmt.Errorf("invalid transport: %s", conn.Transport)
	}

	if conn.BatchKind != BatchPlain && conn.BatchKind != BatchFile {
		return fmt.Errorf("invalid batch kind: %s", conn.BatchKind)
	}
	if conn.BatchEnabled && (conn.BatchMaxRows < 1 || conn.BatchMaxBytes < 1 || conn.BatchMaxDelayMS < 0) {
		return fmt.Errorf("batch thresholds must be positive")
	}

	validBalance := map[string]bool{"round-robin": true, "random": true, "priority": true}
	if !validBalance[conn.LoadBalance] {
		return fmt.Errorf("invalid load balance strategy: %s", conn.LoadBalance)
	}

	if conn.FilePieceBytes < 1 {
		return fmt.Errorf("file piece size must be >= 1")
	}

	if c.Agent.HeartbeatLockTimeoutMS < 1 || c.Agent.RestartLockTimeoutMS < 1 || c.Agent.QueryLockTimeoutMS < 1 {
		return fmt.Errorf("agent lock timeouts must be >= 1ms")
	}
	if c.Agent.StuckCheckIntervalMS < 1 {
		return fmt.Errorf("stuck check interval must be >= 1ms")
	}
	if c.Agent.SourceBufferSize < 0 {
		return fmt.Errorf("source buffer size must be >= 0")
	}

	if c.GRPCClient.PoolCapacity < 1 || c.GRPCClient.PoolInitial < 0 || c.GRPCClient.PoolInitial > c.GRPCClient.PoolCapacity {
		return fmt.Errorf("invalid gRPC pool sizes: initial=%d capacity=%d", c.GRPCClient.PoolInitial, c.GRPCClient.PoolCapacity)
	}

	return nil
}

// GetMetaStorePath returns the directory of the local pipe meta store
func (c *Configuration) GetMetaStorePath() string {
	return path.Join(c.DataDir, "pipe-meta")
}
