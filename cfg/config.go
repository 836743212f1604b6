package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration describes the MySQL server to replicate from
type SourceConfiguration struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Flavor   string `toml:"flavor"` // "mysql" or "mariadb"

	// ServerID is the replica identity announced to the source (0 = derive from machine id)
	ServerID uint32 `toml:"server_id"`

	// Starting position used only when no checkpoint exists
	StartFile     string `toml:"start_file"`
	StartPosition uint32 `toml:"start_position"`
	StartGTID     string `toml:"start_gtid"`

	HeartbeatSeconds      int `toml:"heartbeat_seconds"`
	ReadTimeoutSeconds    int `toml:"read_timeout_seconds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	SchemaCacheSize       int `toml:"schema_cache_size"`
	HandoffBuffer         int `toml:"handoff_buffer"`
}

// TableConfiguration customises capture for one table
type TableConfiguration struct {
	Database       string   `toml:"database"`
	Name           string   `toml:"name"`
	IncludeColumns []string `toml:"include_columns"`
	ExcludeColumns []string `toml:"exclude_columns"`
	EventType      string   `toml:"event_type"`
	CaptureBefore  *bool    `toml:"capture_before"`
}

// SystemDatabases are excluded from capture unless IncludeSystemDatabases is set
var SystemDatabases = []string{"information_schema", "performance_schema", "mysql", "sys"}

// FilterConfiguration selects which changes are captured. ExcludeDatabases
// adds to SystemDatabases rather than replacing them.
type FilterConfiguration struct {
	IncludeDatabases       []string             `toml:"include_databases"`
	ExcludeDatabases       []string             `toml:"exclude_databases"`
	IncludeSystemDatabases bool                 `toml:"include_system_databases"`
	IncludeTables          []string             `toml:"include_tables"`
	ExcludeTables          []string             `toml:"exclude_tables"`
	Operations             []string             `toml:"operations"`
	CaptureBefore          bool                 `toml:"capture_before"`
	Tables                 []TableConfiguration `toml:"tables"`
}

// PipelineConfiguration sizes the in-process dispatch stage
type PipelineConfiguration struct {
	QueueCapacity     int    `toml:"queue_capacity"`
	Workers           int    `toml:"workers"`
	SubmitTimeoutMS   int    `toml:"submit_timeout_ms"`
	ShutdownTimeoutMS int    `toml:"shutdown_timeout_ms"`
	PinBy             string `toml:"pin_by"` // "partition_key", "source" or "none"
}

// RouteConfiguration maps a match predicate to a destination
type RouteConfiguration struct {
	Match       string `toml:"match"` // "event_type", "source" or "any"
	Value       string `toml:"value"`
	Destination string `toml:"destination"`
	KeyBy       string `toml:"key_by"` // "source", "event_type", "id", "partition_key", "payload:<field>", "metadata:<key>"
}

// LedgerConfiguration selects the delivery dedup layer
type LedgerConfiguration struct {
	Type           string `toml:"type"` // "pebble", "redis" or "none"
	RedisAddress   string `toml:"redis_address"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	TTLSeconds     int    `toml:"ttl_seconds"`
	FilterCapacity uint   `toml:"filter_capacity"`
}

// PublisherConfiguration controls routing and delivery
type PublisherConfiguration struct {
	Sink     string   `toml:"sink"`   // "kafka", "nats" or "memory"
	Format   string   `toml:"format"` // "json", "msgpack" or "debezium"
	Brokers  []string `toml:"brokers"`
	ClientID string   `toml:"client_id"`
	NatsURL  string   `toml:"nats_url"`

	DefaultDestination    string `toml:"default_destination"`
	DeadLetterDestination string `toml:"dead_letter_destination"`
	UnroutablePolicy      string `toml:"unroutable_policy"` // "dead_letter" or "drop"

	BatchSize         int    `toml:"batch_size"`
	BatchLingerMS     int    `toml:"batch_linger_ms"`
	RequiredAcks      int    `toml:"required_acks"`
	PublishTimeoutMS  int    `toml:"publish_timeout_ms"`
	DefaultPartitions int    `toml:"default_partitions"`
	Compression       string `toml:"compression"` // "", "gzip", "snappy", "lz4" or "zstd"

	Routes []RouteConfiguration `toml:"routes"`
	Ledger LedgerConfiguration  `toml:"ledger"`
}

// RetryConfiguration is the shared backoff policy
type RetryConfiguration struct {
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

// BreakerConfiguration is applied to every downstream dependency
type BreakerConfiguration struct {
	WindowSize       int     `toml:"window_size"`
	MinRequests      int     `toml:"min_requests"`
	FailureThreshold float64 `toml:"failure_threshold"`
	CooldownMS       int     `toml:"cooldown_ms"`
	MaxCooldownMS    int     `toml:"max_cooldown_ms"`
}

// CheckpointConfiguration selects where reader positions are persisted
type CheckpointConfiguration struct {
	Store string `toml:"store"` // "pebble" or "mysql"
	Table string `toml:"table"` // metadata table for the mysql store
	DSN   string `toml:"dsn"`   // metadata database, required for the mysql store
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

// TracingConfiguration for OpenTelemetry span export. Trace context headers
// are propagated on published messages even when export is disabled.
type TracingConfiguration struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"` // OTLP gRPC host:port
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// AdminConfiguration for the HTTP health and metrics listener
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// Secret protects mutating endpoints; empty disables authentication
	Secret string `toml:"secret"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ReaderID string `toml:"reader_id"`
	DataDir  string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Filter     FilterConfiguration     `toml:"filter"`
	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Retry      RetryConfiguration      `toml:"retry"`
	Breaker    BreakerConfiguration    `toml:"breaker"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Tracing    TracingConfiguration    `toml:"tracing"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ReaderIDFlag   = flag.String("reader-id", "", "Reader identity (overrides config)")
	ServerIDFlag   = flag.Uint("server-id", 0, "Replica server id (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default returns the built-in defaults
func Default() *Configuration {
	return &Configuration{
		DataDir: "./ripel-data",

		Source: SourceConfiguration{
			Host:                  "127.0.0.1",
			Port:                  3306,
			User:                  "root",
			Flavor:                "mysql",
			HeartbeatSeconds:      30,
			ReadTimeoutSeconds:    90,
			ConnectTimeoutSeconds: 10,
			SchemaCacheSize:       1024,
			HandoffBuffer:         16,
		},

		Filter: FilterConfiguration{
			Operations:    []string{"insert", "update", "delete"},
			CaptureBefore: true,
		},

		Pipeline: PipelineConfiguration{
			QueueCapacity:     1024,
			Workers:           4,
			SubmitTimeoutMS:   5000,
			ShutdownTimeoutMS: 30000,
			PinBy:             "partition_key",
		},

		Publisher: PublisherConfiguration{
			Sink:                  "kafka",
			Format:                "json",
			Brokers:               []string{"127.0.0.1:9092"},
			ClientID:              "ripel",
			DefaultDestination:    "ripel.events",
			DeadLetterDestination: "ripel.dlq",
			UnroutablePolicy:      "dead_letter",
			BatchSize:             100,
			BatchLingerMS:         10,
			RequiredAcks:          -1,
			PublishTimeoutMS:      10000,
			DefaultPartitions:     1,
			Ledger: LedgerConfiguration{
				Type:           "pebble",
				TTLSeconds:     86400,
				FilterCapacity: 1 << 20,
			},
		},

		Retry: RetryConfiguration{
			BaseDelayMS: 100,
			MaxDelayMS:  30000,
			MaxAttempts: 5,
		},

		Breaker: BreakerConfiguration{
			WindowSize:       20,
			MinRequests:      5,
			FailureThreshold: 0.5,
			CooldownMS:       5000,
			MaxCooldownMS:    120000,
		},

		Checkpoint: CheckpointConfiguration{
			Store: "pebble",
			Table: "ripel_checkpoints",
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Tracing: TracingConfiguration{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "ripel",
			SampleRatio: 1,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8080,
		},
	}
}

// Config is the process-wide configuration
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
	if *ReaderIDFlag != "" {
		Config.ReaderID = *ReaderIDFlag
	}
	if *ServerIDFlag != 0 {
		Config.Source.ServerID = uint32(*ServerIDFlag)
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	return finalize(Config)
}

// LoadString decodes a TOML document over the defaults. Used by tests and tools.
func LoadString(doc string) (*Configuration, error) {
	c := Default()
	if _, err := toml.Decode(doc, c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := finalize(c); err != nil {
		return nil, err
	}
	return c, nil
}

func finalize(c *Configuration) error {
	if c.Source.ServerID == 0 {
		id, err := generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server id: %w", err)
		}
		c.Source.ServerID = id
		log.Info().Uint32("server_id", id).Msg("Auto-generated replica server id")
	}

	if c.ReaderID == "" {
		c.ReaderID = fmt.Sprintf("ripel-%d", c.Source.ServerID)
	}

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateServerID derives a stable 32-bit replica id from the machine id
func generateServerID() (uint32, error) {
	id, err := machineid.ProtectedID("ripel")
	if err != nil {
		return 0, err
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	sum := h.Sum32()
	if sum == 0 {
		sum = 1
	}
	return sum, nil
}

// Validate checks the global configuration
func Validate() error {
	return Config.Validate()
}

// Validate checks configuration for errors. An invalid configuration is
// fatal at startup.
func (c *Configuration) Validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source host is required")
	}
	if c.Source.Port < 1 || c.Source.Port > 65535 {
		return fmt.Errorf("invalid source port: %d", c.Source.Port)
	}
	if c.Source.User == "" {
		return fmt.Errorf("source user is required")
	}
	if c.Source.Flavor != "mysql" && c.Source.Flavor != "mariadb" {
		return fmt.Errorf("invalid source flavor: %s", c.Source.Flavor)
	}
	if c.Source.ServerID == 0 {
		return fmt.Errorf("source server_id must be non-zero")
	}
	if c.Source.StartPosition != 0 && c.Source.StartFile == "" {
		return fmt.Errorf("source start_position requires start_file")
	}
	if c.Source.HandoffBuffer < 1 {
		return fmt.Errorf("source handoff buffer must be >= 1")
	}

	validOps := map[string]bool{"insert": true, "update": true, "delete": true}
	for _, op := range c.Filter.Operations {
		if !validOps[strings.ToLower(op)] {
			return fmt.Errorf("invalid filter operation: %s", op)
		}
	}
	for i, t := range c.Filter.Tables {
		if t.Name == "" {
			return fmt.Errorf("filter table %d: name is required", i)
		}
		if len(t.IncludeColumns) > 0 && len(t.ExcludeColumns) > 0 {
			return fmt.Errorf("filter table %s: include_columns and exclude_columns are exclusive", t.Name)
		}
	}

	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline queue capacity must be >= 1")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1")
	}
	if c.Pipeline.SubmitTimeoutMS < 0 || c.Pipeline.ShutdownTimeoutMS < 0 {
		return fmt.Errorf("pipeline timeouts must be >= 0")
	}
	switch c.Pipeline.PinBy {
	case "", "none", "source", "partition_key":
	default:
		return fmt.Errorf("invalid pipeline pin_by: %s", c.Pipeline.PinBy)
	}

	if err := c.Publisher.validate(); err != nil {
		return err
	}

	if c.Retry.BaseDelayMS < 1 {
		return fmt.Errorf("retry base delay must be >= 1ms")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("retry max delay must be >= base delay")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}

	if c.Breaker.WindowSize < 1 || c.Breaker.MinRequests < 1 {
		return fmt.Errorf("breaker window size and min requests must be >= 1")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold >= 1 {
		return fmt.Errorf("breaker failure threshold must be in (0, 1)")
	}
	if c.Breaker.CooldownMS < 1 {
		return fmt.Errorf("breaker cooldown must be >= 1ms")
	}

	switch c.Checkpoint.Store {
	case "pebble":
	case "mysql":
		if c.Checkpoint.Table == "" {
			return fmt.Errorf("checkpoint table is required for the mysql store")
		}
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint dsn is required for the mysql store")
		}
	default:
		return fmt.Errorf("invalid checkpoint store: %s", c.Checkpoint.Store)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be in [0, 1]")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	return nil
}

func (p *PublisherConfiguration) validate() error {
	switch p.Sink {
	case "kafka":
		if len(p.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
	case "nats":
		if p.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid publisher sink: %s", p.Sink)
	}

	if p.DeadLetterDestination == "" {
		return fmt.Errorf("publisher dead_letter_destination is required")
	}
	if p.UnroutablePolicy != "dead_letter" && p.UnroutablePolicy != "drop" {
		return fmt.Errorf("invalid unroutable policy: %s", p.UnroutablePolicy)
	}
	if p.BatchSize < 1 {
		return fmt.Errorf("publisher batch size must be >= 1")
	}
	if p.BatchLingerMS < 0 {
		return fmt.Errorf("publisher batch linger must be >= 0")
	}
	if p.DefaultPartitions < 1 {
		return fmt.Errorf("publisher default partitions must be >= 1")
	}

	for i, r := range p.Routes {
		switch r.Match {
		case "event_type", "source":
			if r.Value == "" {
				return fmt.Errorf("route %d: value is required for match %q", i, r.Match)
			}
		case "any":
		default:
			return fmt.Errorf("route %d: invalid match %q", i, r.Match)
		}
		if r.Destination == "" {
			return fmt.Errorf("route %d: destination is required", i)
		}
		if !validKeyBy(r.KeyBy) {
			return fmt.Errorf("route %d: invalid key_by %q", i, r.KeyBy)
		}
	}

	switch p.Ledger.Type {
	case "none", "pebble":
	case "redis":
		if p.Ledger.RedisAddress == "" {
			return fmt.Errorf("redis ledger requires redis_address")
		}
	default:
		return fmt.Errorf("invalid ledger type: %s", p.Ledger.Type)
	}

	return nil
}

func validKeyBy(k string) bool {
	switch k {
	case "", "source", "event_type", "id", "partition_key":
		return true
	}
	if field, ok := strings.CutPrefix(k, "payload:"); ok {
		return field != ""
	}
	if key, ok := strings.CutPrefix(k, "metadata:"); ok {
		return key != ""
	}
	return false
}
