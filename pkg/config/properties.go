package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/downfa11-org/deebee/util"
	"gopkg.in/yaml.v3"
)

// Config represents the engine and CLI configuration.
type Config struct {
	// Storage
	DataDir         string `yaml:"data_dir" json:"data.dir"`
	DBName          string `yaml:"db_name" json:"db.name"`
	SegmentCapacity int    `yaml:"segment_capacity" json:"segment.capacity"`
	SegmentBytes    int64  `yaml:"segment_bytes" json:"segment.bytes"`
	Compression     string `yaml:"compression" json:"compression"`
	SyncWrites      bool   `yaml:"sync_writes" json:"sync.writes"`

	// Compaction
	CompactionPolicy      string `yaml:"compaction_policy" json:"compaction.policy"`
	CompactionMinSegments int    `yaml:"compaction_min_segments" json:"compaction.min.segments"`
	CompactionIntervalMS  int    `yaml:"compaction_interval_ms" json:"compaction.interval.ms"`

	// Observability
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
}

type flagValues struct {
	configPath            *string
	dataDir               *string
	dbName                *string
	segmentCapacity       *string
	segmentBytes          *string
	compression           *string
	syncWrites            *string
	compactionPolicy      *string
	compactionMinSegments *string
	compactionIntervalMS  *string
	logLevel              *string
	exporter              *string
	exporterPort          *string
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	return &flagValues{
		configPath:            fs.String("config", "", "Path to YAML/JSON config file"),
		dataDir:               fs.String("data-dir", "deebee-data", "Directory holding the segment files"),
		dbName:                fs.String("db-name", "deebee", "Database name used as segment file prefix"),
		segmentCapacity:       fs.String("segment-capacity", "1024", "Records per segment before rotation"),
		segmentBytes:          fs.String("segment-bytes", "0", "Optional byte limit per segment (0=disabled)"),
		compression:           fs.String("compression", "none", "Value compression (none, gzip, snappy, lz4)"),
		syncWrites:            fs.String("sync-writes", "false", "fsync after every write"),
		compactionPolicy:      fs.String("compaction-policy", "all", "Compaction policy (all, threshold, oldest)"),
		compactionMinSegments: fs.String("compaction-min-segments", "4", "Segment count used by threshold and oldest policies"),
		compactionIntervalMS:  fs.String("compaction-interval-ms", "0", "Background compaction interval in milliseconds (0=disabled)"),
		logLevel:              fs.String("log-level", "info", "Log Level (debug, info, warn, error)"),
		exporter:              fs.String("exporter", "false", "Enable Prometheus exporter"),
		exporterPort:          fs.String("exporter-port", "9100", "Exporter port"),
	}
}

// LoadConfig reads the process flags. Precedence, lowest first: flag
// defaults, the config file (-config or CONFIG_PATH), DEEBEE_* environment
// variables, flags set on the command line.
func LoadConfig() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

// Load is LoadConfig over an explicit flag set and argument list.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	fv := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	configPath := *fv.configPath
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && configPath == "" {
		configPath = envPath
	}

	applyDefaults(cfg, fv)

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}

		if strings.HasSuffix(configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", configPath, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", configPath, err)
			}
		}
	}

	applyEnv(cfg)
	applyExplicitFlags(cfg, fs, fv)

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func applyDefaults(cfg *Config, fv *flagValues) {
	cfg.DataDir = *fv.dataDir
	cfg.DBName = *fv.dbName
	cfg.SegmentCapacity = util.ParseInt(*fv.segmentCapacity, 1024)
	cfg.SegmentBytes = util.ParseInt64(*fv.segmentBytes, 0)
	cfg.Compression = *fv.compression
	cfg.SyncWrites = util.ParseBool(*fv.syncWrites, false)
	cfg.CompactionPolicy = *fv.compactionPolicy
	cfg.CompactionMinSegments = util.ParseInt(*fv.compactionMinSegments, 4)
	cfg.CompactionIntervalMS = util.ParseInt(*fv.compactionIntervalMS, 0)
	cfg.LogLevel = util.ParseLogLevel(*fv.logLevel)
	cfg.EnableExporter = util.ParseBool(*fv.exporter, false)
	cfg.ExporterPort = util.ParseInt(*fv.exporterPort, 9100)
}

func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.DataDir, "DEEBEE_DATA_DIR")
	overrideEnvString(&cfg.DBName, "DEEBEE_DB_NAME")
	overrideEnvInt(&cfg.SegmentCapacity, "DEEBEE_SEGMENT_CAPACITY")
	overrideEnvInt64(&cfg.SegmentBytes, "DEEBEE_SEGMENT_BYTES")
	overrideEnvString(&cfg.Compression, "DEEBEE_COMPRESSION")
	overrideEnvBool(&cfg.SyncWrites, "DEEBEE_SYNC_WRITES")
	overrideEnvString(&cfg.CompactionPolicy, "DEEBEE_COMPACTION_POLICY")
	overrideEnvInt(&cfg.CompactionMinSegments, "DEEBEE_COMPACTION_MIN_SEGMENTS")
	overrideEnvInt(&cfg.CompactionIntervalMS, "DEEBEE_COMPACTION_INTERVAL_MS")
	if v := os.Getenv("DEEBEE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}
	overrideEnvBool(&cfg.EnableExporter, "DEEBEE_ENABLE_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "DEEBEE_EXPORTER_PORT")
}

func applyExplicitFlags(cfg *Config, fs *flag.FlagSet, fv *flagValues) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *fv.dataDir
		case "db-name":
			cfg.DBName = *fv.dbName
		case "segment-capacity":
			cfg.SegmentCapacity = util.ParseInt(*fv.segmentCapacity, cfg.SegmentCapacity)
		case "segment-bytes":
			cfg.SegmentBytes = util.ParseInt64(*fv.segmentBytes, cfg.SegmentBytes)
		case "compression":
			cfg.Compression = *fv.compression
		case "sync-writes":
			cfg.SyncWrites = util.ParseBool(*fv.syncWrites, cfg.SyncWrites)
		case "compaction-policy":
			cfg.CompactionPolicy = *fv.compactionPolicy
		case "compaction-min-segments":
			cfg.CompactionMinSegments = util.ParseInt(*fv.compactionMinSegments, cfg.CompactionMinSegments)
		case "compaction-interval-ms":
			cfg.CompactionIntervalMS = util.ParseInt(*fv.compactionIntervalMS, cfg.CompactionIntervalMS)
		case "log-level":
			cfg.LogLevel = util.ParseLogLevel(*fv.logLevel)
		case "exporter":
			cfg.EnableExporter = util.ParseBool(*fv.exporter, cfg.EnableExporter)
		case "exporter-port":
			cfg.ExporterPort = util.ParseInt(*fv.exporterPort, cfg.ExporterPort)
		}
	})
}
