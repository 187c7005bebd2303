package config

import (
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/deebee/pkg/engine"
	"github.com/downfa11-org/deebee/util"
)

func (cfg *Config) Normalize() {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "deebee-data"
	}
	cfg.DBName = strings.TrimSpace(cfg.DBName)
	if cfg.DBName == "" || strings.ContainsAny(cfg.DBName, `/\*?[`) {
		util.Warn("Invalid db_name '%s', defaulting to '%s'", cfg.DBName, engine.DefaultName)
		cfg.DBName = engine.DefaultName
	}
	if cfg.SegmentCapacity < 0 {
		util.Warn("Invalid segment_capacity (%d), defaulting to 1024", cfg.SegmentCapacity)
		cfg.SegmentCapacity = 1024
	}
	if cfg.SegmentBytes < 0 {
		cfg.SegmentBytes = 0
	}

	cfg.Compression = strings.ToLower(strings.TrimSpace(cfg.Compression))
	if _, err := util.ParseCompression(cfg.Compression); err != nil {
		util.Warn("Invalid compression '%s', defaulting to 'none'", cfg.Compression)
		cfg.Compression = "none"
	}
	if cfg.Compression == "" {
		cfg.Compression = "none"
	}

	cfg.CompactionPolicy = strings.ToLower(strings.TrimSpace(cfg.CompactionPolicy))
	switch cfg.CompactionPolicy {
	case "all", "threshold", "oldest":
	default:
		util.Warn("Invalid compaction_policy '%s', defaulting to 'all'", cfg.CompactionPolicy)
		cfg.CompactionPolicy = "all"
	}
	if cfg.CompactionMinSegments <= 0 {
		cfg.CompactionMinSegments = 4
	}
	if cfg.CompactionIntervalMS < 0 {
		cfg.CompactionIntervalMS = 0
	}

	if cfg.LogLevel < util.LogLevelDebug || cfg.LogLevel > util.LogLevelError {
		util.Warn("Invalid log_level (%d), defaulting to info", int(cfg.LogLevel))
		cfg.LogLevel = util.LogLevelInfo
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
}

// EngineOptions converts a normalized config into engine options.
func (cfg *Config) EngineOptions() (engine.Options, error) {
	compression, err := util.ParseCompression(cfg.Compression)
	if err != nil {
		return engine.Options{}, err
	}
	policy, err := engine.ParsePolicy(cfg.CompactionPolicy, cfg.CompactionMinSegments)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Name:               cfg.DBName,
		Capacity:           cfg.SegmentCapacity,
		MaxBytes:           cfg.SegmentBytes,
		SyncWrites:         cfg.SyncWrites,
		Compression:        compression,
		Policy:             policy,
		CompactionInterval: time.Duration(cfg.CompactionIntervalMS) * time.Millisecond,
	}, nil
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
