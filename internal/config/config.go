// Package config loads the compactor configuration: a built-in baseline,
// optionally overlaid by a YAML file, then by environment variables. The
// loaded Config is passed into constructors; there is no global instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/compact"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/retention"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
)

// Duration accepts YAML scalars in time.ParseDuration form ("90s", "2h").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

type Config struct {
	Node         NodeConfig                 `yaml:"node"`
	Log          logging.Config             `yaml:"log"`
	Metrics      metrics.Config             `yaml:"metrics"`
	Storage      storage.Config             `yaml:"storage"`
	Cache        storage.CacheConfig        `yaml:"cache"`
	Catalog      CatalogConfig              `yaml:"catalog"`
	Compact      CompactConfig              `yaml:"compact"`
	Retention    RetentionConfig            `yaml:"retention"`
	Downsampling []compact.DownsamplingRule `yaml:"downsampling"`
}

type NodeConfig struct {
	// Addr is this node's advertised address for peer file-list
	// notifications. Empty disables broadcasting to this node.
	Addr string `yaml:"addr"`
	// HeartbeatTTL is how long a silent node still counts as alive.
	HeartbeatTTL Duration `yaml:"heartbeat_ttl"`
}

type CatalogConfig struct {
	// Backend selects the metadata catalog: "postgres" (cluster) or
	// "memory" (single node, volatile).
	Backend  string                  `yaml:"backend"`
	Postgres filelist.PostgresConfig `yaml:"postgres"`
	// LocalDir holds the bbolt file carrying retention markers and offsets
	// when no postgres catalog is configured.
	LocalDir string `yaml:"local_dir"`
	// DumpEnabled tells the engine archived file-list day segments exist in
	// object storage; retention then consults and reclaims them.
	DumpEnabled bool `yaml:"dump_enabled"`
}

type CompactConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the pause between scheduler ticks.
	Interval Duration `yaml:"interval"`
	// JobRunTimeout is how long a leased job may run before another node
	// may reclaim it.
	JobRunTimeout Duration `yaml:"job_run_timeout"`
	// MaxConcurrentJobs bounds jobs executing at once on this node.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	// LeaseLimit caps jobs leased per tick. Zero leases up to
	// MaxConcurrentJobs.
	LeaseLimit int `yaml:"lease_limit"`
	// MaxFileSize caps a merge batch's accumulated bytes.
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxGroupFiles caps a merge batch's member count. Zero means no cap.
	MaxGroupFiles int64 `yaml:"max_group_files"`
	// Strategy orders a partition's files before packing
	// (file_size | file_time | time_range).
	Strategy string `yaml:"strategy"`
	// MergeWorkers sizes the per-job merge worker pool.
	MergeWorkers int `yaml:"merge_workers"`
	// MaxFileRetention is the ingest write-ahead window; an hour merges
	// only once it is at least three such windows old.
	MaxFileRetention Duration `yaml:"max_file_retention"`
	// OldDataMinHours is the near edge of the old-data scan window.
	OldDataMinHours int64 `yaml:"old_data_min_hours"`
	// OldDataMaxDays caps the old-data scan reach. Zero disables it.
	OldDataMaxDays int64 `yaml:"old_data_max_days"`
	// IndexEnabled turns on inverted index building for merged output.
	IndexEnabled bool `yaml:"index_enabled"`
	// DeletedMode selects tombstone bookkeeping (deleted | history).
	DeletedMode string `yaml:"file_list_deleted_mode"`
	// DeleteDelay is the grace period before tombstoned objects may be
	// physically reclaimed.
	DeleteDelay Duration `yaml:"delete_delay"`
	// Broadcast pushes file-list changes to peer nodes after commits.
	Broadcast bool `yaml:"broadcast"`
}

type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the pause between retention ticks.
	Interval Duration `yaml:"interval"`
	// DataRetentionDays is the global retention window for streams without
	// an override. Zero disables retention for such streams.
	DataRetentionDays int64 `yaml:"data_retention_days"`
	// ExtendedRetentionDays bounds how close to the retention horizon an
	// extended-retention window may still shield data. Zero means no bound.
	ExtendedRetentionDays int64 `yaml:"extended_data_retention_days"`
	// JanitorBatch caps pending-delete entries reclaimed per pass.
	JanitorBatch int `yaml:"janitor_batch"`
}

// Default is the baseline every load starts from.
func Default() Config {
	return Config{
		Node: NodeConfig{
			HeartbeatTTL: Duration(30 * time.Second),
		},
		Log: logging.Config{
			Format: "text",
			Level:  "info",
		},
		Metrics: metrics.Config{
			Enabled: true,
			Address: ":9090",
		},
		Storage: storage.Config{
			Backend:  "local",
			LocalDir: "./data",
		},
		Cache: storage.CacheConfig{
			Enabled: false,
			Dir:     "./cache",
			MaxSize: 10 << 30,
		},
		Catalog: CatalogConfig{
			Backend:  "memory",
			LocalDir: "./meta",
		},
		Compact: CompactConfig{
			Enabled:           true,
			Interval:          Duration(60 * time.Second),
			JobRunTimeout:     Duration(10 * time.Minute),
			MaxConcurrentJobs: 4,
			MaxFileSize:       512 << 20,
			MaxGroupFiles:     100,
			Strategy:          "file_size",
			MergeWorkers:      4,
			MaxFileRetention:  Duration(10 * time.Minute),
			OldDataMinHours:   2,
			OldDataMaxDays:    7,
			DeletedMode:       "deleted",
			DeleteDelay:       Duration(2 * time.Hour),
		},
		Retention: RetentionConfig{
			Enabled:      true,
			Interval:     Duration(10 * time.Minute),
			JanitorBatch: 1000,
		},
	}
}

// Load builds the effective configuration: Default, overlaid by the YAML
// file at path (when non-empty), overlaid by environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Node.Addr, "NODE_ADDR")
	setDuration(&c.Node.HeartbeatTTL, "NODE_HEARTBEAT_TTL")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	setBool(&c.Metrics.Enabled, "METRICS_ENABLED")
	setString(&c.Metrics.Address, "METRICS_ADDRESS")

	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.LocalDir, "STORAGE_LOCAL_DIR")
	setString(&c.Storage.GCSBucket, "STORAGE_GCS_BUCKET")
	setString(&c.Storage.S3Bucket, "STORAGE_S3_BUCKET")
	setString(&c.Storage.S3Endpoint, "STORAGE_S3_ENDPOINT")
	setString(&c.Storage.S3Region, "STORAGE_S3_REGION")
	setString(&c.Storage.Prefix, "STORAGE_PREFIX")

	setBool(&c.Cache.Enabled, "CACHE_ENABLED")
	setString(&c.Cache.Dir, "CACHE_DIR")
	setInt64(&c.Cache.MaxSize, "CACHE_MAX_SIZE")
	setInt64(&c.Cache.SkipSize, "CACHE_SKIP_SIZE")

	setString(&c.Catalog.Backend, "CATALOG_BACKEND")
	setString(&c.Catalog.Postgres.DSN, "CATALOG_DSN")
	setString(&c.Catalog.LocalDir, "CATALOG_LOCAL_DIR")
	setBool(&c.Catalog.DumpEnabled, "CATALOG_DUMP_ENABLED")

	setBool(&c.Compact.Enabled, "COMPACT_ENABLED")
	setDuration(&c.Compact.Interval, "COMPACT_INTERVAL")
	setDuration(&c.Compact.JobRunTimeout, "COMPACT_JOB_RUN_TIMEOUT")
	setInt(&c.Compact.MaxConcurrentJobs, "COMPACT_MAX_CONCURRENT_JOBS")
	setInt64(&c.Compact.MaxFileSize, "COMPACT_MAX_FILE_SIZE")
	setInt64(&c.Compact.MaxGroupFiles, "COMPACT_MAX_GROUP_FILES")
	setString(&c.Compact.Strategy, "COMPACT_STRATEGY")
	setInt(&c.Compact.MergeWorkers, "COMPACT_MERGE_WORKERS")
	setDuration(&c.Compact.MaxFileRetention, "MAX_FILE_RETENTION_TIME")
	setInt64(&c.Compact.OldDataMinHours, "COMPACT_OLD_DATA_MIN_HOURS")
	setInt64(&c.Compact.OldDataMaxDays, "COMPACT_OLD_DATA_MAX_DAYS")
	setBool(&c.Compact.IndexEnabled, "INDEX_ENABLED")
	setString(&c.Compact.DeletedMode, "FILE_LIST_DELETED_MODE")
	setDuration(&c.Compact.DeleteDelay, "COMPACT_DELETE_DELAY")
	setBool(&c.Compact.Broadcast, "COMPACT_BROADCAST")

	setBool(&c.Retention.Enabled, "RETENTION_ENABLED")
	setDuration(&c.Retention.Interval, "RETENTION_INTERVAL")
	setInt64(&c.Retention.DataRetentionDays, "DATA_RETENTION_DAYS")
	setInt64(&c.Retention.ExtendedRetentionDays, "EXTENDED_DATA_RETENTION_DAYS")
	setInt(&c.Retention.JanitorBatch, "RETENTION_JANITOR_BATCH")
}

// Validate rejects configurations the engine cannot run on.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "gcs", "s3", "memory":
	default:
		return fmt.Errorf("storage backend %q is not one of local|gcs|s3|memory", c.Storage.Backend)
	}
	switch c.Catalog.Backend {
	case "postgres":
		if c.Catalog.Postgres.DSN == "" {
			return fmt.Errorf("CATALOG_DSN is required for the postgres catalog")
		}
	case "memory":
	default:
		return fmt.Errorf("catalog backend %q is not one of postgres|memory", c.Catalog.Backend)
	}
	if c.Compact.Enabled {
		if c.Compact.Interval <= 0 {
			return fmt.Errorf("compact interval must be positive")
		}
		if c.Compact.JobRunTimeout <= 0 {
			return fmt.Errorf("compact job_run_timeout must be positive")
		}
		if c.Compact.MaxFileSize <= 0 {
			return fmt.Errorf("compact max_file_size must be positive")
		}
		if c.Compact.MaxGroupFiles < 0 {
			return fmt.Errorf("compact max_group_files must not be negative")
		}
		if c.Compact.OldDataMinHours < 1 {
			return fmt.Errorf("compact old_data_min_hours must be at least 1")
		}
	}
	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention interval must be positive")
		}
		if c.Retention.DataRetentionDays < 0 {
			return fmt.Errorf("data_retention_days must not be negative")
		}
	}
	if _, err := compact.NewRules(c.Downsampling); err != nil {
		return err
	}
	return nil
}

// GeneratorConfig maps the loaded tree onto job generation tuning.
func (c Config) GeneratorConfig() compact.GeneratorConfig {
	return compact.GeneratorConfig{
		MaxFileRetention:  time.Duration(c.Compact.MaxFileRetention),
		OldDataMinHours:   c.Compact.OldDataMinHours,
		OldDataMaxDays:    c.Compact.OldDataMaxDays,
		DataRetentionDays: c.Retention.DataRetentionDays,
	}
}

// MergeConfig maps the loaded tree onto batch planning and execution tuning.
func (c Config) MergeConfig() compact.MergeConfig {
	return compact.MergeConfig{
		MaxFileSize:   c.Compact.MaxFileSize,
		MaxGroupFiles: c.Compact.MaxGroupFiles,
		Strategy:      compact.ParseStrategy(c.Compact.Strategy),
		Workers:       c.Compact.MergeWorkers,
		IndexEnabled:  c.Compact.IndexEnabled,
	}
}

// SchedulerConfig maps the loaded tree onto the compaction loop tuning.
func (c Config) SchedulerConfig() compact.SchedulerConfig {
	return compact.SchedulerConfig{
		Interval:          time.Duration(c.Compact.Interval),
		JobRunTimeout:     time.Duration(c.Compact.JobRunTimeout),
		MaxConcurrentJobs: c.Compact.MaxConcurrentJobs,
		LeaseLimit:        c.Compact.LeaseLimit,
	}
}

// WriterConfig maps the loaded tree onto file-list writer tuning.
func (c Config) WriterConfig() filelist.WriterConfig {
	return filelist.WriterConfig{
		Mode:        filelist.ParseDeletedMode(c.Compact.DeletedMode),
		DeleteDelay: time.Duration(c.Compact.DeleteDelay),
		Broadcast:   c.Compact.Broadcast,
	}
}

// RetentionEngineConfig maps the loaded tree onto retention engine tuning.
func (c Config) RetentionEngineConfig() retention.Config {
	return retention.Config{
		Interval:              time.Duration(c.Retention.Interval),
		DataRetentionDays:     c.Retention.DataRetentionDays,
		ExtendedRetentionDays: c.Retention.ExtendedRetentionDays,
		JanitorBatch:          c.Retention.JanitorBatch,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
