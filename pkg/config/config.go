// Package config defines the target configuration: which warehouse to load
// into, where each stream lands, how rows are batched and flushed, and how
// schemas are flattened and evolved.
//
// The configuration is one flat TargetConfig. Keys match the JSON config
// files used by singer targets, so an existing config.json loads unchanged:
//
//	cfg, err := config.Load("config.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"strings"

	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// Warehouse kinds.
const (
	WarehouseBigQuery = "bigquery"
	WarehouseSQLite   = "sqlite"
	WarehouseMemory   = "memory"
)

// Defaults applied by NewTargetConfig.
const (
	DefaultBatchSizeRows  = 100000
	DefaultMaxParallelism = 16
	DefaultAvroCodec      = "deflate"
	DefaultObjectMode     = "json"
	DefaultMaxLineBytes   = 64 << 20
)

// TargetConfig is the complete configuration of the target.
type TargetConfig struct {
	// Warehouse selects the destination: bigquery, sqlite or memory.
	Warehouse string `yaml:"warehouse" json:"warehouse" mapstructure:"warehouse"`

	// BigQuery connection
	ProjectID       string `yaml:"project_id" json:"project_id" mapstructure:"project_id"`
	Location        string `yaml:"location" json:"location" mapstructure:"location"`
	CredentialsPath string `yaml:"credentials_path" json:"credentials_path" mapstructure:"credentials_path"`
	// GCSBucket, when set, stages Avro files through Cloud Storage instead of
	// uploading them with the load job.
	GCSBucket    string `yaml:"gcs_bucket" json:"gcs_bucket" mapstructure:"gcs_bucket"`
	GCSKeyPrefix string `yaml:"gcs_key_prefix" json:"gcs_key_prefix" mapstructure:"gcs_key_prefix"`
	// AvroCodec compresses staged files: null, deflate or snappy.
	AvroCodec string `yaml:"avro_codec" json:"avro_codec" mapstructure:"avro_codec"`

	// SQLitePath is the database file of the sqlite warehouse.
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path" mapstructure:"sqlite_path"`

	// Target resolution
	DefaultTargetSchema string                   `yaml:"default_target_schema" json:"default_target_schema" mapstructure:"default_target_schema"`
	SchemaMapping       map[string]SchemaMapping `yaml:"schema_mapping" json:"schema_mapping" mapstructure:"schema_mapping"`
	// TempSchema holds staging tables. Empty means the target dataset.
	TempSchema string `yaml:"temp_schema" json:"temp_schema" mapstructure:"temp_schema"`

	// Batching and flushing
	BatchSizeRows         int  `yaml:"batch_size_rows" json:"batch_size_rows" mapstructure:"batch_size_rows"`
	BatchWaitLimitSeconds int  `yaml:"batch_wait_limit_seconds" json:"batch_wait_limit_seconds" mapstructure:"batch_wait_limit_seconds"`
	FlushAllStreams       bool `yaml:"flush_all_streams" json:"flush_all_streams" mapstructure:"flush_all_streams"`
	// Parallelism is 0 for one worker per stream, -1 for one per CPU, or an
	// explicit count. It is always capped by MaxParallelism.
	Parallelism    int `yaml:"parallelism" json:"parallelism" mapstructure:"parallelism"`
	MaxParallelism int `yaml:"max_parallelism" json:"max_parallelism" mapstructure:"max_parallelism"`

	// Schema handling
	DataFlatteningMaxLevel int `yaml:"data_flattening_max_level" json:"data_flattening_max_level" mapstructure:"data_flattening_max_level"`
	// ObjectMode decides what an object past the flatten depth becomes: json or record.
	ObjectMode         string          `yaml:"object_mode" json:"object_mode" mapstructure:"object_mode"`
	AddMetadataColumns bool            `yaml:"add_metadata_columns" json:"add_metadata_columns" mapstructure:"add_metadata_columns"`
	HardDelete         bool            `yaml:"hard_delete" json:"hard_delete" mapstructure:"hard_delete"`
	HardDeleteMapping  map[string]bool `yaml:"hard_delete_mapping" json:"hard_delete_mapping" mapstructure:"hard_delete_mapping"`
	PrimaryKeyRequired bool            `yaml:"primary_key_required" json:"primary_key_required" mapstructure:"primary_key_required"`
	// DisableMerge appends every batch even for keyed streams.
	DisableMerge bool `yaml:"disable_merge" json:"disable_merge" mapstructure:"disable_merge"`

	// MaxLineBytes bounds a single input line.
	MaxLineBytes int `yaml:"max_line_bytes" json:"max_line_bytes" mapstructure:"max_line_bytes"`

	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// SchemaMapping routes a source schema to a target dataset.
type SchemaMapping struct {
	TargetSchema string `yaml:"target_schema" json:"target_schema" mapstructure:"target_schema"`
}

// ObservabilityConfig controls logs, metrics and traces.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// MetricsAddr serves /metrics when set, e.g. ":9102".
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	TracingEnabled bool   `yaml:"tracing_enabled" json:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// NewTargetConfig returns a configuration with defaults applied.
func NewTargetConfig() *TargetConfig {
	return &TargetConfig{
		Warehouse:          WarehouseBigQuery,
		AvroCodec:          DefaultAvroCodec,
		BatchSizeRows:      DefaultBatchSizeRows,
		MaxParallelism:     DefaultMaxParallelism,
		ObjectMode:         DefaultObjectMode,
		PrimaryKeyRequired: true,
		MaxLineBytes:       DefaultMaxLineBytes,
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
		},
	}
}

// Validate checks the configuration before any message is processed.
func (c *TargetConfig) Validate() error {
	switch c.Warehouse {
	case WarehouseBigQuery:
		if c.ProjectID == "" {
			return invalid("project_id", "project_id is required for the bigquery warehouse")
		}
	case WarehouseSQLite:
		if c.SQLitePath == "" {
			return invalid("sqlite_path", "sqlite_path is required for the sqlite warehouse")
		}
	case WarehouseMemory:
	default:
		return invalid("warehouse", "unknown warehouse").WithDetail("value", c.Warehouse)
	}

	if c.DefaultTargetSchema == "" && len(c.SchemaMapping) == 0 {
		return invalid("default_target_schema", "default_target_schema or schema_mapping is required")
	}
	if c.BatchSizeRows <= 0 {
		return invalid("batch_size_rows", "batch_size_rows must be positive").WithDetail("value", c.BatchSizeRows)
	}
	if c.BatchWaitLimitSeconds < 0 {
		return invalid("batch_wait_limit_seconds", "batch_wait_limit_seconds cannot be negative")
	}
	if c.Parallelism < -1 {
		return invalid("parallelism", "parallelism must be -1, 0 or a positive count").WithDetail("value", c.Parallelism)
	}
	if c.MaxParallelism < 1 {
		return invalid("max_parallelism", "max_parallelism must be at least 1").WithDetail("value", c.MaxParallelism)
	}
	if c.DataFlatteningMaxLevel < 0 {
		return invalid("data_flattening_max_level", "data_flattening_max_level cannot be negative")
	}
	switch c.ObjectMode {
	case "json", "record":
	default:
		return invalid("object_mode", "object_mode must be json or record").WithDetail("value", c.ObjectMode)
	}
	switch c.AvroCodec {
	case "null", "deflate", "snappy":
	default:
		return invalid("avro_codec", "avro_codec must be null, deflate or snappy").WithDetail("value", c.AvroCodec)
	}
	for source, m := range c.SchemaMapping {
		if m.TargetSchema == "" {
			return invalid("schema_mapping", "schema_mapping entry has no target_schema").WithDetail("source_schema", source)
		}
	}
	if c.MaxLineBytes < 0 {
		return invalid("max_line_bytes", "max_line_bytes cannot be negative")
	}
	return nil
}

// HardDeleteFor reports whether hard delete is on for a stream. An entry in
// hard_delete_mapping wins over hard_delete.
func (c *TargetConfig) HardDeleteFor(stream string) bool {
	if v, ok := c.HardDeleteMapping[stream]; ok {
		return v
	}
	// viper lowercases map keys.
	if v, ok := c.HardDeleteMapping[strings.ToLower(stream)]; ok {
		return v
	}
	return c.HardDelete
}

// MetadataColumnsFor reports whether a stream carries the _sdc_* columns.
func (c *TargetConfig) MetadataColumnsFor(stream string) bool {
	return c.AddMetadataColumns || c.HardDeleteFor(stream)
}

func invalid(key, message string) *nebulaerrors.Error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeConfig, message).WithDetail("key", key)
}
