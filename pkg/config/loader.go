package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// EnvPrefix prefixes environment overrides, e.g. TARGET_BATCH_SIZE_ROWS.
const EnvPrefix = "TARGET"

// Load reads a JSON or YAML configuration file. ${VAR} references in the
// file are expanded first, then TARGET_-prefixed environment variables
// override individual keys. Defaults fill anything left unset. The result is
// not validated.
func Load(path string) (*TargetConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", path)
	}

	v := newViper()
	v.SetConfigType(configType(path))
	if err := v.ReadConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to parse config file").
			WithDetail("path", path)
	}
	return decode(v)
}

// LoadEnv builds a configuration from defaults and environment variables only.
func LoadEnv() (*TargetConfig, error) {
	return decode(newViper())
}

// Save writes cfg as YAML.
func Save(path string, cfg *TargetConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to write config file").
			WithDetail("path", path)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to see it.
	d := NewTargetConfig()
	v.SetDefault("warehouse", d.Warehouse)
	v.SetDefault("project_id", d.ProjectID)
	v.SetDefault("location", d.Location)
	v.SetDefault("credentials_path", d.CredentialsPath)
	v.SetDefault("gcs_bucket", d.GCSBucket)
	v.SetDefault("gcs_key_prefix", d.GCSKeyPrefix)
	v.SetDefault("avro_codec", d.AvroCodec)
	v.SetDefault("sqlite_path", d.SQLitePath)
	v.SetDefault("default_target_schema", d.DefaultTargetSchema)
	v.SetDefault("temp_schema", d.TempSchema)
	v.SetDefault("batch_size_rows", d.BatchSizeRows)
	v.SetDefault("batch_wait_limit_seconds", d.BatchWaitLimitSeconds)
	v.SetDefault("flush_all_streams", d.FlushAllStreams)
	v.SetDefault("parallelism", d.Parallelism)
	v.SetDefault("max_parallelism", d.MaxParallelism)
	v.SetDefault("data_flattening_max_level", d.DataFlatteningMaxLevel)
	v.SetDefault("object_mode", d.ObjectMode)
	v.SetDefault("add_metadata_columns", d.AddMetadataColumns)
	v.SetDefault("hard_delete", d.HardDelete)
	v.SetDefault("primary_key_required", d.PrimaryKeyRequired)
	v.SetDefault("disable_merge", d.DisableMerge)
	v.SetDefault("max_line_bytes", d.MaxLineBytes)
	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", d.Observability.LogEncoding)
	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.tracing_enabled", d.Observability.TracingEnabled)
	return v
}

func decode(v *viper.Viper) (*TargetConfig, error) {
	cfg := NewTargetConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to decode config")
	}
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var out strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		out.WriteString(content[:start])
		out.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	out.WriteString(content)
	return out.String()
}
