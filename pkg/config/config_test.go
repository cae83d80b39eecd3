package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

func validConfig() *TargetConfig {
	cfg := NewTargetConfig()
	cfg.ProjectID = "proj"
	cfg.DefaultTargetSchema = "analytics"
	return cfg
}

func TestNewTargetConfig_Defaults(t *testing.T) {
	cfg := NewTargetConfig()
	assert.Equal(t, WarehouseBigQuery, cfg.Warehouse)
	assert.Equal(t, DefaultBatchSizeRows, cfg.BatchSizeRows)
	assert.Equal(t, DefaultMaxParallelism, cfg.MaxParallelism)
	assert.True(t, cfg.PrimaryKeyRequired)
	assert.Equal(t, "json", cfg.ObjectMode)
	assert.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TargetConfig)
		key    string
	}{
		{"missing project", func(c *TargetConfig) { c.ProjectID = "" }, "project_id"},
		{"unknown warehouse", func(c *TargetConfig) { c.Warehouse = "redshift" }, "warehouse"},
		{"sqlite without path", func(c *TargetConfig) { c.Warehouse = WarehouseSQLite }, "sqlite_path"},
		{"no target schema", func(c *TargetConfig) { c.DefaultTargetSchema = "" }, "default_target_schema"},
		{"zero batch size", func(c *TargetConfig) { c.BatchSizeRows = 0 }, "batch_size_rows"},
		{"negative wait", func(c *TargetConfig) { c.BatchWaitLimitSeconds = -1 }, "batch_wait_limit_seconds"},
		{"bad parallelism", func(c *TargetConfig) { c.Parallelism = -2 }, "parallelism"},
		{"zero max parallelism", func(c *TargetConfig) { c.MaxParallelism = 0 }, "max_parallelism"},
		{"negative flatten level", func(c *TargetConfig) { c.DataFlatteningMaxLevel = -1 }, "data_flattening_max_level"},
		{"bad object mode", func(c *TargetConfig) { c.ObjectMode = "struct" }, "object_mode"},
		{"bad codec", func(c *TargetConfig) { c.AvroCodec = "zstd" }, "avro_codec"},
		{"empty mapping", func(c *TargetConfig) {
			c.SchemaMapping = map[string]SchemaMapping{"public": {}}
		}, "schema_mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
			var e *nebulaerrors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.key, e.Details["key"])
		})
	}

	t.Run("schema mapping replaces default schema", func(t *testing.T) {
		cfg := validConfig()
		cfg.DefaultTargetSchema = ""
		cfg.SchemaMapping = map[string]SchemaMapping{"public": {TargetSchema: "raw"}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("memory needs no credentials", func(t *testing.T) {
		cfg := validConfig()
		cfg.Warehouse = WarehouseMemory
		cfg.ProjectID = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestHardDeleteFor(t *testing.T) {
	cfg := validConfig()
	cfg.HardDelete = true
	cfg.HardDeleteMapping = map[string]bool{"public-logs": false}

	assert.True(t, cfg.HardDeleteFor("public-users"))
	assert.False(t, cfg.HardDeleteFor("public-logs"))
	assert.True(t, cfg.MetadataColumnsFor("public-users"))
	assert.False(t, cfg.MetadataColumnsFor("public-logs"))
}

func TestParseStream(t *testing.T) {
	assert.Equal(t, StreamLocation{Table: "users"}, ParseStream("users"))
	assert.Equal(t, StreamLocation{Schema: "public", Table: "users"}, ParseStream("public-users"))
	assert.Equal(t, StreamLocation{Catalog: "db", Schema: "public", Table: "user_events"}, ParseStream("db-public-user-events"))
}

func TestTargetFor(t *testing.T) {
	cfg := validConfig()
	cfg.SchemaMapping = map[string]SchemaMapping{"sales": {TargetSchema: "sales_raw"}}

	assert.Equal(t, Target{Dataset: "analytics", Table: "users", StagingDataset: "analytics"}, cfg.TargetFor("public-users"))
	assert.Equal(t, Target{Dataset: "sales_raw", Table: "order_lines", StagingDataset: "sales_raw"}, cfg.TargetFor("sales-Order.Lines"))

	cfg.TempSchema = "scratch"
	assert.Equal(t, "scratch", cfg.TargetFor("users").StagingDataset)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("json with env expansion", func(t *testing.T) {
		t.Setenv("NEBULA_TEST_PROJECT", "from-env")
		path := filepath.Join(dir, "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"project_id": "${NEBULA_TEST_PROJECT}",
			"default_target_schema": "analytics",
			"batch_size_rows": 500,
			"hard_delete": true,
			"schema_mapping": {"sales": {"target_schema": "sales_raw"}}
		}`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.ProjectID)
		assert.Equal(t, 500, cfg.BatchSizeRows)
		assert.True(t, cfg.HardDelete)
		assert.Equal(t, "sales_raw", cfg.SchemaMapping["sales"].TargetSchema)
		// untouched keys keep their defaults
		assert.Equal(t, DefaultMaxParallelism, cfg.MaxParallelism)
		assert.True(t, cfg.PrimaryKeyRequired)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("TARGET_BATCH_SIZE_ROWS", "42")
		t.Setenv("TARGET_OBSERVABILITY_LOG_LEVEL", "debug")
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("project_id: p\ndefault_target_schema: d\nbatch_size_rows: 7\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 42, cfg.BatchSizeRows)
		assert.Equal(t, "debug", cfg.Observability.LogLevel)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.json"))
		assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"project_id":`), 0o600))
		_, err := Load(path)
		assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
	})
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.HardDeleteMapping = map[string]bool{"logs": true}
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ProjectID, loaded.ProjectID)
	assert.Equal(t, cfg.DefaultTargetSchema, loaded.DefaultTargetSchema)
	assert.True(t, loaded.HardDeleteFor("logs"))
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("NEBULA_A", "1")
	assert.Equal(t, "x1y-z", substituteEnvVars("x${NEBULA_A}y-${NEBULA_UNSET}z"))
	assert.Equal(t, "open ${brace", substituteEnvVars("open ${brace"))
}
