package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/testutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRun_WritesCheckpoints(t *testing.T) {
	path := writeConfig(t, `{"warehouse":"memory","default_target_schema":"analytics","batch_size_rows":1,"observability":{"log_level":"error"}}`)
	input := strings.Join([]string{
		`{"type":"SCHEMA","stream":"users","schema":{"properties":{"id":{"type":"integer"}}},"key_properties":["id"]}`,
		`{"type":"RECORD","stream":"users","record":{"id":1}}`,
		`{"type":"STATE","value":{"users":1}}`,
	}, "\n")

	stdout, _, err := execute(t, input, "run", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "{\"users\":1}\n", stdout)

	// run is also the default command.
	stdout, _, err = execute(t, input, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "{\"users\":1}\n", stdout)
}

func TestRun_SQLite(t *testing.T) {
	testutil.IntegrationTest(t)
	db := testutil.TempDatabase(t)
	path := writeConfig(t, `{"warehouse":"sqlite","sqlite_path":"`+db+`","default_target_schema":"analytics","observability":{"log_level":"error"}}`)
	input := `{"type":"SCHEMA","stream":"users","schema":{"properties":{"id":{"type":"integer"}}},"key_properties":["id"]}
{"type":"RECORD","stream":"users","record":{"id":1}}
{"type":"STATE","value":"done"}`

	stdout, _, err := execute(t, input, "run", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "\"done\"\n", stdout)
}

func TestRun_ProtocolErrorIsReported(t *testing.T) {
	path := writeConfig(t, `{"warehouse":"memory","default_target_schema":"analytics","observability":{"log_level":"error"}}`)
	stdout, _, err := execute(t, `{"type":"RECORD","stream":"users","record":{"id":1}}`, "run", "--config", path)
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeProtocol))
	assert.Equal(t, 1, exitCode(err))
	assert.Empty(t, stdout)
}

func TestValidateConfig(t *testing.T) {
	t.Run("valid config is printed", func(t *testing.T) {
		path := writeConfig(t, `{"warehouse":"bigquery","project_id":"proj","default_target_schema":"analytics"}`)
		out := filepath.Join(t.TempDir(), "effective.yaml")

		_, stderr, err := execute(t, "", "validate-config", "--config", path, "--print", out)
		require.NoError(t, err)
		assert.Contains(t, stderr, "configuration is valid")

		cfg, err := config.Load(out)
		require.NoError(t, err)
		assert.Equal(t, "proj", cfg.ProjectID)
		assert.Equal(t, config.DefaultBatchSizeRows, cfg.BatchSizeRows)
	})

	t.Run("missing project is a config error", func(t *testing.T) {
		path := writeConfig(t, `{"warehouse":"bigquery","default_target_schema":"analytics"}`)
		_, _, err := execute(t, "", "validate-config", "--config", path)
		require.Error(t, err)
		assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
		assert.Equal(t, 2, exitCode(err))
	})

	t.Run("unreadable file", func(t *testing.T) {
		_, _, err := execute(t, "", "validate-config", "--config", filepath.Join(t.TempDir(), "missing.json"))
		assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
	})
}

func TestVersion(t *testing.T) {
	_, stderr, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, stderr, "target-bigquery v"+version)
	assert.Contains(t, stderr, "bigquery")
	assert.Contains(t, stderr, "sqlite")
}
