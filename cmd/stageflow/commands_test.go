package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const testPipeline = `version: "1"
pipeline_name: cli
output: %s
at_step:
  arrays: {module: to_array, key_from_data: [pose]}
  off: {module: skip}
at_final:
  rename: {module: select, key_from_data: [pose], args: {rename: {pose: poses}}}
`

const testRecords = `- pose: [1, 2]
- pose: [3, 4]
- pose: [5, 6]
`

func writeFiles(t *testing.T) (dir, configPath, inputPath string) {
	t.Helper()
	dir = t.TempDir()
	configPath = filepath.Join(dir, "pipeline.yml")
	inputPath = filepath.Join(dir, "records.yml")
	config := bytes.ReplaceAll([]byte(testPipeline), []byte("%s"), []byte(filepath.Join(dir, "out")))
	require.NoError(t, os.WriteFile(configPath, config, 0o600))
	require.NoError(t, os.WriteFile(inputPath, []byte(testRecords), 0o600))
	return dir, configPath, inputPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommandWritesFinalRecord(t *testing.T) {
	_, configPath, inputPath := writeFiles(t)

	out, err := execute(t, "run", "--config", configPath, "--input", inputPath, "--log-level", "error")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &result))
	assert.Equal(t, []any{
		[]any{1, 2},
		[]any{3, 4},
		[]any{5, 6},
	}, result["poses"], "whole floats are written without a fraction")
}

func TestRunCommandOutputFileFromEnvironment(t *testing.T) {
	dir, configPath, inputPath := writeFiles(t)
	outputPath := filepath.Join(dir, "result.yml")
	t.Setenv("STAGEFLOW_OUTPUT_FILE", outputPath)

	out, err := execute(t, "run", "-c", configPath, "-i", inputPath, "--log-level", "error")
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poses")
}

func TestRunCommandRequiresInput(t *testing.T) {
	_, configPath, _ := writeFiles(t)
	_, err := execute(t, "run", "--config", configPath)
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	dir, configPath, _ := writeFiles(t)

	out, err := execute(t, "validate", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `configuration "cli" is valid`)

	broken := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(broken, []byte("version: \"1\"\nat_step:\n  a: {module: nowhere}\n"), 0o600))
	_, err = execute(t, "validate", "--config", broken)
	assert.Error(t, err)
}

func TestMetricsServerHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "stageflow_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	server := httptest.NewServer(newMetricsServer(":0", registry, zap.NewNop()).handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "stageflow_test_total 1")

	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
