package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/embedviz/testcases/fixtures"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	out := &bytes.Buffer{}
	app.Writer = out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"embedviz"}, args...))
	return out.String(), err
}

func TestVisualizeCli(t *testing.T) {
	root := t.TempDir()
	checkpoint := filepath.Join(root, "model.json")
	dataDir := filepath.Join(root, "data", "processed")
	figuresDir := filepath.Join(root, "reports", "figures")
	require.NoError(t, os.MkdirAll(figuresDir, 0o755))
	require.NoError(t, fixtures.WriteCheckpoint(checkpoint, fixtures.MLPCheckpoint([]int{8, 8}, 24, 10, 1)))
	require.NoError(t, fixtures.WriteDataset(dataDir, 90, []int{8, 8}, 10, 2))

	configFile := filepath.Join(root, "embedviz.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("figure_name: from-config.png\nreduction:\n  method: exact\n"), 0o600))

	out, err := runApp(t, "visualize",
		"--config", configFile,
		"--model-checkpoint", checkpoint,
		"--data-dir", dataDir,
		"--figures-dir", figuresDir,
		"--figure-name", "cli.png",
		"--batch-size", "16",
		"--perplexity", "15",
		"--iterations", "300",
		"--seed", "5",
	)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(figuresDir, "cli.png"), strings.TrimSpace(out))
	assert.FileExists(t, filepath.Join(figuresDir, "cli.png"))
	assert.NoFileExists(t, filepath.Join(figuresDir, "from-config.png"))
}

func TestVisualizeCliErrors(t *testing.T) {
	_, err := runApp(t, "visualize", "--data-dir", t.TempDir())
	assert.ErrorContains(t, err, "ModelCheckpoint")

	_, err = runApp(t, "visualize", "--model-checkpoint", filepath.Join(t.TempDir(), "missing.json"), "--device", "tpu")
	assert.ErrorContains(t, err, "device")

	_, err = runApp(t, "visualize", "--model-checkpoint", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestInspectCli(t *testing.T) {
	checkpoint := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, fixtures.WriteCheckpoint(checkpoint, fixtures.MLPCheckpoint([]int{6}, 8, 10, 1)))

	out, err := runApp(t, "inspect", "--model-checkpoint", checkpoint)
	require.NoError(t, err)
	var info struct {
		Runtime        string
		StrippedLayer  string
		EmbeddingWidth int
	}
	require.NoError(t, jsoniter.UnmarshalFromString(out, &info))
	assert.Equal(t, "NATIVE", info.Runtime)
	assert.Equal(t, "fc1", info.StrippedLayer)
	assert.Equal(t, 8, info.EmbeddingWidth)

	_, err = runApp(t, "inspect")
	assert.Error(t, err)
}
