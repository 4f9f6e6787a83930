package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/embedviz/reduction"
)

const yamlConfig = `
model_checkpoint: models/from-file.json
figure_name: file.png
batch_size: 16
reduction:
  perplexity: 20
  seed: 3
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embedviz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "embeddings.png", cfg.FigureName)
	assert.Equal(t, "reports/figures", cfg.FiguresDir)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 10, cfg.NumClasses)
	assert.Equal(t, 500, cfg.Reduction.PCAThreshold)
	assert.Equal(t, 100, cfg.Reduction.PCAComponents)
	assert.InDelta(t, 30, cfg.Reduction.Perplexity, 0)

	images, targets := cfg.DatasetPaths()
	assert.Equal(t, filepath.Join("data", "processed", "test_images.npy"), images)
	assert.Equal(t, filepath.Join("data", "processed", "test_target.npy"), targets)

	// the checkpoint is the only required value without a default
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ModelCheckpoint")
}

func TestPrecedence(t *testing.T) {
	path := writeConfig(t)
	environment := map[string]string{
		"EMBEDVIZ_BATCH_SIZE":               "64",
		"EMBEDVIZ_REDUCTION_PERPLEXITY":     "25",
		"EMBEDVIZ_REDUCTION_METHOD":         "exact",
		"EMBEDVIZ_CLASS_NAMES":              "a,b",
		"EMBEDVIZ_NUM_CLASSES":              "2",
		"EMBEDVIZ_FIGURE_NAME":              "env.svg",
		"UNPREFIXED_MODEL_CHECKPOINT":       "ignored.json",
		"EMBEDVIZ_REDUCTION_PCA_COMPONENTS": "50",
	}
	cfg, err := Load(context.Background(), path, environment)
	require.NoError(t, err)

	assert.Equal(t, "models/from-file.json", cfg.ModelCheckpoint)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.InDelta(t, 25, cfg.Reduction.Perplexity, 0)
	assert.Equal(t, uint64(3), cfg.Reduction.Seed)
	assert.Equal(t, []string{"a", "b"}, cfg.ClassNames)
	assert.Equal(t, "env.svg", cfg.FigureName)

	cfg.ApplyOverrides(Overrides{FigureName: "flag.png", BatchSize: 8, Seed: 11})
	assert.Equal(t, "flag.png", cfg.FigureName)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, "models/from-file.json", cfg.ModelCheckpoint)
	require.NoError(t, cfg.Validate())

	reductionOptions := cfg.ReductionOptions()
	assert.Equal(t, reduction.MethodExact, reductionOptions.TSNE.Method)
	assert.Equal(t, 50, reductionOptions.PCAComponents)
	assert.Equal(t, uint64(11), reductionOptions.TSNE.Seed)

	renderOptions := cfg.RenderOptions()
	assert.Equal(t, filepath.Join("reports", "figures", "flag.png"), renderOptions.Path())
	assert.Equal(t, []string{"a", "b"}, renderOptions.ClassNames)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.ModelCheckpoint = "model.json"
	cfg.BatchSize = 0
	cfg.Backend = "XLA"
	cfg.Device = "tpu"
	cfg.Reduction.PCAComponents = 600
	cfg.FigureName = "figure.bmp"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"BatchSize", "Backend", "Device", "pca components", "unsupported figure format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{})
	assert.Error(t, err)

	_, err = Load(context.Background(), "", map[string]string{"EMBEDVIZ_BATCH_SIZE": "many"})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("batch_size: [1"), 0o600))
	_, err = Load(context.Background(), bad, map[string]string{})
	assert.Error(t, err)
}
