package backends_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/embedviz/backends"
	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/testcases/fixtures"
)

func goOptions() *options.Options {
	o := options.Defaults()
	o.Backend = "GO"
	return o
}

func TestLoadNativeModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, fixtures.WriteCheckpoint(path, fixtures.MLPCheckpoint([]int{2, 3}, 8, 10, 1)))

	model, err := backends.LoadModel(context.Background(), path, backends.LoadOptions{}, goOptions())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, model.Destroy())
	}()
	assert.Equal(t, backends.RuntimeNative, model.Runtime)
	assert.Equal(t, "fc1", model.StrippedLayer)
	assert.Equal(t, 8, model.EmbeddingWidth())
	assert.Equal(t, backends.Shape{-1, 2, 3}, model.InputsMeta[0].Dimensions)
	assert.Equal(t, "two layer perceptron", model.Metadata.Description)

	head, err := backends.LoadModel(context.Background(), path, backends.LoadOptions{KeepHead: true}, goOptions())
	require.NoError(t, err)
	assert.Equal(t, 10, head.EmbeddingWidth())
	assert.Empty(t, head.StrippedLayer)
}

func TestLoadModelErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := backends.LoadModel(context.Background(), filepath.Join(dir, "missing.json"), backends.LoadOptions{}, goOptions())
	assert.Error(t, err)

	unsupported := filepath.Join(dir, "model.pt")
	require.NoError(t, os.WriteFile(unsupported, []byte("weights"), 0o600))
	_, err = backends.LoadModel(context.Background(), unsupported, backends.LoadOptions{}, goOptions())
	assert.Error(t, err)

	mismatched := fixtures.MLPCheckpoint([]int{4}, 8, 10, 1)
	mismatched.Weights[0].Shape = []int{4, 8}
	path := filepath.Join(dir, "mismatch.json")
	require.NoError(t, fixtures.WriteCheckpoint(path, mismatched))
	_, err = backends.LoadModel(context.Background(), path, backends.LoadOptions{}, goOptions())
	assert.ErrorIs(t, err, backends.ErrShapeMismatch)

	jsonPath := filepath.Join(dir, "model.json")
	require.NoError(t, fixtures.WriteCheckpoint(jsonPath, fixtures.MLPCheckpoint([]int{4}, 8, 10, 1)))
	_, err = backends.LoadModel(context.Background(), jsonPath, backends.LoadOptions{EmbeddingOutput: "hidden"}, goOptions())
	assert.Error(t, err)
}

func TestStripOnnxHead(t *testing.T) {
	onnxBytes, err := fixtures.OnnxClassifier(6, 8, 10, 1)
	require.NoError(t, err)

	stripped, output, node, err := backends.StripOnnxHead(onnxBytes, backends.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hidden", output)
	assert.Equal(t, "fc1", node)

	mp, err := gonnx.ModelProtoFromBytes(stripped)
	require.NoError(t, err)
	var opTypes []string
	for _, n := range mp.GetGraph().GetNode() {
		opTypes = append(opTypes, n.GetOpType())
	}
	assert.Equal(t, []string{"Gemm", "Relu"}, opTypes)
	assert.Len(t, mp.GetGraph().GetInitializer(), 2)
	require.Len(t, mp.GetGraph().GetOutput(), 1)
	assert.Equal(t, "hidden", mp.GetGraph().GetOutput()[0].GetName())

	_, output, _, err = backends.StripOnnxHead(onnxBytes, backends.LoadOptions{EmbeddingOutput: "fc0_out"})
	require.NoError(t, err)
	assert.Equal(t, "fc0_out", output)

	_, _, _, err = backends.StripOnnxHead(onnxBytes, backends.LoadOptions{EmbeddingOutput: "nope"})
	assert.Error(t, err)
	_, _, _, err = backends.StripOnnxHead(onnxBytes, backends.LoadOptions{HeadLayer: "nope"})
	assert.Error(t, err)
}

func TestLoadOnnxModelGoBackend(t *testing.T) {
	onnxBytes, err := fixtures.OnnxClassifier(6, 8, 10, 1)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, onnxBytes, 0o600))

	model, err := backends.LoadModel(context.Background(), path, backends.LoadOptions{}, goOptions())
	require.NoError(t, err)
	assert.Equal(t, "GO", model.Runtime)
	assert.Equal(t, "fc1", model.StrippedLayer)
	require.Len(t, model.OutputsMeta, 1)
	assert.Equal(t, "hidden", model.OutputsMeta[0].Name)
	assert.Equal(t, 8, model.EmbeddingWidth())

	cuda := goOptions()
	cuda.Device = options.DeviceCUDA
	_, err = backends.LoadModel(context.Background(), path, backends.LoadOptions{}, cuda)
	assert.Error(t, err)
}
