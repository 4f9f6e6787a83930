package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denseCheckpoint() *Checkpoint {
	return &Checkpoint{
		ModelSpec: &ModelSpec{
			InputShape: []int{2},
			Layers: []LayerSpec{
				{Name: "fc0", Type: "Dense", Parameters: map[string]any{"input_size": 2, "output_size": 2}},
				{Name: "relu", Type: "ReLU"},
				{Name: "fc1", Type: "linear", Parameters: map[string]any{"input_size": 2.0, "output_size": 3.0, "use_bias": false}},
				{Name: "softmax", Type: "Softmax"},
			},
		},
		Weights: []WeightTensor{
			{Name: "fc0.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
			{Name: "fc0.bias", Shape: []int{2}, Data: []float32{0.5, -0.5}},
			{Layer: "fc1", Type: "weight", Shape: []int{3, 2}, Data: []float32{1, 0, 0, 1, 1, 1}},
		},
	}
}

func TestDenseForward(t *testing.T) {
	network, err := NewNetwork(denseCheckpoint())
	require.NoError(t, err)
	shape, err := network.OutputShape()
	require.NoError(t, err)
	assert.Equal(t, []int{3}, shape)

	out, err := network.Forward([]float32{1, 1, 0, 0}, 2, []int{2})
	require.NoError(t, err)
	require.Len(t, out.Data, 6)
	var sum float32
	for _, v := range out.Data[:3] {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-6)

	stripped, err := network.StripHead("")
	require.NoError(t, err)
	assert.Equal(t, "fc1", stripped)
	assert.Len(t, network.Layers, 3)
	assert.Equal(t, Identity, network.Layers[2].Type())

	out, err = network.Forward([]float32{1, 1, 0, 0}, 2, []int{2})
	require.NoError(t, err)
	// fc0: [1*1+2*1+0.5, 3*1+4*1-0.5] then ReLU; second sample is the bias through ReLU
	assert.Equal(t, []float32{3.5, 6.5, 0.5, 0}, out.Data)
	assert.Equal(t, []int{2}, out.Shape)
}

func TestStripHeadByName(t *testing.T) {
	network, err := NewNetwork(denseCheckpoint())
	require.NoError(t, err)
	_, err = network.StripHead("missing")
	assert.Error(t, err)

	stripped, err := network.StripHead("fc0")
	require.NoError(t, err)
	assert.Equal(t, "fc0", stripped)
	// a learned layer follows, so nothing is dropped
	assert.Len(t, network.Layers, 4)
}

func TestStripHeadWithoutDense(t *testing.T) {
	network, err := NewNetwork(&Checkpoint{ModelSpec: &ModelSpec{Layers: []LayerSpec{{Name: "relu", Type: "ReLU"}}}})
	require.NoError(t, err)
	_, err = network.StripHead("")
	assert.Error(t, err)
}

func TestConvAndPoolForward(t *testing.T) {
	checkpoint := &Checkpoint{
		ModelSpec: &ModelSpec{
			InputShape: []int{1, 3, 3},
			Layers: []LayerSpec{
				{Name: "conv", Type: "Conv2D", Parameters: map[string]any{"input_channels": 1, "output_channels": 1, "kernel_size": 2}},
				{Name: "pool", Type: "MaxPool2D", Parameters: map[string]any{"kernel_size": 2}},
				{Name: "flatten", Type: "Flatten"},
			},
		},
		Weights: []WeightTensor{
			{Name: "conv.weight", Shape: []int{1, 1, 2, 2}, Data: []float32{1, 1, 1, 1}},
			{Name: "conv.bias", Shape: []int{1}, Data: []float32{1}},
		},
	}
	network, err := NewNetwork(checkpoint)
	require.NoError(t, err)

	// samples given as [3, 3] are reshaped to the declared [1, 3, 3]
	out, err := network.Forward([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, []int{3, 3})
	require.NoError(t, err)
	// conv gives [[13, 17], [25, 29]], the pool keeps the max
	assert.Equal(t, []float32{29}, out.Data)
	assert.Equal(t, []int{1}, out.Shape)
}

func TestConvPadding(t *testing.T) {
	layer, err := newLayer(LayerSpec{Name: "conv", Type: "Conv2D", Parameters: map[string]any{
		"input_channels": 1, "output_channels": 1, "kernel_size": 3, "padding": 1, "use_bias": false,
	}}, &weightIndex{
		tensors: map[string]WeightTensor{"conv.weight": {Shape: []int{1, 1, 3, 3}, Data: []float32{0, 0, 0, 0, 1, 0, 0, 0, 0}}},
		used:    map[string]bool{},
	})
	require.NoError(t, err)
	in := &Activation{Data: []float32{1, 2, 3, 4}, Shape: []int{1, 2, 2}, Batch: 1}
	out, err := layer.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Data)
}

func TestNewNetworkShapeMismatch(t *testing.T) {
	checkpoint := denseCheckpoint()
	checkpoint.Weights[0].Shape = []int{2, 3}
	_, err := NewNetwork(checkpoint)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	checkpoint = denseCheckpoint()
	checkpoint.Weights = checkpoint.Weights[:2]
	_, err = NewNetwork(checkpoint)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	checkpoint = denseCheckpoint()
	checkpoint.Weights = append(checkpoint.Weights, WeightTensor{Name: "fc2.weight", Shape: []int{1}, Data: []float32{1}})
	_, err = NewNetwork(checkpoint)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	checkpoint = denseCheckpoint()
	checkpoint.Weights[1].Data = []float32{1}
	_, err = NewNetwork(checkpoint)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestForwardRejectsWrongSampleShape(t *testing.T) {
	network, err := NewNetwork(denseCheckpoint())
	require.NoError(t, err)
	_, err = network.Forward([]float32{1, 2, 3}, 1, []int{3})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLogSoftmax(t *testing.T) {
	layer := &elementwiseLayer{baseLayer: baseLayer{name: "ls", layerType: LogSoftmax}}
	out, err := layer.Forward(&Activation{Data: []float32{0, 0}, Shape: []int{2}, Batch: 1})
	require.NoError(t, err)
	assert.InDelta(t, -0.693147, out.Data[0], 1e-5)
	assert.InDelta(t, -0.693147, out.Data[1], 1e-5)
}

func TestParseLayerType(t *testing.T) {
	layerType, err := ParseLayerType("dense")
	require.NoError(t, err)
	assert.Equal(t, Dense, layerType)
	assert.True(t, layerType.HasParameters())
	_, err = ParseLayerType("BatchNorm")
	assert.Error(t, err)
}
