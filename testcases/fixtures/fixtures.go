// Package fixtures generates small classifiers and labelled datasets for tests and demos.
package fixtures

import (
	"math"
	"math/rand/v2"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/embedviz/backends"
	"github.com/knights-analytics/embedviz/datasets"
	"github.com/knights-analytics/embedviz/util/fileutil"
	"github.com/knights-analytics/embedviz/util/vectorutil"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// randomWeight returns a tensor with values drawn uniformly from ±1/sqrt(fanIn).
func randomWeight(r *rand.Rand, layer string, kind string, fanIn int, shape ...int) backends.WeightTensor {
	bound := 1 / math.Sqrt(float64(fanIn))
	data := make([]float32, vectorutil.Product(shape))
	for i := range data {
		data[i] = float32((r.Float64()*2 - 1) * bound)
	}
	return backends.WeightTensor{
		Name:  layer + "." + kind,
		Shape: shape,
		Data:  data,
		Layer: layer,
		Type:  kind,
	}
}

// MLPCheckpoint is a two layer perceptron: Flatten, fc0, ReLU, Dropout, fc1, LogSoftmax.
// With its head stripped it produces hidden-wide embeddings.
func MLPCheckpoint(inputShape []int, hidden int, classes int, seed uint64) *backends.Checkpoint {
	r := newRand(seed)
	in := vectorutil.Product(inputShape)
	return &backends.Checkpoint{
		ModelSpec: &backends.ModelSpec{
			Name:       "mlp",
			InputShape: inputShape,
			Layers: []backends.LayerSpec{
				{Name: "flatten", Type: string(backends.Flatten)},
				{Name: "fc0", Type: string(backends.Dense), Parameters: map[string]any{"input_size": in, "output_size": hidden}},
				{Name: "relu", Type: string(backends.ReLU)},
				{Name: "dropout", Type: string(backends.Dropout), Parameters: map[string]any{"rate": 0.5}},
				{Name: "fc1", Type: string(backends.Dense), Parameters: map[string]any{"input_size": hidden, "output_size": classes}},
				{Name: "log_softmax", Type: string(backends.LogSoftmax)},
			},
		},
		Weights: []backends.WeightTensor{
			randomWeight(r, "fc0", "weight", in, hidden, in),
			randomWeight(r, "fc0", "bias", in, hidden),
			randomWeight(r, "fc1", "weight", hidden, classes, hidden),
			randomWeight(r, "fc1", "bias", hidden, classes),
		},
		Metadata: backends.CheckpointMetadata{Description: "two layer perceptron"},
	}
}

// ConvCheckpoint is a small MNIST style network over [1, 28, 28] images: conv1, ReLU,
// 2x2 max pool, Flatten, Dropout, fc1. Its embeddings are 4*13*13 = 676 wide.
func ConvCheckpoint(classes int, seed uint64) *backends.Checkpoint {
	r := newRand(seed)
	const channels, kernel = 4, 3
	features := channels * 13 * 13
	return &backends.Checkpoint{
		ModelSpec: &backends.ModelSpec{
			Name:       "convnet",
			InputShape: []int{1, 28, 28},
			Layers: []backends.LayerSpec{
				{Name: "conv1", Type: string(backends.Conv2D), Parameters: map[string]any{
					"input_channels": 1, "output_channels": channels, "kernel_size": kernel, "stride": 1, "padding": 0,
				}},
				{Name: "relu", Type: string(backends.ReLU)},
				{Name: "pool", Type: string(backends.MaxPool2D), Parameters: map[string]any{"kernel_size": 2}},
				{Name: "flatten", Type: string(backends.Flatten)},
				{Name: "dropout", Type: string(backends.Dropout)},
				{Name: "fc1", Type: string(backends.Dense), Parameters: map[string]any{"input_size": features, "output_size": classes}},
			},
		},
		Weights: []backends.WeightTensor{
			randomWeight(r, "conv1", "weight", kernel*kernel, channels, 1, kernel, kernel),
			randomWeight(r, "conv1", "bias", kernel*kernel, channels),
			randomWeight(r, "fc1", "weight", features, classes, features),
			randomWeight(r, "fc1", "bias", features, classes),
		},
		Metadata: backends.CheckpointMetadata{Description: "convolutional classifier"},
	}
}

// ClusteredSamples draws n samples of sampleShape whose values are centred on a per-class
// offset, with labels cycling through 0..classes-1.
func ClusteredSamples(n int, sampleShape []int, classes int, seed uint64) ([]float32, []int64) {
	r := newRand(seed)
	size := vectorutil.Product(sampleShape)
	centres := make([][]float32, classes)
	for c := range centres {
		centres[c] = make([]float32, size)
		for i := range centres[c] {
			centres[c][i] = float32(r.Float64())
		}
	}
	images := make([]float32, 0, n*size)
	labels := make([]int64, n)
	for i := range n {
		label := i % classes
		labels[i] = int64(label)
		for _, centre := range centres[label] {
			images = append(images, centre+float32(r.NormFloat64()*0.05))
		}
	}
	return images, labels
}

// WriteDataset writes ClusteredSamples as test_images.npy and test_target.npy into dir.
func WriteDataset(dir string, n int, sampleShape []int, classes int, seed uint64) error {
	if err := fileutil.CreateDir(dir); err != nil {
		return err
	}
	images, labels := ClusteredSamples(n, sampleShape, classes, seed)
	imagesPath, targetsPath := datasets.DefaultPaths(dir)
	shape := append([]int{n}, sampleShape...)
	if err := datasets.WriteNpy(imagesPath, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(images))); err != nil {
		return err
	}
	return datasets.WriteNpy(targetsPath, tensor.New(tensor.WithShape(n), tensor.WithBacking(labels)))
}

// WriteCheckpoint writes a JSON checkpoint to path.
func WriteCheckpoint(path string, checkpoint *backends.Checkpoint) error {
	return backends.WriteCheckpoint(path, checkpoint)
}

func initializer(r *rand.Rand, name string, fanIn int, dims ...int64) *onnx.TensorProto {
	size := 1
	shape := make([]int, len(dims))
	for i, d := range dims {
		size *= int(d)
		shape[i] = int(d)
	}
	w := randomWeight(r, name, "", fanIn, shape...)
	return &onnx.TensorProto{
		Name:      name,
		Dims:      dims,
		DataType:  int32(onnx.TensorProto_FLOAT),
		FloatData: w.Data[:size],
	}
}

func tensorInfo(name string, dims ...*onnx.TensorShapeProto_Dimension) *onnx.ValueInfoProto {
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{
			Value: &onnx.TypeProto_TensorType{
				TensorType: &onnx.TypeProto_Tensor{
					ElemType: int32(onnx.TensorProto_FLOAT),
					Shape:    &onnx.TensorShapeProto{Dim: dims},
				},
			},
		},
	}
}

func dimParam(name string) *onnx.TensorShapeProto_Dimension {
	return &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: name}}
}

func dimValue(v int64) *onnx.TensorShapeProto_Dimension {
	return &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: v}}
}

// OnnxClassifier serialises an ONNX perceptron over [batch, in] inputs:
// Gemm(fc0), Relu, Gemm(fc1), Softmax.
func OnnxClassifier(in int64, hidden int64, classes int64, seed uint64) ([]byte, error) {
	r := newRand(seed)
	transB := &onnx.AttributeProto{Name: "transB", Type: onnx.AttributeProto_INT, I: 1}
	model := &onnx.ModelProto{
		IrVersion:    7,
		ProducerName: "embedviz",
		OpsetImport:  []*onnx.OperatorSetIdProto{{Domain: "", Version: 13}},
		Graph: &onnx.GraphProto{
			Name: "classifier",
			Node: []*onnx.NodeProto{
				{Name: "fc0", OpType: "Gemm", Input: []string{"input", "fc0.weight", "fc0.bias"}, Output: []string{"fc0_out"}, Attribute: []*onnx.AttributeProto{transB}},
				{Name: "relu", OpType: "Relu", Input: []string{"fc0_out"}, Output: []string{"hidden"}},
				{Name: "fc1", OpType: "Gemm", Input: []string{"hidden", "fc1.weight", "fc1.bias"}, Output: []string{"logits"}, Attribute: []*onnx.AttributeProto{transB}},
				{Name: "softmax", OpType: "Softmax", Input: []string{"logits"}, Output: []string{"output"}, Attribute: []*onnx.AttributeProto{
					{Name: "axis", Type: onnx.AttributeProto_INT, I: 1},
				}},
			},
			Initializer: []*onnx.TensorProto{
				initializer(r, "fc0.weight", int(in), hidden, in),
				initializer(r, "fc0.bias", int(in), hidden),
				initializer(r, "fc1.weight", int(hidden), classes, hidden),
				initializer(r, "fc1.bias", int(hidden), classes),
			},
			Input:  []*onnx.ValueInfoProto{tensorInfo("input", dimParam("batch"), dimValue(in))},
			Output: []*onnx.ValueInfoProto{tensorInfo("output", dimParam("batch"), dimValue(classes))},
		},
	}
	return proto.Marshal(model)
}
