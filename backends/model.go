package backends

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/util/fileutil"
)

// RuntimeNative runs JSON checkpoints on the built-in sequential network.
const RuntimeNative = "NATIVE"

type Model struct {
	ID          string
	Path        string
	Format      string
	Runtime     string
	Network     *Network
	GoModel     *GoModel
	ORTModel    *ORTModel
	Metadata    CheckpointMetadata
	OnnxBytes   []byte
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	// StrippedLayer is the layer or graph node replaced by identity, empty when the head was kept.
	StrippedLayer string
	LoadOptions   LoadOptions
	// Pipelines using the model, keyed by pipeline name.
	Pipelines map[string]Pipeline
	Destroy   func() error
}

// LoadOptions controls how the classifier head is removed at load time.
type LoadOptions struct {
	HeadLayer       string
	EmbeddingOutput string
	// KeepHead loads the classifier unchanged, used to inspect the original outputs.
	KeepHead bool
}

// ModelID identifies a loaded model in a session cache.
func ModelID(path string, loadOptions LoadOptions) string {
	return fmt.Sprintf("%s:%s:%s:%t", path, loadOptions.HeadLayer, loadOptions.EmbeddingOutput, loadOptions.KeepHead)
}

// LoadModel restores a classifier from a .json or .onnx checkpoint and removes its head.
func LoadModel(ctx context.Context, path string, loadOptions LoadOptions, options *options.Options) (*Model, error) {
	model := &Model{
		ID:          ModelID(path, loadOptions),
		Path:        path,
		LoadOptions: loadOptions,
		Pipelines:   map[string]Pipeline{},
		Destroy: func() error {
			return nil
		},
	}
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("model checkpoint %s does not exist", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		model.Format = "json"
		model.Runtime = RuntimeNative
		if loadOptions.EmbeddingOutput != "" {
			return nil, errors.New("an embedding output name only applies to ONNX checkpoints")
		}
		if err = createNativeModelBackend(ctx, model); err != nil {
			return nil, err
		}
	case ".onnx":
		model.Format = "onnx"
		model.Runtime = options.Backend
		if model.OnnxBytes, err = fileutil.ReadFileBytesContext(ctx, path); err != nil {
			return nil, err
		}
		if err = CreateModelBackend(model, options); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint %s, expected a .json or .onnx file", path)
	}

	model.Destroy = func() error {
		var destroyErr error
		if model.ORTModel != nil {
			destroyErr = errors.Join(destroyErr, model.ORTModel.Destroy())
			model.ORTModel = nil
		}
		if model.GoModel != nil {
			destroyErr = errors.Join(destroyErr, model.GoModel.Destroy())
			model.GoModel = nil
		}
		model.Network = nil
		return destroyErr
	}
	return model, nil
}

// EmbeddingWidth is the per-sample output width, or -1 when the model does not declare it.
func (m *Model) EmbeddingWidth() int {
	if len(m.OutputsMeta) == 0 || !m.OutputsMeta[0].Dimensions.IsStatic() {
		return -1
	}
	width := 1
	for _, d := range m.OutputsMeta[0].Dimensions[1:] {
		width *= int(d)
	}
	return width
}

// resolveSampleShape maps dataset samples onto the non-batch dimensions of a model input.
// Samples holding the same number of values as a static input are reshaped to it.
func resolveSampleShape(meta InputOutputInfo, sampleShape []int) ([]int64, error) {
	sampleSize := 1
	for _, d := range sampleShape {
		sampleSize *= d
	}
	if meta.Dimensions.IsStatic() {
		inputSize := 1
		for _, d := range meta.Dimensions[1:] {
			inputSize *= int(d)
		}
		if inputSize != sampleSize {
			return nil, fmt.Errorf("%w: input %s expects samples of shape %v, got %v", ErrShapeMismatch, meta.Name, meta.Dimensions[1:], sampleShape)
		}
		return meta.Dimensions[1:], nil
	}
	if len(meta.Dimensions) > 0 && len(meta.Dimensions)-1 != len(sampleShape) {
		return nil, fmt.Errorf("%w: input %s has rank %d, samples of shape %v have rank %d", ErrShapeMismatch, meta.Name, len(meta.Dimensions)-1, sampleShape, len(sampleShape))
	}
	out := make([]int64, len(sampleShape))
	for i, d := range sampleShape {
		if len(meta.Dimensions) > i+1 && meta.Dimensions[i+1] > 0 && int(meta.Dimensions[i+1]) != d {
			return nil, fmt.Errorf("%w: input %s dimension %d is %d, got %d", ErrShapeMismatch, meta.Name, i+1, meta.Dimensions[i+1], d)
		}
		out[i] = int64(d)
	}
	return out, nil
}
