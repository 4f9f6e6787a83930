package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/embedviz/util/fileutil"
)

// ErrShapeMismatch is returned when checkpoint parameters do not fit the declared architecture.
var ErrShapeMismatch = errors.New("parameter shape mismatch")

type LayerType string

const (
	Conv2D     LayerType = "Conv2D"
	MaxPool2D  LayerType = "MaxPool2D"
	ReLU       LayerType = "ReLU"
	Dropout    LayerType = "Dropout"
	Flatten    LayerType = "Flatten"
	Dense      LayerType = "Dense"
	Identity   LayerType = "Identity"
	Softmax    LayerType = "Softmax"
	LogSoftmax LayerType = "LogSoftmax"
)

var layerTypes = map[string]LayerType{}

func init() {
	for _, t := range []LayerType{Conv2D, MaxPool2D, ReLU, Dropout, Flatten, Dense, Identity, Softmax, LogSoftmax} {
		layerTypes[strings.ToLower(string(t))] = t
	}
	// torch module names
	layerTypes["linear"] = Dense
	layerTypes["conv2d"] = Conv2D
	layerTypes["maxpool2d"] = MaxPool2D
}

// ParseLayerType maps a layer type name, case-insensitively, onto a LayerType.
func ParseLayerType(name string) (LayerType, error) {
	t, ok := layerTypes[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown layer type %q", name)
	}
	return t, nil
}

// HasParameters reports whether the layer type carries learned weights.
func (t LayerType) HasParameters() bool {
	return t == Dense || t == Conv2D
}

// LayerSpec is the configuration of one layer of a sequential network.
type LayerSpec struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ModelSpec declares a sequential network and the per-sample input shape it expects.
type ModelSpec struct {
	Name       string      `json:"name"`
	InputShape []int       `json:"input_shape"`
	Layers     []LayerSpec `json:"layers"`
}

// WeightTensor is a named parameter tensor, e.g. "fc1.weight".
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

type CheckpointMetadata struct {
	Version     string    `json:"version,omitempty"`
	Framework   string    `json:"framework,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	Description string    `json:"description,omitempty"`
	ClassNames  []string  `json:"class_names,omitempty"`
}

// Checkpoint is a trained sequential classifier: architecture, weights and metadata.
type Checkpoint struct {
	ModelSpec *ModelSpec         `json:"model_spec"`
	Weights   []WeightTensor     `json:"weights"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

// ReadCheckpoint decodes a JSON checkpoint from a local path or an s3:// URL.
func ReadCheckpoint(ctx context.Context, path string) (*Checkpoint, error) {
	data, err := fileutil.ReadFileBytesContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	checkpoint := &Checkpoint{}
	if err = jsoniter.Unmarshal(data, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint %s has no model_spec", path)
	}
	return checkpoint, nil
}

// WriteCheckpoint encodes a checkpoint as JSON, replacing any existing file.
func WriteCheckpoint(path string, checkpoint *Checkpoint) (err error) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "embedviz"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	w, err := fileutil.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()
	encoder := jsoniter.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err = encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

// weightIndex tracks which checkpoint tensors have been bound to a layer.
type weightIndex struct {
	tensors map[string]WeightTensor
	used    map[string]bool
}

func newWeightIndex(weights []WeightTensor) (*weightIndex, error) {
	idx := &weightIndex{tensors: map[string]WeightTensor{}, used: map[string]bool{}}
	for _, w := range weights {
		name := w.Name
		if name == "" {
			name = w.Layer + "." + w.Type
		}
		if _, exists := idx.tensors[name]; exists {
			return nil, fmt.Errorf("duplicate weight tensor %s", name)
		}
		idx.tensors[name] = w
	}
	return idx, nil
}

// take returns the tensor with the given name after checking its shape and element count.
func (idx *weightIndex) take(name string, shape ...int) ([]float32, error) {
	w, ok := idx.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing weight %s with shape %v", ErrShapeMismatch, name, shape)
	}
	if !equalShapes(w.Shape, shape) {
		return nil, fmt.Errorf("%w: weight %s has shape %v, expected %v", ErrShapeMismatch, name, w.Shape, shape)
	}
	expected := 1
	for _, d := range shape {
		expected *= d
	}
	if len(w.Data) != expected {
		return nil, fmt.Errorf("%w: weight %s holds %d values, shape %v needs %d", ErrShapeMismatch, name, len(w.Data), shape, expected)
	}
	idx.used[name] = true
	return w.Data, nil
}

// unused lists tensors never bound to a layer. Loading is strict, so any entry is an error.
func (idx *weightIndex) unused() []string {
	var names []string
	for name := range idx.tensors {
		if !idx.used[name] {
			names = append(names, name)
		}
	}
	return names
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
