package backends

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/knights-analytics/embedviz/util/vectorutil"
)

// Network is a sequential classifier restored from a JSON checkpoint.
type Network struct {
	Name       string
	InputShape []int
	Layers     []Layer
}

// NewNetwork builds the layers declared in the checkpoint and binds its weights. Loading is
// strict: missing tensors, tensors with the wrong shape and tensors no layer claims are all
// errors wrapping ErrShapeMismatch.
func NewNetwork(checkpoint *Checkpoint) (*Network, error) {
	spec := checkpoint.ModelSpec
	if spec == nil || len(spec.Layers) == 0 {
		return nil, errors.New("checkpoint declares no layers")
	}
	weights, err := newWeightIndex(checkpoint.Weights)
	if err != nil {
		return nil, err
	}
	network := &Network{Name: spec.Name, InputShape: slices.Clone(spec.InputShape)}
	seen := map[string]bool{}
	for i, layerSpec := range spec.Layers {
		if layerSpec.Name == "" {
			layerSpec.Name = fmt.Sprintf("layer%d", i)
		}
		if seen[layerSpec.Name] {
			return nil, fmt.Errorf("duplicate layer name %s", layerSpec.Name)
		}
		seen[layerSpec.Name] = true
		layer, layerErr := newLayer(layerSpec, weights)
		if layerErr != nil {
			return nil, layerErr
		}
		network.Layers = append(network.Layers, layer)
	}
	if unused := weights.unused(); len(unused) > 0 {
		sort.Strings(unused)
		return nil, fmt.Errorf("%w: unexpected weights %s", ErrShapeMismatch, strings.Join(unused, ", "))
	}
	if len(network.InputShape) > 0 {
		if _, err = network.OutputShape(); err != nil {
			return nil, err
		}
	}
	return network, nil
}

// StripHead replaces the classifier head with an identity layer and returns its name. An
// empty layerName selects the last Dense layer. Parameter-free layers after the head are
// dropped when no learned layer follows it.
func (n *Network) StripHead(layerName string) (string, error) {
	headIndex := -1
	for i, layer := range n.Layers {
		if layerName != "" && layer.Name() == layerName {
			headIndex = i
			break
		}
		if layerName == "" && layer.Type() == Dense {
			headIndex = i
		}
	}
	if headIndex < 0 {
		if layerName != "" {
			return "", fmt.Errorf("layer %s not found in network", layerName)
		}
		return "", errors.New("network has no Dense layer to strip")
	}
	head := n.Layers[headIndex]
	n.Layers[headIndex] = NewIdentityLayer(head.Name())

	trailingFree := true
	for _, layer := range n.Layers[headIndex+1:] {
		if layer.Type().HasParameters() {
			trailingFree = false
			break
		}
	}
	if trailingFree {
		n.Layers = n.Layers[:headIndex+1]
	}
	return head.Name(), nil
}

// OutputShape walks the declared input shape through every layer.
func (n *Network) OutputShape() ([]int, error) {
	if len(n.InputShape) == 0 {
		return nil, errors.New("network has no declared input shape")
	}
	shape := n.InputShape
	var err error
	for _, layer := range n.Layers {
		if shape, err = layer.OutputShape(shape); err != nil {
			return nil, err
		}
	}
	return shape, nil
}

// Forward runs a batch through the network. data holds batch samples of sampleShape back to back.
func (n *Network) Forward(data []float32, batch int, sampleShape []int) (*Activation, error) {
	shape, err := n.resolveInputShape(sampleShape)
	if err != nil {
		return nil, err
	}
	if len(data) != batch*vectorutil.Product(shape) {
		return nil, fmt.Errorf("%w: batch of %d samples with shape %v cannot hold %d values", ErrShapeMismatch, batch, shape, len(data))
	}
	activation := &Activation{Data: data, Shape: shape, Batch: batch}
	for _, layer := range n.Layers {
		if activation, err = layer.Forward(activation); err != nil {
			return nil, err
		}
	}
	return activation, nil
}

// resolveInputShape reshapes samples to the declared input shape when they hold the same
// number of values, e.g. [28, 28] images fed to a [1, 28, 28] network.
func (n *Network) resolveInputShape(sampleShape []int) ([]int, error) {
	if len(n.InputShape) == 0 {
		return sampleShape, nil
	}
	if vectorutil.Product(n.InputShape) != vectorutil.Product(sampleShape) {
		return nil, fmt.Errorf("%w: network expects samples of shape %v, got %v", ErrShapeMismatch, n.InputShape, sampleShape)
	}
	return n.InputShape, nil
}
