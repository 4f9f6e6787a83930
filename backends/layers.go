package backends

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/knights-analytics/embedviz/util/vectorutil"
)

// Activation is a batch of samples laid out back to back. Shape excludes the batch dimension.
type Activation struct {
	Data  []float32
	Shape []int
	Batch int
}

func (a *Activation) sampleSize() int {
	return vectorutil.Product(a.Shape)
}

// Layer is one step of a sequential network running in evaluation mode.
type Layer interface {
	Name() string
	Type() LayerType
	OutputShape(in []int) ([]int, error)
	Forward(in *Activation) (*Activation, error)
}

type baseLayer struct {
	name      string
	layerType LayerType
}

func (l baseLayer) Name() string   { return l.name }
func (l baseLayer) Type() LayerType { return l.layerType }

// newLayer builds a layer from its spec, binding and shape-checking its weights.
func newLayer(spec LayerSpec, weights *weightIndex) (Layer, error) {
	layerType, err := ParseLayerType(spec.Type)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
	}
	base := baseLayer{name: spec.Name, layerType: layerType}
	p := params(spec.Parameters)
	switch layerType {
	case Dense:
		return newDenseLayer(base, p, weights)
	case Conv2D:
		return newConv2DLayer(base, p, weights)
	case MaxPool2D:
		kernel, kErr := p.int("kernel_size", 2)
		if kErr != nil {
			return nil, kErr
		}
		stride, sErr := p.int("stride", kernel)
		if sErr != nil {
			return nil, sErr
		}
		if kernel <= 0 || stride <= 0 {
			return nil, fmt.Errorf("layer %s: kernel_size and stride must be positive", spec.Name)
		}
		return &maxPoolLayer{baseLayer: base, kernel: kernel, stride: stride}, nil
	case Flatten:
		return &flattenLayer{baseLayer: base}, nil
	case ReLU, Dropout, Identity, Softmax, LogSoftmax:
		return &elementwiseLayer{baseLayer: base}, nil
	}
	return nil, fmt.Errorf("layer %s: type %s is not supported", spec.Name, layerType)
}

// NewIdentityLayer returns a pass-through layer with the given name.
func NewIdentityLayer(name string) Layer {
	return &elementwiseLayer{baseLayer: baseLayer{name: name, layerType: Identity}}
}

type params map[string]any

func (p params) int(key string, fallback int) (int, error) {
	raw, ok := p[key]
	if !ok {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("parameter %s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	}
	return 0, fmt.Errorf("parameter %s must be a number, got %T", key, raw)
}

func (p params) bool(key string, fallback bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return fallback
}

// denseLayer computes y = x·Wᵀ + b with W stored as [output_size, input_size].
type denseLayer struct {
	baseLayer
	weight []float32
	bias   []float32
	in     int
	out    int
}

func newDenseLayer(base baseLayer, p params, weights *weightIndex) (*denseLayer, error) {
	in, err := p.int("input_size", 0)
	if err != nil {
		return nil, err
	}
	out, err := p.int("output_size", 0)
	if err != nil {
		return nil, err
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("layer %s: input_size and output_size must be positive", base.name)
	}
	layer := &denseLayer{baseLayer: base, in: in, out: out}
	if layer.weight, err = weights.take(base.name+".weight", out, in); err != nil {
		return nil, err
	}
	if p.bool("use_bias", true) {
		if layer.bias, err = weights.take(base.name+".bias", out); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

func (l *denseLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 1 || in[0] != l.in {
		return nil, fmt.Errorf("%w: layer %s expects input [%d], got %v", ErrShapeMismatch, l.name, l.in, in)
	}
	return []int{l.out}, nil
}

func (l *denseLayer) Forward(in *Activation) (*Activation, error) {
	shape, err := l.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	out := make([]float32, in.Batch*l.out)
	x := blas32.General{Rows: in.Batch, Cols: l.in, Stride: l.in, Data: in.Data}
	w := blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: l.weight}
	y := blas32.General{Rows: in.Batch, Cols: l.out, Stride: l.out, Data: out}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x, w, 0, y)
	if l.bias != nil {
		for b := range in.Batch {
			row := out[b*l.out : (b+1)*l.out]
			for j := range row {
				row[j] += l.bias[j]
			}
		}
	}
	return &Activation{Data: out, Shape: shape, Batch: in.Batch}, nil
}

// conv2DLayer is a 2-D convolution over [C, H, W] samples with weights [out, in, k, k].
type conv2DLayer struct {
	baseLayer
	weight      []float32
	bias        []float32
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int
}

func newConv2DLayer(base baseLayer, p params, weights *weightIndex) (*conv2DLayer, error) {
	layer := &conv2DLayer{baseLayer: base}
	var err error
	for _, field := range []struct {
		key      string
		target   *int
		fallback int
	}{
		{"input_channels", &layer.inChannels, 0},
		{"output_channels", &layer.outChannels, 0},
		{"kernel_size", &layer.kernel, 0},
		{"stride", &layer.stride, 1},
		{"padding", &layer.padding, 0},
	} {
		if *field.target, err = p.int(field.key, field.fallback); err != nil {
			return nil, fmt.Errorf("layer %s: %w", base.name, err)
		}
	}
	if layer.inChannels <= 0 || layer.outChannels <= 0 || layer.kernel <= 0 || layer.stride <= 0 || layer.padding < 0 {
		return nil, fmt.Errorf("layer %s: invalid convolution parameters", base.name)
	}
	if layer.weight, err = weights.take(base.name+".weight", layer.outChannels, layer.inChannels, layer.kernel, layer.kernel); err != nil {
		return nil, err
	}
	if p.bool("use_bias", true) {
		if layer.bias, err = weights.take(base.name+".bias", layer.outChannels); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

func (l *conv2DLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 || in[0] != l.inChannels {
		return nil, fmt.Errorf("%w: layer %s expects input [%d, H, W], got %v", ErrShapeMismatch, l.name, l.inChannels, in)
	}
	h := (in[1]+2*l.padding-l.kernel)/l.stride + 1
	w := (in[2]+2*l.padding-l.kernel)/l.stride + 1
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: layer %s kernel %d does not fit input %v", ErrShapeMismatch, l.name, l.kernel, in)
	}
	return []int{l.outChannels, h, w}, nil
}

func (l *conv2DLayer) Forward(in *Activation) (*Activation, error) {
	shape, err := l.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	inH, inW := in.Shape[1], in.Shape[2]
	outH, outW := shape[1], shape[2]
	patch := l.inChannels * l.kernel * l.kernel
	positions := outH * outW
	inSize := in.sampleSize()
	outSize := l.outChannels * positions

	out := make([]float32, in.Batch*outSize)
	cols := make([]float32, patch*positions)
	w := blas32.General{Rows: l.outChannels, Cols: patch, Stride: patch, Data: l.weight}
	for b := range in.Batch {
		sample := in.Data[b*inSize : (b+1)*inSize]
		im2col(sample, cols, l.inChannels, inH, inW, l.kernel, l.stride, l.padding, outH, outW)
		y := blas32.General{Rows: l.outChannels, Cols: positions, Stride: positions, Data: out[b*outSize : (b+1)*outSize]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, blas32.General{Rows: patch, Cols: positions, Stride: positions, Data: cols}, 0, y)
		if l.bias != nil {
			for c := range l.outChannels {
				row := y.Data[c*positions : (c+1)*positions]
				for i := range row {
					row[i] += l.bias[c]
				}
			}
		}
	}
	return &Activation{Data: out, Shape: shape, Batch: in.Batch}, nil
}

// im2col unrolls every receptive field of a [C, H, W] sample into a column of cols.
func im2col(sample, cols []float32, channels, h, w, kernel, stride, padding, outH, outW int) {
	positions := outH * outW
	for c := range channels {
		for ky := range kernel {
			for kx := range kernel {
				row := (c*kernel+ky)*kernel + kx
				dst := cols[row*positions : (row+1)*positions]
				for oy := range outH {
					y := oy*stride + ky - padding
					for ox := range outW {
						x := ox*stride + kx - padding
						if y < 0 || y >= h || x < 0 || x >= w {
							dst[oy*outW+ox] = 0
							continue
						}
						dst[oy*outW+ox] = sample[(c*h+y)*w+x]
					}
				}
			}
		}
	}
}

type maxPoolLayer struct {
	baseLayer
	kernel int
	stride int
}

func (l *maxPoolLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%w: layer %s expects input [C, H, W], got %v", ErrShapeMismatch, l.name, in)
	}
	h := (in[1]-l.kernel)/l.stride + 1
	w := (in[2]-l.kernel)/l.stride + 1
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: layer %s kernel %d does not fit input %v", ErrShapeMismatch, l.name, l.kernel, in)
	}
	return []int{in[0], h, w}, nil
}

func (l *maxPoolLayer) Forward(in *Activation) (*Activation, error) {
	shape, err := l.OutputShape(in.Shape)
	if err != nil {
		return nil, err
	}
	channels, inH, inW := in.Shape[0], in.Shape[1], in.Shape[2]
	outH, outW := shape[1], shape[2]
	inSize := in.sampleSize()
	outSize := channels * outH * outW
	out := make([]float32, in.Batch*outSize)
	for b := range in.Batch {
		src := in.Data[b*inSize : (b+1)*inSize]
		dst := out[b*outSize : (b+1)*outSize]
		for c := range channels {
			for oy := range outH {
				for ox := range outW {
					best := float32(math.Inf(-1))
					for ky := range l.kernel {
						for kx := range l.kernel {
							v := src[(c*inH+oy*l.stride+ky)*inW+ox*l.stride+kx]
							if v > best {
								best = v
							}
						}
					}
					dst[(c*outH+oy)*outW+ox] = best
				}
			}
		}
	}
	return &Activation{Data: out, Shape: shape, Batch: in.Batch}, nil
}

type flattenLayer struct {
	baseLayer
}

func (l *flattenLayer) OutputShape(in []int) ([]int, error) {
	return []int{vectorutil.Product(in)}, nil
}

func (l *flattenLayer) Forward(in *Activation) (*Activation, error) {
	shape, _ := l.OutputShape(in.Shape)
	return &Activation{Data: in.Data, Shape: shape, Batch: in.Batch}, nil
}

// elementwiseLayer covers the parameter-free layers that keep the shape. Dropout is the
// identity in evaluation mode.
type elementwiseLayer struct {
	baseLayer
}

func (l *elementwiseLayer) OutputShape(in []int) ([]int, error) {
	return in, nil
}

func (l *elementwiseLayer) Forward(in *Activation) (*Activation, error) {
	switch l.layerType {
	case Identity, Dropout:
		return in, nil
	case ReLU:
		out := make([]float32, len(in.Data))
		for i, v := range in.Data {
			if v > 0 {
				out[i] = v
			}
		}
		return &Activation{Data: out, Shape: in.Shape, Batch: in.Batch}, nil
	case Softmax, LogSoftmax:
		return l.softmax(in), nil
	}
	return nil, fmt.Errorf("layer %s: type %s is not elementwise", l.name, l.layerType)
}

// softmax normalises each sample over its flattened values.
func (l *elementwiseLayer) softmax(in *Activation) *Activation {
	size := in.sampleSize()
	out := make([]float32, len(in.Data))
	for b := range in.Batch {
		src := in.Data[b*size : (b+1)*size]
		dst := out[b*size : (b+1)*size]
		maxValue := math.Inf(-1)
		for _, v := range src {
			maxValue = math.Max(maxValue, float64(v))
		}
		var sum float64
		for _, v := range src {
			sum += math.Exp(float64(v) - maxValue)
		}
		logSum := math.Log(sum)
		for i, v := range src {
			logProb := float64(v) - maxValue - logSum
			if l.layerType == LogSoftmax {
				dst[i] = float32(logProb)
			} else {
				dst[i] = float32(math.Exp(logProb))
			}
		}
	}
	return &Activation{Data: out, Shape: in.Shape, Batch: in.Batch}
}
