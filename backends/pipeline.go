package backends

import (
	"errors"
	"fmt"
	"math"
	"time"


	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model           *Model
	PipelineTimings *timings
	PipelineName    string
	Runtime         string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. The leading dimension is the batch.
	Dimensions Shape
}
type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// IsStatic reports whether every non-batch dimension has a fixed positive size.
func (s Shape) IsStatic() bool {
	if len(s) < 2 {
		return false
	}
	for _, d := range s[1:] {
		if d <= 0 {
			return false
		}
	}
	return true
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// FixedShapeInfo contains the fixed batch dimension for models exported with static shapes.
// Dynamic models use -1 or 0 to indicate a variable batch.
type FixedShapeInfo struct {
	BatchSize     int
	HasFixedShape bool
}

// GetFixedShapeFromInputs examines the first model input and reports whether its batch
// dimension is fixed.
func GetFixedShapeFromInputs(inputs []InputOutputInfo) FixedShapeInfo {
	if len(inputs) == 0 || len(inputs[0].Dimensions) == 0 {
		return FixedShapeInfo{}
	}
	batchDim := inputs[0].Dimensions[0]
	if batchDim > 0 {
		return FixedShapeInfo{BatchSize: int(batchDim), HasFixedShape: true}
	}
	return FixedShapeInfo{}
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}
type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics // Get the pipeline running statistics
	GetStats() []string                // Get the pipeline running statistics as printable lines
	Validate() error                   // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata     // Return metadata information for the pipeline
	GetModel() *Model                  // Return the model used by the pipeline
}

type PipelineStatistics struct {
	OnnxTotalTime      time.Duration
	OnnxExecutionCount uint64
	OnnxAvgQueryTime   time.Duration
	TotalSamples       uint64
	AverageBatchSize   float64
}

func (p *PipelineStatistics) ComputeOnnxStatistics(timings *timings) {
	p.OnnxTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.OnnxExecutionCount = timings.NumCalls
	p.OnnxAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
	p.TotalSamples = timings.NumSamples
	p.AverageBatchSize = float64(timings.NumSamples) / math.Max(1, float64(timings.NumCalls))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath string
	Name      string
	// HeadLayer names the layer replaced by identity. Empty means the final Dense layer.
	HeadLayer string
	// EmbeddingOutput names the ONNX tensor used as the embedding instead of the input of the final Gemm/MatMul.
	EmbeddingOutput string
	Options         []PipelineOption[T]
}

// LoadOptions derives the model loading options from the pipeline config.
func (c PipelineConfig[T]) LoadOptions() LoadOptions {
	return LoadOptions{HeadLayer: c.HeadLayer, EmbeddingOutput: c.EmbeddingOutput}
}

type timings struct {
	NumCalls   uint64
	TotalNS    uint64
	NumSamples uint64
}

// PipelineBatch represents a batch of samples that runs through the pipeline.
type PipelineBatch struct {
	InputValues   any
	DestroyInputs func() error
	// Input holds the batch samples back to back in row-major order.
	Input []float32
	// SampleShape is the per-sample shape of Input, without the batch dimension.
	SampleShape []int
	// OutputValues holds one flattened output row per real (non padding) sample.
	OutputValues [][]float32
	Size         int
	// PaddedSize is the batch dimension handed to the runtime, larger than Size for fixed-batch models.
	PaddedSize int
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Size:       size,
		PaddedSize: size,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	switch p.Runtime {
	case RuntimeNative:
		return runNativeSessionOnBatch(batch, p)
	case "ORT":
		return runORTSessionOnBatch(batch, p)
	case "GO":
		return runGoSessionOnBatch(batch, p)
	}
	return fmt.Errorf("runtime %q is not supported", p.Runtime)
}

// CreateInputTensors builds the runtime specific input values for a batch. Models with a
// fixed batch dimension get the batch padded with zero samples up to that size.
func CreateInputTensors(batch *PipelineBatch, model *Model, runtime string) error {
	fixed := GetFixedShapeFromInputs(model.InputsMeta)
	if fixed.HasFixedShape {
		if batch.Size > fixed.BatchSize {
			return fmt.Errorf("batch of %d samples exceeds the fixed model batch size %d", batch.Size, fixed.BatchSize)
		}
		batch.PaddedSize = fixed.BatchSize
	}
	switch runtime {
	case RuntimeNative:
		return createInputTensorsNative(batch, model)
	case "ORT":
		return createInputTensorsORT(batch, model)
	case "GO":
		return createInputTensorsGo(batch, model)
	}
	return fmt.Errorf("runtime %q is not supported", runtime)
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], _ *options.Options, model *Model) (*BasePipeline, error) {
	if model == nil {
		return nil, errors.New("a loaded model is required to create a pipeline")
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = model.Runtime
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	return pipeline, nil
}

func CreateModelBackend(model *Model, s *options.Options) error {
	var err error
	switch s.Backend {
	case "ORT":
		err = createORTModelBackend(model, s)
	case "GO":
		err = createGoModelBackend(model, s)
	default:
		err = fmt.Errorf("backend %q cannot run ONNX checkpoints", s.Backend)
	}
	return err
}

// paddedInput returns the batch input extended with zero samples up to PaddedSize.
func paddedInput(batch *PipelineBatch) []float32 {
	if batch.PaddedSize <= batch.Size {
		return batch.Input
	}
	sampleSize := len(batch.Input) / max(1, batch.Size)
	out := make([]float32, sampleSize*batch.PaddedSize)
	copy(out, batch.Input)
	return out
}

// flatDataTo2D splits a flat runtime output into one row per sample and drops padding rows.
func flatDataTo2D[T float32 | float64](input []T, paddedSize int, size int) ([][]float32, error) {
	if paddedSize <= 0 || len(input)%paddedSize != 0 {
		return nil, fmt.Errorf("output of %d values cannot be split into %d rows", len(input), paddedSize)
	}
	dimension := len(input) / paddedSize
	output := make([][]float32, size)
	counter := 0
	for batchIndex := range size {
		embedding := make([]float32, dimension)
		for i := range dimension {
			embedding[i] = float32(input[counter])
			counter++
		}
		output[batchIndex] = embedding
	}
	return output, nil
}
