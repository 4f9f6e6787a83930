package pipelines

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/embedviz/backends"
	"github.com/knights-analytics/embedviz/datasets"
	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/util/safeconv"
)

// DefaultBatchSize is the number of samples run through the model per forward pass.
const DefaultBatchSize = 32

// EmbeddingPipeline runs a classifier with its head removed over a labelled dataset and
// collects the penultimate-layer features of every sample, in dataset order.
type EmbeddingPipeline struct {
	*backends.BasePipeline
	Output    backends.InputOutputInfo
	BatchSize int
}

// EmbeddingOutput holds one flattened feature vector per sample and the aligned labels.
type EmbeddingOutput struct {
	Vectors [][]float32
	Labels  []int
}

// Width is the feature width shared by every vector.
func (o *EmbeddingOutput) Width() int {
	if len(o.Vectors) == 0 {
		return 0
	}
	return len(o.Vectors[0])
}

// PIPELINE OPTIONS

// WithBatchSize sets how many samples run through the model per forward pass.
func WithBatchSize(batchSize int) backends.PipelineOption[*EmbeddingPipeline] {
	return func(pipeline *EmbeddingPipeline) error {
		if batchSize <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", batchSize)
		}
		pipeline.BatchSize = batchSize
		return nil
	}
}

// NewEmbeddingPipeline init an embedding pipeline.
func NewEmbeddingPipeline(config backends.PipelineConfig[*EmbeddingPipeline], s *options.Options, model *backends.Model) (*EmbeddingPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}

	pipeline := &EmbeddingPipeline{BasePipeline: defaultPipeline, BatchSize: DefaultBatchSize}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	if len(model.OutputsMeta) > 0 {
		pipeline.Output = model.OutputsMeta[0]
	}

	// a fixed batch model cannot take more samples per pass than it was exported with
	if fixed := backends.GetFixedShapeFromInputs(model.InputsMeta); fixed.HasFixedShape && pipeline.BatchSize > fixed.BatchSize {
		pipeline.BatchSize = fixed.BatchSize
	}

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *EmbeddingPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

// GetMetadata returns metadata information about the pipeline, in particular:
// OutputInfo: names and dimensions of the embedding output.
func (p *EmbeddingPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Output.Name,
				Dimensions: p.Output.Dimensions,
			},
		},
	}
}

// GetStats returns the runtime statistics for the pipeline.
func (p *EmbeddingPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s, Samples=%d",
			p.Runtime,
			safeconv.U64ToDuration(atomic.LoadUint64(&p.PipelineTimings.TotalNS)),
			atomic.LoadUint64(&p.PipelineTimings.NumCalls),
			time.Duration(float64(atomic.LoadUint64(&p.PipelineTimings.TotalNS))/math.Max(1, float64(atomic.LoadUint64(&p.PipelineTimings.NumCalls)))),
			atomic.LoadUint64(&p.PipelineTimings.NumSamples)),
	}
}

func (p *EmbeddingPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	statistics.ComputeOnnxStatistics(p.PipelineTimings)
	return statistics
}

// Validate checks that the pipeline is valid.
func (p *EmbeddingPipeline) Validate() error {
	var validationErrors []error

	if p.BatchSize <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("batch size must be positive, got %d", p.BatchSize))
	}
	if len(p.Model.InputsMeta) != 1 {
		validationErrors = append(validationErrors, fmt.Errorf("embedding pipeline expects a model with one input, got %d", len(p.Model.InputsMeta)))
	}
	if len(p.Model.OutputsMeta) == 0 {
		validationErrors = append(validationErrors, errors.New("model has no outputs"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess builds the runtime inputs for one dataset batch.
func (p *EmbeddingPipeline) Preprocess(batch *backends.PipelineBatch, inputs *datasets.Batch, sampleShape []int) error {
	batch.Input = inputs.Images
	batch.SampleShape = sampleShape
	return backends.CreateInputTensors(batch, p.Model, p.Runtime)
}

// Forward runs the model on a preprocessed batch.
func (p *EmbeddingPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	atomic.AddUint64(&p.PipelineTimings.NumSamples, uint64(batch.Size))
	return nil
}

// Postprocess checks the batch outputs and appends them with their labels to the output.
func (p *EmbeddingPipeline) Postprocess(batch *backends.PipelineBatch, labels []int, output *EmbeddingOutput) error {
	if len(batch.OutputValues) != len(labels) {
		return fmt.Errorf("model returned %d embeddings for %d samples", len(batch.OutputValues), len(labels))
	}
	width := output.Width()
	for _, vector := range batch.OutputValues {
		if len(vector) == 0 {
			return errors.New("model returned an empty embedding")
		}
		if width == 0 {
			width = len(vector)
		}
		if len(vector) != width {
			return fmt.Errorf("embedding width changed from %d to %d", width, len(vector))
		}
	}
	output.Vectors = append(output.Vectors, batch.OutputValues...)
	output.Labels = append(output.Labels, labels...)
	return nil
}

// Run extracts the embeddings of every sample of the dataset, batch by batch and in order.
// ctx is checked between batches.
func (p *EmbeddingPipeline) Run(ctx context.Context, ds *datasets.TensorDataset) (*EmbeddingOutput, error) {
	if ds.BatchSize() != p.BatchSize {
		rebatched, err := datasets.NewTensorDataset(ds.Images(), ds.SampleShape(), ds.Labels(), p.BatchSize)
		if err != nil {
			return nil, err
		}
		ds = rebatched
	}
	ds.Reset()

	output := &EmbeddingOutput{
		Vectors: make([][]float32, 0, ds.Len()),
		Labels:  make([]int, 0, ds.Len()),
	}
	sampleShape := ds.SampleShape()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inputs, err := ds.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err = p.runBatch(inputs, sampleShape, output); err != nil {
			return nil, fmt.Errorf("batch starting at sample %d: %w", inputs.Start, err)
		}
	}
	return output, nil
}

func (p *EmbeddingPipeline) runBatch(inputs *datasets.Batch, sampleShape []int, output *EmbeddingOutput) (err error) {
	batch := backends.NewBatch(len(inputs.Labels))
	defer func(*backends.PipelineBatch) {
		err = errors.Join(err, batch.Destroy())
	}(batch)

	if err = p.Preprocess(batch, inputs, sampleShape); err != nil {
		return err
	}
	if err = p.Forward(batch); err != nil {
		return err
	}
	return p.Postprocess(batch, inputs.Labels, output)
}
