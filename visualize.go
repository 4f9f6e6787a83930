// Package embedviz extracts penultimate-layer embeddings from a trained classifier,
// reduces them to two dimensions and plots them coloured by class.
package embedviz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knights-analytics/embedviz/backends"
	"github.com/knights-analytics/embedviz/config"
	"github.com/knights-analytics/embedviz/datasets"
	"github.com/knights-analytics/embedviz/pipelines"
	"github.com/knights-analytics/embedviz/reduction"
	"github.com/knights-analytics/embedviz/render"
	"github.com/knights-analytics/embedviz/util/logutil"
)

// VisualizeConfig describes one visualisation run.
type VisualizeConfig struct {
	ModelCheckpoint string
	HeadLayer       string
	EmbeddingOutput string
	ImagesPath      string
	TargetsPath     string
	BatchSize       int
	Reduction       reduction.Options
	Render          render.Options
	// PointsOutput optionally receives the reduced points as JSON Lines.
	PointsOutput string
	Logger       *slog.Logger
}

// NewVisualizeConfig maps a resolved configuration onto a run.
func NewVisualizeConfig(cfg *config.Config, logger *slog.Logger) VisualizeConfig {
	images, targets := cfg.DatasetPaths()
	return VisualizeConfig{
		ModelCheckpoint: cfg.ModelCheckpoint,
		HeadLayer:       cfg.HeadLayer,
		EmbeddingOutput: cfg.EmbeddingOutput,
		ImagesPath:      images,
		TargetsPath:     targets,
		BatchSize:       cfg.BatchSize,
		Reduction:       cfg.ReductionOptions(),
		Render:          cfg.RenderOptions(),
		PointsOutput:    cfg.PointsOutput,
		Logger:          logger,
	}
}

func (c VisualizeConfig) Validate() error {
	var errs []error
	if c.ModelCheckpoint == "" {
		errs = append(errs, errors.New("a model checkpoint is required"))
	}
	if c.ImagesPath == "" || c.TargetsPath == "" {
		errs = append(errs, errors.New("both dataset files are required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	errs = append(errs, c.Reduction.Validate(), c.Render.Validate())
	return errors.Join(errs...)
}

type VisualizeResult struct {
	RunID         string
	Runtime       string
	StrippedLayer string
	Embeddings    *pipelines.EmbeddingOutput
	Reduction     *reduction.Result
	Figure        *render.Figure
	PointsPath    string
	Stats         []string
	Duration      time.Duration

	// EmbeddingTensor names the model output the embeddings were read from.
	EmbeddingTensor backends.OutputInfo
	Statistics      backends.PipelineStatistics
}

// Visualize loads the checkpoint with its head stripped, embeds the test set in order,
// reduces the embeddings to two dimensions and saves the scatter plot.
func Visualize(ctx context.Context, s *Session, c VisualizeConfig) (result *VisualizeResult, err error) {
	if err = c.Validate(); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	result = &VisualizeResult{RunID: uuid.NewString()}
	logger := c.Logger
	if logger == nil {
		logger = logutil.Discard()
	}
	logger = logger.With("run_id", result.RunID)

	pipelineName := "embeddings-" + result.RunID
	pipeline, err := NewEmbeddingPipeline(ctx, s, EmbeddingConfig{
		ModelPath:       c.ModelCheckpoint,
		Name:            pipelineName,
		HeadLayer:       c.HeadLayer,
		EmbeddingOutput: c.EmbeddingOutput,
		Options:         []EmbeddingOption{pipelines.WithBatchSize(c.BatchSize)},
	})
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", c.ModelCheckpoint, err)
	}
	defer func() {
		err = errors.Join(err, ClosePipeline[*pipelines.EmbeddingPipeline](s, pipelineName))
	}()

	model := pipeline.GetModel()
	result.Runtime = model.Runtime
	result.StrippedLayer = model.StrippedLayer
	logger.Info("model loaded",
		"checkpoint", c.ModelCheckpoint,
		"runtime", model.Runtime,
		"device", s.Device(),
		"stripped_layer", model.StrippedLayer,
		"embedding_width", model.EmbeddingWidth(),
		"batch_size", pipeline.BatchSize)

	ds, err := datasets.LoadTensorDataset(ctx, c.ImagesPath, c.TargetsPath, pipeline.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("loading test set: %w", err)
	}
	logger.Info("test set loaded", "samples", ds.Len(), "sample_shape", ds.SampleShape(), "batches", ds.NumBatches())

	result.Embeddings, err = pipeline.Run(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("extracting embeddings: %w", err)
	}
	result.Stats = pipeline.GetStats()
	result.Statistics = pipeline.GetStatistics()
	if outputs := pipeline.GetMetadata().OutputsInfo; len(outputs) > 0 {
		result.EmbeddingTensor = outputs[0]
	}
	logger.Info("embeddings extracted",
		"count", len(result.Embeddings.Vectors),
		"width", result.Embeddings.Width(),
		"output", result.EmbeddingTensor.Name,
		"forward_time", result.Statistics.OnnxTotalTime,
		"avg_batch_size", result.Statistics.AverageBatchSize)

	result.Reduction, err = reduction.Reduce(ctx, result.Embeddings.Vectors, c.Reduction)
	if err != nil {
		return nil, fmt.Errorf("reducing embeddings: %w", err)
	}
	logger.Info("embeddings reduced",
		"pca_applied", result.Reduction.PCAApplied,
		"tsne_input_width", result.Reduction.TSNEInputWidth,
		"method", c.Reduction.TSNE.Method,
		"iterations", result.Reduction.Iterations,
		"kl_divergence", result.Reduction.KLDivergence,
		"seed", result.Reduction.Seed)

	renderOptions := c.Render
	if len(renderOptions.ClassNames) == 0 {
		renderOptions.ClassNames = checkpointClassNames(model, renderOptions.NumClasses)
	}
	points := result.Reduction.Points()
	result.Figure, err = render.Render(points, result.Embeddings.Labels, renderOptions)
	if err != nil {
		return nil, err
	}
	if result.Figure.Dropped > 0 {
		logger.Warn("labels outside the class range were not plotted", "dropped", result.Figure.Dropped, "num_classes", renderOptions.NumClasses)
	}
	logger.Info("figure saved", "path", result.Figure.Path, "points", result.Figure.Points)

	if c.PointsOutput != "" {
		header := render.PointsHeader{
			RunID:          result.RunID,
			Checkpoint:     c.ModelCheckpoint,
			EmbeddingWidth: result.Reduction.InputWidth,
			TSNEInputWidth: result.Reduction.TSNEInputWidth,
			PCAApplied:     result.Reduction.PCAApplied,
			Seed:           result.Reduction.Seed,
			KLDivergence:   result.Reduction.KLDivergence,
			CreatedAt:      time.Now().UTC(),
		}
		if err = render.WritePoints(c.PointsOutput, header, points, result.Embeddings.Labels); err != nil {
			return nil, fmt.Errorf("writing points: %w", err)
		}
		result.PointsPath = c.PointsOutput
		logger.Info("points written", "path", c.PointsOutput)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// checkpointClassNames returns the class names stored with the checkpoint when they
// cover exactly numClasses classes.
func checkpointClassNames(model *backends.Model, numClasses int) []string {
	if len(model.Metadata.ClassNames) != numClasses {
		return nil
	}
	return model.Metadata.ClassNames
}
