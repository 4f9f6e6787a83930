package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/embedviz"
	"github.com/knights-analytics/embedviz/backends"
	"github.com/knights-analytics/embedviz/config"
	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/util/logutil"
)

var configPath string
var modelCheckpoint string
var figureName string
var figuresDir string
var dataDir string
var pointsOutput string
var batchSize int
var backend string
var device string
var sharedLibraryDir string
var headLayer string
var embeddingOutput string
var seed uint64
var perplexity float64
var iterations int
var numClasses int
var logLevel string

var configFlag = &cli.StringFlag{
	Name:        "config",
	Usage:       "YAML file with run settings, overridden by EMBEDVIZ_* variables and flags",
	Aliases:     []string{"c"},
	Destination: &configPath,
}

var modelFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "model-checkpoint",
		Usage:       "Path to the trained classifier checkpoint (.json or .onnx, local or s3://)",
		Aliases:     []string{"m"},
		Destination: &modelCheckpoint,
	},
	&cli.StringFlag{
		Name:        "backend",
		Usage:       "Inference backend for .onnx checkpoints: GO or ORT",
		Destination: &backend,
	},
	&cli.StringFlag{
		Name:        "device",
		Usage:       "Compute device: auto, cpu, cuda, coreml or directml",
		Destination: &device,
	},
	&cli.StringFlag{
		Name:        "onnxruntimeSharedLibrary",
		Usage:       "Directory holding the onnxruntime shared library (ORT backend only)",
		Aliases:     []string{"s"},
		Destination: &sharedLibraryDir,
	},
	&cli.StringFlag{
		Name:        "head-layer",
		Usage:       "Layer or graph node to replace with identity, defaults to the last fully connected layer",
		Destination: &headLayer,
	},
	&cli.StringFlag{
		Name:        "embedding-output",
		Usage:       "ONNX tensor to use as the embedding instead of the input of the final Gemm/MatMul",
		Destination: &embeddingOutput,
	},
	&cli.StringFlag{
		Name:        "log-level",
		Usage:       "debug, info, warn or error",
		Destination: &logLevel,
	},
}

var visualizeCommand = &cli.Command{
	Name:  "visualize",
	Usage: "Plot the penultimate-layer embeddings of a classifier on its test set",
	Description: `Visualize loads the checkpoint, replaces its final layer with identity, embeds
				data/processed/test_images.npy in batches, reduces the embeddings with PCA (when wider
				than 500) and t-SNE, and saves a scatter plot coloured by the labels in
				data/processed/test_target.npy to reports/figures/<figure-name>.
				`,
	Flags: append([]cli.Flag{
		configFlag,
		&cli.StringFlag{
			Name:        "figure-name",
			Usage:       "File name of the figure, its extension selects the image format",
			Aliases:     []string{"f"},
			Destination: &figureName,
		},
		&cli.StringFlag{
			Name:        "figures-dir",
			Usage:       "Directory the figure is written to, it must exist",
			Destination: &figuresDir,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Directory holding test_images.npy and test_target.npy",
			Destination: &dataDir,
		},
		&cli.StringFlag{
			Name:        "points-output",
			Usage:       "Optional JSON Lines file receiving the reduced points",
			Destination: &pointsOutput,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Number of samples per forward pass",
			Aliases:     []string{"b"},
			Destination: &batchSize,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "t-SNE seed, 0 draws one from the clock",
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "perplexity",
			Usage:       "t-SNE perplexity, must be smaller than the number of samples",
			Destination: &perplexity,
		},
		&cli.IntFlag{
			Name:        "iterations",
			Usage:       "t-SNE optimisation steps",
			Destination: &iterations,
		},
		&cli.IntFlag{
			Name:        "num-classes",
			Usage:       "Number of classes, one legend entry each",
			Destination: &numClasses,
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) (err error) {
		cfg, err := resolveConfig(ctx)
		if err != nil {
			return err
		}
		if err = cfg.Validate(); err != nil {
			return err
		}
		logger := logutil.New(cfg.LogLevel, ctx.App.ErrWriter)

		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		result, err := embedviz.Visualize(ctx.Context, session, embedviz.NewVisualizeConfig(cfg, logger))
		if err != nil {
			return err
		}
		for _, line := range result.Stats {
			logger.Debug(line, "run_id", result.RunID)
		}
		_, err = fmt.Fprintln(ctx.App.Writer, result.Figure.Path)
		return err
	},
}

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "Print the inputs, outputs and embedding width of a checkpoint",
	Flags: append([]cli.Flag{configFlag}, modelFlags...),
	Action: func(ctx *cli.Context) (err error) {
		cfg, err := resolveConfig(ctx)
		if err != nil {
			return err
		}
		if cfg.ModelCheckpoint == "" {
			return errors.New("a model checkpoint is required")
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		info, err := embedviz.Inspect(ctx.Context, session, cfg.ModelCheckpoint, backends.LoadOptions{
			HeadLayer:       cfg.HeadLayer,
			EmbeddingOutput: cfg.EmbeddingOutput,
		})
		if err != nil {
			return err
		}
		return writeJSON(ctx.App.Writer, info)
	},
}

// resolveConfig layers the flags that were set explicitly over the file and environment.
func resolveConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.Context, configPath, nil)
	if err != nil {
		return nil, err
	}
	overrides := config.Overrides{
		ModelCheckpoint: modelCheckpoint,
		FigureName:      figureName,
		FiguresDir:      figuresDir,
		DataDir:         dataDir,
		PointsOutput:    pointsOutput,
		Backend:         backend,
		Device:          device,
		OnnxLibraryDir:  sharedLibraryDir,
		HeadLayer:       headLayer,
		EmbeddingOutput: embeddingOutput,
		LogLevel:        logLevel,
	}
	if ctx.IsSet("batch-size") {
		overrides.BatchSize = batchSize
	}
	if ctx.IsSet("num-classes") {
		overrides.NumClasses = numClasses
	}
	if ctx.IsSet("perplexity") {
		overrides.Perplexity = perplexity
	}
	if ctx.IsSet("iterations") {
		overrides.Iterations = iterations
	}
	if ctx.IsSet("seed") {
		overrides.Seed = seed
	}
	cfg.ApplyOverrides(overrides)
	return cfg, nil
}

func newSession(cfg *config.Config) (*embedviz.Session, error) {
	opts := []options.WithOption{options.WithDevice(cfg.Device)}
	switch cfg.Backend {
	case "ORT":
		if cfg.OnnxLibraryDir != "" {
			opts = append(opts, options.WithOnnxLibraryPath(cfg.OnnxLibraryDir))
		}
		return embedviz.NewORTSession(opts...)
	default:
		return embedviz.NewGoSession(opts...)
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := jsoniter.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "embedviz",
		Usage:    "Visualise the feature embeddings of a trained classifier",
		Commands: []*cli.Command{visualizeCommand, inspectCommand},
	}
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		logutil.New("error", os.Stderr).Error("embedviz failed", "error", err)
		os.Exit(1)
	}
}
