// Package config resolves the settings of a visualisation run from defaults, an
// optional YAML file, EMBEDVIZ_* environment variables and command line overrides,
// in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/embedviz/datasets"
	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/reduction"
	"github.com/knights-analytics/embedviz/render"
	"github.com/knights-analytics/embedviz/util/fileutil"
)

const EnvPrefix = "EMBEDVIZ_"

type Config struct {
	ModelCheckpoint string `yaml:"model_checkpoint" env:"MODEL_CHECKPOINT" validate:"required"`
	FigureName      string `yaml:"figure_name" env:"FIGURE_NAME" validate:"required"`
	FiguresDir      string `yaml:"figures_dir" env:"FIGURES_DIR" validate:"required"`
	DataDir         string `yaml:"data_dir" env:"DATA_DIR"`
	// ImagesFile and TargetsFile default to the conventional names under DataDir.
	ImagesFile   string `yaml:"images_file" env:"IMAGES_FILE"`
	TargetsFile  string `yaml:"targets_file" env:"TARGETS_FILE"`
	PointsOutput string `yaml:"points_output" env:"POINTS_OUTPUT"`

	BatchSize       int    `yaml:"batch_size" env:"BATCH_SIZE" validate:"gt=0"`
	Backend         string `yaml:"backend" env:"BACKEND" validate:"oneof=GO ORT"`
	Device          string `yaml:"device" env:"DEVICE" validate:"omitempty,oneof=auto cpu cuda gpu coreml mps directml dml"`
	OnnxLibraryDir  string `yaml:"onnx_library_dir" env:"ONNX_LIBRARY_DIR"`
	HeadLayer       string `yaml:"head_layer" env:"HEAD_LAYER"`
	EmbeddingOutput string `yaml:"embedding_output" env:"EMBEDDING_OUTPUT"`

	NumClasses int      `yaml:"num_classes" env:"NUM_CLASSES" validate:"gt=0"`
	ClassNames []string `yaml:"class_names" env:"CLASS_NAMES" envSeparator:","`
	Title      string   `yaml:"title" env:"TITLE"`
	LogLevel   string   `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	Reduction Reduction `yaml:"reduction" envPrefix:"REDUCTION_"`
}

type Reduction struct {
	PCAThreshold  int     `yaml:"pca_threshold" env:"PCA_THRESHOLD" validate:"gt=0"`
	PCAComponents int     `yaml:"pca_components" env:"PCA_COMPONENTS" validate:"gt=0"`
	Method        string  `yaml:"method" env:"METHOD" validate:"oneof=barnes_hut exact"`
	Perplexity    float64 `yaml:"perplexity" env:"PERPLEXITY" validate:"gt=0"`
	Iterations    int     `yaml:"iterations" env:"ITERATIONS" validate:"gt=0"`
	LearningRate  float64 `yaml:"learning_rate" env:"LEARNING_RATE" validate:"gte=0"`
	Theta         float64 `yaml:"theta" env:"THETA" validate:"gt=0,lte=1"`
	Seed          uint64  `yaml:"seed" env:"SEED"`
}

// Overrides carries values given on the command line. Zero values leave the
// resolved configuration untouched.
type Overrides struct {
	ModelCheckpoint string
	FigureName      string
	FiguresDir      string
	DataDir         string
	PointsOutput    string
	BatchSize       int
	Backend         string
	Device          string
	OnnxLibraryDir  string
	HeadLayer       string
	EmbeddingOutput string
	NumClasses      int
	LogLevel        string
	Perplexity      float64
	Iterations      int
	Seed            uint64
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Default() *Config {
	tsne := reduction.DefaultTSNEOptions()
	return &Config{
		FigureName: render.DefaultName,
		FiguresDir: render.DefaultDir,
		DataDir:    datasets.DefaultDataDir,
		BatchSize:  32,
		Backend:    "GO",
		Device:     string(options.DeviceAuto),
		NumClasses: render.DefaultNumClasses,
		LogLevel:   "info",
		Reduction: Reduction{
			PCAThreshold:  500,
			PCAComponents: 100,
			Method:        string(tsne.Method),
			Perplexity:    tsne.Perplexity,
			Iterations:    tsne.Iterations,
			Theta:         tsne.Theta,
		},
	}
}

// Load resolves the configuration without validating it, so that command line
// overrides can still supply required values. A nil environment reads the process
// environment.
func Load(ctx context.Context, path string, environment map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := fileutil.ReadFileBytesContext(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environment}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg with every non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.ModelCheckpoint, o.ModelCheckpoint)
	setString(&c.FigureName, o.FigureName)
	setString(&c.FiguresDir, o.FiguresDir)
	setString(&c.DataDir, o.DataDir)
	setString(&c.PointsOutput, o.PointsOutput)
	setString(&c.Backend, o.Backend)
	setString(&c.Device, o.Device)
	setString(&c.OnnxLibraryDir, o.OnnxLibraryDir)
	setString(&c.HeadLayer, o.HeadLayer)
	setString(&c.EmbeddingOutput, o.EmbeddingOutput)
	setString(&c.LogLevel, o.LogLevel)
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumClasses > 0 {
		c.NumClasses = o.NumClasses
	}
	if o.Perplexity > 0 {
		c.Reduction.Perplexity = o.Perplexity
	}
	if o.Iterations > 0 {
		c.Reduction.Iterations = o.Iterations
	}
	if o.Seed != 0 {
		c.Reduction.Seed = o.Seed
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldErr := range validationErrors {
				errs = append(errs, fmt.Errorf("%s: failed %q constraint (value %v)", fieldErr.Namespace(), fieldErr.Tag(), fieldErr.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if c.Reduction.PCAComponents > c.Reduction.PCAThreshold {
		errs = append(errs, fmt.Errorf("pca components (%d) must not exceed the pca threshold (%d)", c.Reduction.PCAComponents, c.Reduction.PCAThreshold))
	}
	if c.DataDir == "" && (c.ImagesFile == "" || c.TargetsFile == "") {
		errs = append(errs, errors.New("either a data directory or both dataset files must be set"))
	}
	if len(c.ClassNames) > 0 && len(c.ClassNames) != c.NumClasses {
		errs = append(errs, fmt.Errorf("%d class names given for %d classes", len(c.ClassNames), c.NumClasses))
	}
	if _, err := options.ParseDevice(c.Device); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.RenderOptions().Validate())
	return errors.Join(errs...)
}

// DatasetPaths returns the images and targets files, defaulting to the conventional
// names under DataDir.
func (c *Config) DatasetPaths() (string, string) {
	images, targets := datasets.DefaultPaths(c.DataDir)
	if c.ImagesFile != "" {
		images = c.ImagesFile
	}
	if c.TargetsFile != "" {
		targets = c.TargetsFile
	}
	return images, targets
}

func (c *Config) ReductionOptions() reduction.Options {
	o := reduction.DefaultOptions()
	o.PCAThreshold = c.Reduction.PCAThreshold
	o.PCAComponents = c.Reduction.PCAComponents
	o.TSNE.Method = reduction.Method(c.Reduction.Method)
	o.TSNE.Perplexity = c.Reduction.Perplexity
	o.TSNE.Iterations = c.Reduction.Iterations
	o.TSNE.LearningRate = c.Reduction.LearningRate
	o.TSNE.Theta = c.Reduction.Theta
	o.TSNE.Seed = c.Reduction.Seed
	return o
}

func (c *Config) RenderOptions() render.Options {
	o := render.DefaultOptions()
	o.Dir = c.FiguresDir
	o.Name = c.FigureName
	o.NumClasses = c.NumClasses
	o.ClassNames = c.ClassNames
	o.Title = c.Title
	return o
}

// String renders the resolved configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(data)
}
