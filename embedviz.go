package embedviz

import (
	"context"
	"errors"
	"fmt"

	"github.com/knights-analytics/embedviz/backends"
	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipelines already created.
type Session struct {
	embeddingPipelines pipelineMap[*pipelines.EmbeddingPipeline]
	models             map[string]*backends.Model
	options            *options.Options
	environmentDestroy func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	// Collect options into a struct, so they can be applied in the correct order later
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}
	if backend != "ORT" && parsedOptions.Device == options.DeviceAuto {
		parsedOptions.Device = options.DeviceCPU
	}

	session := &Session{
		embeddingPipelines: map[string]*pipelines.EmbeddingPipeline{},
		models:             map[string]*backends.Model{},
		options:            parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}

	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// EmbeddingConfig is the configuration for an embedding pipeline.
type EmbeddingConfig = backends.PipelineConfig[*pipelines.EmbeddingPipeline]

// EmbeddingOption is an option for an embedding pipeline.
type EmbeddingOption = backends.PipelineOption[*pipelines.EmbeddingPipeline]

// Backend is the inference backend the session was created for.
func (s *Session) Backend() string {
	return s.options.Backend
}

// Device is the compute device selected when the session was created.
func (s *Session) Device() options.Device {
	return s.options.Device
}

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	return NewPipelineContext(context.Background(), s, pipelineConfig)
}

// NewPipelineContext is NewPipeline with a context for reading the checkpoint.
func NewPipelineContext[T backends.Pipeline](ctx context.Context, s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	loadOptions := pipelineConfig.LoadOptions()
	modelID := backends.ModelID(pipelineConfig.ModelPath, loadOptions)
	model, ok := s.models[modelID]

	var err error
	if !ok {
		model, err = backends.LoadModel(ctx, pipelineConfig.ModelPath, loadOptions, s.options)
		if err != nil {
			return pipeline, err
		}
		s.models[modelID] = model
	}

	pipeline, err = InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		if len(model.Pipelines) == 0 {
			delete(s.models, modelID)
			err = errors.Join(err, model.Destroy())
		}
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.EmbeddingPipeline:
		s.embeddingPipelines[pipelineConfig.Name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, error) {
	var pipeline T

	switch any(p).(type) {
	case *pipelines.EmbeddingPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.EmbeddingPipeline])
		pipelineInitialised, err := pipelines.NewEmbeddingPipeline(config, options, model)
		if err != nil {
			return pipeline, err
		}
		pipeline = any(pipelineInitialised).(T)
	default:
		return pipeline, fmt.Errorf("not implemented")
	}

	model.Pipelines[pipelineConfig.Name] = pipeline
	return pipeline, nil
}

// NewEmbeddingPipeline creates an embedding pipeline in the session.
func NewEmbeddingPipeline(ctx context.Context, s *Session, config EmbeddingConfig) (*pipelines.EmbeddingPipeline, error) {
	return NewPipelineContext(ctx, s, config)
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.EmbeddingPipeline:
		p, ok := s.embeddingPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the named pipeline and destroys its model once no other pipeline uses it.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.EmbeddingPipeline:
		p, ok := s.embeddingPipelines[name]
		if ok {
			model := p.Model
			delete(s.embeddingPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.ID)
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// IsPipelineNotFound reports whether err comes from looking up a pipeline that does not exist.
func IsPipelineNotFound(err error) bool {
	var notFoundError *pipelineNotFoundError
	return errors.As(err, &notFoundError)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each pipeline:
// the total runtime of the forward passes
// the number of batches run through the model
// the average time per batch
// the number of samples embedded.
func (s *Session) GetStats() []string {
	return s.embeddingPipelines.GetStats()
}

// Destroy deletes the session, the onnxruntime environment if any and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.embeddingPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
