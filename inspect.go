package embedviz

import (
	"context"
	"errors"

	"github.com/knights-analytics/embedviz/backends"
)

// ModelInfo summarises a checkpoint before and after its head is stripped.
type ModelInfo struct {
	Path          string
	Format        string
	Runtime       string
	Inputs        []backends.InputOutputInfo
	HeadOutputs   []backends.InputOutputInfo
	Outputs       []backends.InputOutputInfo
	StrippedLayer string
	// EmbeddingWidth is -1 when the stripped model does not declare a static width.
	EmbeddingWidth int
	Metadata       backends.CheckpointMetadata
}

// Inspect loads the checkpoint twice, with and without its head, and reports the
// shapes involved. The dataset is not touched.
func Inspect(ctx context.Context, s *Session, path string, loadOptions backends.LoadOptions) (info *ModelInfo, err error) {
	headOptions := loadOptions
	headOptions.KeepHead = true
	head, err := backends.LoadModel(ctx, path, headOptions, s.options)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, head.Destroy())
	}()

	loadOptions.KeepHead = false
	stripped, err := backends.LoadModel(ctx, path, loadOptions, s.options)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, stripped.Destroy())
	}()

	return &ModelInfo{
		Path:           path,
		Format:         stripped.Format,
		Runtime:        stripped.Runtime,
		Inputs:         stripped.InputsMeta,
		HeadOutputs:    head.OutputsMeta,
		Outputs:        stripped.OutputsMeta,
		StrippedLayer:  stripped.StrippedLayer,
		EmbeddingWidth: stripped.EmbeddingWidth(),
		Metadata:       stripped.Metadata,
	}, nil
}
