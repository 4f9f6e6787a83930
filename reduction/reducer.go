// Package reduction projects embedding vectors to two dimensions for plotting.
package reduction

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/embedviz/util/vectorutil"
)

type Options struct {
	// PCAThreshold is the widest input handed to t-SNE directly. Wider inputs are
	// first projected to PCAComponents dimensions.
	PCAThreshold  int         `yaml:"pca_threshold" json:"pca_threshold"`
	PCAComponents int         `yaml:"pca_components" json:"pca_components"`
	TSNE          TSNEOptions `yaml:"tsne" json:"tsne"`
}

func DefaultOptions() Options {
	return Options{
		PCAThreshold:  500,
		PCAComponents: 100,
		TSNE:          DefaultTSNEOptions(),
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.PCAThreshold <= 0 {
		errs = append(errs, fmt.Errorf("pca threshold must be positive, got %d", o.PCAThreshold))
	}
	if o.PCAComponents <= 0 || o.PCAComponents > o.PCAThreshold {
		errs = append(errs, fmt.Errorf("pca components must be in [1, %d], got %d", o.PCAThreshold, o.PCAComponents))
	}
	errs = append(errs, o.TSNE.Validate())
	return errors.Join(errs...)
}

type Result struct {
	Embedding      *mat.Dense
	InputWidth     int
	PCAApplied     bool
	TSNEInputWidth int
	KLDivergence   float64
	Iterations     int
	Seed           uint64
}

// Points returns the embedding as (x, y) pairs in input order.
func (r *Result) Points() [][2]float64 {
	n, _ := r.Embedding.Dims()
	points := make([][2]float64, n)
	for i := range n {
		points[i] = [2]float64{r.Embedding.At(i, 0), r.Embedding.At(i, 1)}
	}
	return points
}

// Reduce maps N equally wide vectors to an N×2 matrix whose rows keep the input
// order. Vectors wider than the PCA threshold are projected first.
func Reduce(ctx context.Context, vectors [][]float32, o Options) (*Result, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	x, err := vectorutil.ToDense(vectors)
	if err != nil {
		return nil, err
	}
	_, width := x.Dims()
	result := &Result{InputWidth: width, TSNEInputWidth: width}

	input := x
	if width > o.PCAThreshold {
		input, err = PCA(x, o.PCAComponents)
		if err != nil {
			return nil, fmt.Errorf("reducing %d wide embeddings: %w", width, err)
		}
		result.PCAApplied = true
		result.TSNEInputWidth = o.PCAComponents
	}

	embedded, err := TSNE(ctx, input, o.TSNE)
	if err != nil {
		return nil, err
	}
	result.Embedding = embedded.Embedding
	result.KLDivergence = embedded.KLDivergence
	result.Iterations = embedded.Iterations
	result.Seed = embedded.Seed
	return result, nil
}
