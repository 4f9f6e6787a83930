package reduction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type Method string

const (
	MethodBarnesHut Method = "barnes_hut"
	MethodExact     Method = "exact"
)

type Init string

const (
	InitPCA    Init = "pca"
	InitRandom Init = "random"
)

const (
	outputDims      = 2
	initialStd      = 1e-4
	minGain         = 0.01
	minGradNorm     = 1e-7
	initialMomentum = 0.5
	finalMomentum   = 0.8
)

// TSNEOptions configures the t-SNE embedding. A zero LearningRate selects
// max(N/EarlyExaggeration/4, 50). A zero Seed draws one from the clock.
type TSNEOptions struct {
	Method                 Method  `yaml:"method" json:"method"`
	Init                   Init    `yaml:"init" json:"init"`
	Perplexity             float64 `yaml:"perplexity" json:"perplexity"`
	Iterations             int     `yaml:"iterations" json:"iterations"`
	EarlyExaggeration      float64 `yaml:"early_exaggeration" json:"early_exaggeration"`
	ExaggerationIterations int     `yaml:"exaggeration_iterations" json:"exaggeration_iterations"`
	LearningRate           float64 `yaml:"learning_rate" json:"learning_rate"`
	Theta                  float64 `yaml:"theta" json:"theta"`
	Seed                   uint64  `yaml:"seed" json:"seed"`
}

func DefaultTSNEOptions() TSNEOptions {
	return TSNEOptions{
		Method:                 MethodBarnesHut,
		Init:                   InitPCA,
		Perplexity:             30,
		Iterations:             1000,
		EarlyExaggeration:      12,
		ExaggerationIterations: 250,
		Theta:                  0.5,
	}
}

func (o TSNEOptions) Validate() error {
	var errs []error
	if o.Method != MethodBarnesHut && o.Method != MethodExact {
		errs = append(errs, fmt.Errorf("unknown t-SNE method %q", o.Method))
	}
	if o.Init != InitPCA && o.Init != InitRandom {
		errs = append(errs, fmt.Errorf("unknown t-SNE initialisation %q", o.Init))
	}
	if o.Perplexity <= 0 {
		errs = append(errs, fmt.Errorf("perplexity must be positive, got %g", o.Perplexity))
	}
	if o.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be positive, got %d", o.Iterations))
	}
	if o.EarlyExaggeration < 1 {
		errs = append(errs, fmt.Errorf("early exaggeration must be at least 1, got %g", o.EarlyExaggeration))
	}
	if o.ExaggerationIterations < 0 {
		errs = append(errs, fmt.Errorf("exaggeration iterations must not be negative, got %d", o.ExaggerationIterations))
	}
	if o.LearningRate < 0 {
		errs = append(errs, fmt.Errorf("learning rate must not be negative, got %g", o.LearningRate))
	}
	if o.Method == MethodBarnesHut && (o.Theta <= 0 || o.Theta > 1) {
		errs = append(errs, fmt.Errorf("theta must be in (0, 1], got %g", o.Theta))
	}
	return errors.Join(errs...)
}

type TSNEResult struct {
	Embedding    *mat.Dense
	KLDivergence float64
	Iterations   int
	Seed         uint64
}

// gradientFunc writes the KL gradient for the current embedding into grad and
// returns the normalisation term of the low dimensional affinities.
type gradientFunc func(ctx context.Context, y []float64, exaggeration float64, grad []float64) (float64, error)

type tsne struct {
	n       int
	theta2  float64
	joint   []float64
	sparse  []sparseRow
	options TSNEOptions
}

// TSNE embeds the rows of x in two dimensions. The context is checked on every
// optimisation step.
func TSNE(ctx context.Context, x mat.Matrix, o TSNEOptions) (*TSNEResult, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	n, width := x.Dims()
	if float64(n) <= o.Perplexity {
		return nil, fmt.Errorf("perplexity %g must be less than the number of samples %d", o.Perplexity, n)
	}

	seed := o.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	data := mat.DenseCopyOf(x).RawMatrix().Data
	t := &tsne{n: n, theta2: o.Theta * o.Theta, options: o}
	var gradient gradientFunc
	var err error
	switch o.Method {
	case MethodExact:
		t.joint, err = jointProbabilities(ctx, data, n, width, o.Perplexity)
		gradient = t.exactGradient
	default:
		t.sparse, err = sparseJointProbabilities(ctx, data, n, width, o.Perplexity)
		gradient = t.barnesHutGradient
	}
	if err != nil {
		return nil, err
	}

	y, err := initialEmbedding(x, o.Init, rng)
	if err != nil {
		return nil, err
	}

	iterations, err := t.optimise(ctx, y, gradient)
	if err != nil {
		return nil, err
	}
	kl, err := t.klDivergence(ctx, y)
	if err != nil {
		return nil, err
	}
	return &TSNEResult{
		Embedding:    mat.NewDense(n, outputDims, y),
		KLDivergence: kl,
		Iterations:   iterations,
		Seed:         seed,
	}, nil
}

// initialEmbedding starts from the first two principal components scaled to a
// standard deviation of 1e-4, or from Gaussian noise of the same scale.
func initialEmbedding(x mat.Matrix, init Init, rng *rand.Rand) ([]float64, error) {
	n, width := x.Dims()
	if init == InitPCA && n > outputDims && width >= outputDims {
		projected, err := PCA(x, outputDims)
		if err != nil {
			return nil, err
		}
		std := stat.StdDev(mat.Col(nil, 0, projected), nil)
		if std > 0 && !math.IsNaN(std) {
			y := make([]float64, 0, n*outputDims)
			for i := range n {
				y = append(y, projected.RawRowView(i)...)
			}
			floats.Scale(initialStd/std, y)
			return y, nil
		}
	}
	y := make([]float64, n*outputDims)
	for i := range y {
		y[i] = rng.NormFloat64() * initialStd
	}
	return y, nil
}

// optimise runs gradient descent with momentum and per-parameter gains. The first
// ExaggerationIterations steps multiply the affinities by EarlyExaggeration.
func (t *tsne) optimise(ctx context.Context, y []float64, gradient gradientFunc) (int, error) {
	o := t.options
	learningRate := o.LearningRate
	if learningRate == 0 {
		learningRate = math.Max(float64(t.n)/o.EarlyExaggeration/4, 50)
	}

	grad := make([]float64, len(y))
	update := make([]float64, len(y))
	gains := make([]float64, len(y))
	for i := range gains {
		gains[i] = 1
	}

	for it := range o.Iterations {
		if err := ctx.Err(); err != nil {
			return it, err
		}
		exaggeration, momentum := 1.0, finalMomentum
		if it < o.ExaggerationIterations {
			exaggeration, momentum = o.EarlyExaggeration, initialMomentum
		}
		if _, err := gradient(ctx, y, exaggeration, grad); err != nil {
			return it, err
		}
		for k := range y {
			if update[k]*grad[k] < 0 {
				gains[k] += 0.2
			} else {
				gains[k] *= 0.8
			}
			gains[k] = math.Max(gains[k], minGain)
			update[k] = momentum*update[k] - learningRate*gains[k]*grad[k]
			y[k] += update[k]
		}
		if it >= o.ExaggerationIterations && floats.Norm(grad, 2) < minGradNorm {
			return it + 1, nil
		}
	}
	return o.Iterations, nil
}

func (t *tsne) exactGradient(_ context.Context, y []float64, exaggeration float64, grad []float64) (float64, error) {
	n := t.n
	num := make([]float64, n*n)
	var sumQ float64
	for i := range n {
		for j := i + 1; j < n; j++ {
			dx := y[2*i] - y[2*j]
			dy := y[2*i+1] - y[2*j+1]
			q := 1 / (1 + dx*dx + dy*dy)
			num[i*n+j] = q
			num[j*n+i] = q
			sumQ += 2 * q
		}
	}
	sumQ = math.Max(sumQ, minProbability)

	for i := range n {
		var gx, gy float64
		for j := range n {
			if i == j {
				continue
			}
			q := num[i*n+j]
			mult := (exaggeration*t.joint[i*n+j] - q/sumQ) * q
			gx += mult * (y[2*i] - y[2*j])
			gy += mult * (y[2*i+1] - y[2*j+1])
		}
		grad[2*i] = 4 * gx
		grad[2*i+1] = 4 * gy
	}
	return sumQ, nil
}

func (t *tsne) barnesHutGradient(ctx context.Context, y []float64, exaggeration float64, grad []float64) (float64, error) {
	n := t.n
	tree := newQuadTree(y, n)
	repulsive := make([]float64, len(y))
	pointQ := make([]float64, n)
	err := parallelRows(ctx, n, func(i int) {
		var force [2]float64
		pointQ[i] = tree.repulsion(y, i, t.theta2, &force)
		repulsive[2*i] = force[0]
		repulsive[2*i+1] = force[1]
	})
	if err != nil {
		return 0, err
	}
	sumQ := math.Max(floats.Sum(pointQ), minProbability)

	for i, row := range t.sparse {
		var ax, ay float64
		for m, j := range row.cols {
			dx := y[2*i] - y[2*j]
			dy := y[2*i+1] - y[2*j+1]
			q := 1 / (1 + dx*dx + dy*dy)
			mult := exaggeration * row.vals[m] * q
			ax += mult * dx
			ay += mult * dy
		}
		grad[2*i] = 4 * (ax - repulsive[2*i]/sumQ)
		grad[2*i+1] = 4 * (ay - repulsive[2*i+1]/sumQ)
	}
	return sumQ, nil
}

// klDivergence measures KL(P||Q) of the final embedding. The Barnes-Hut variant sums
// over the sparse affinities with the tree estimate of the normalisation term.
func (t *tsne) klDivergence(ctx context.Context, y []float64) (float64, error) {
	n := t.n
	grad := make([]float64, len(y))
	var kl float64
	if t.joint != nil {
		sumQ, err := t.exactGradient(ctx, y, 1, grad)
		if err != nil {
			return 0, err
		}
		for i := range n {
			for j := range n {
				if i == j {
					continue
				}
				kl += klTerm(t.joint[i*n+j], y, i, j, sumQ)
			}
		}
		return kl, nil
	}

	sumQ, err := t.barnesHutGradient(ctx, y, 1, grad)
	if err != nil {
		return 0, err
	}
	for i, row := range t.sparse {
		for m, j := range row.cols {
			kl += klTerm(row.vals[m], y, i, j, sumQ)
		}
	}
	return kl, nil
}

func klTerm(p float64, y []float64, i, j int, sumQ float64) float64 {
	dx := y[2*i] - y[2*j]
	dy := y[2*i+1] - y[2*j+1]
	q := math.Max(1/(1+dx*dx+dy*dy)/sumQ, minProbability)
	return p * math.Log(math.Max(p, minProbability)/q)
}
