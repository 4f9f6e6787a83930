package reduction

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func clustered(n, width, clusters int, seed uint64) ([][]float32, []int) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	centres := make([][]float64, clusters)
	for c := range centres {
		centres[c] = make([]float64, width)
		for k := range centres[c] {
			centres[c][k] = rng.NormFloat64() * 10
		}
	}
	vectors := make([][]float32, n)
	labels := make([]int, n)
	for i := range vectors {
		labels[i] = i % clusters
		vectors[i] = make([]float32, width)
		for k := range vectors[i] {
			vectors[i][k] = float32(centres[labels[i]][k] + rng.NormFloat64())
		}
	}
	return vectors, labels
}

func testOptions(method Method) Options {
	o := DefaultOptions()
	o.TSNE.Method = method
	o.TSNE.Perplexity = 10
	o.TSNE.Iterations = 300
	o.TSNE.ExaggerationIterations = 100
	o.TSNE.Seed = 42
	return o
}

func assertFinite(t *testing.T, m *mat.Dense) {
	t.Helper()
	r, c := m.Dims()
	for i := range r {
		for j := range c {
			v := m.At(i, j)
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "non finite value at %d,%d", i, j)
		}
	}
}

func TestPCA(t *testing.T) {
	vectors, _ := clustered(50, 5, 3, 1)
	x := mat.NewDense(50, 5, nil)
	for i, v := range vectors {
		for j := range v {
			x.Set(i, j, float64(v[j]))
		}
	}
	projected, err := PCA(x, 2)
	require.NoError(t, err)
	r, c := projected.Dims()
	assert.Equal(t, 50, r)
	assert.Equal(t, 2, c)

	first := mat.Col(nil, 0, projected)
	second := mat.Col(nil, 1, projected)
	assert.InDelta(t, 0, stat.Mean(first, nil), 1e-9)
	assert.GreaterOrEqual(t, stat.Variance(first, nil), stat.Variance(second, nil))

	_, err = PCA(x, 6)
	assert.Error(t, err)
	_, err = PCA(x, 0)
	assert.Error(t, err)
}

func TestReduceWithoutPCA(t *testing.T) {
	vectors, _ := clustered(60, 20, 3, 2)
	result, err := Reduce(context.Background(), vectors, testOptions(MethodExact))
	require.NoError(t, err)
	assert.False(t, result.PCAApplied)
	assert.Equal(t, 20, result.TSNEInputWidth)
	r, c := result.Embedding.Dims()
	assert.Equal(t, 60, r)
	assert.Equal(t, 2, c)
	assertFinite(t, result.Embedding)
	assert.Len(t, result.Points(), 60)
	assert.Equal(t, uint64(42), result.Seed)
	assert.Equal(t, 300, result.Iterations)
	assert.Greater(t, result.KLDivergence, 0.0)
}

func TestReduceWithPCA(t *testing.T) {
	vectors, _ := clustered(120, 600, 4, 3)
	result, err := Reduce(context.Background(), vectors, testOptions(MethodBarnesHut))
	require.NoError(t, err)
	assert.True(t, result.PCAApplied)
	assert.Equal(t, 600, result.InputWidth)
	assert.Equal(t, 100, result.TSNEInputWidth)
	r, c := result.Embedding.Dims()
	assert.Equal(t, 120, r)
	assert.Equal(t, 2, c)
	assertFinite(t, result.Embedding)

	// PCA to 100 components needs at least 100 samples
	_, err = Reduce(context.Background(), vectors[:60], testOptions(MethodBarnesHut))
	assert.Error(t, err)
}

func TestReduceSeparatesClusters(t *testing.T) {
	for _, method := range []Method{MethodExact, MethodBarnesHut} {
		t.Run(string(method), func(t *testing.T) {
			vectors, labels := clustered(90, 30, 3, 4)
			result, err := Reduce(context.Background(), vectors, testOptions(method))
			require.NoError(t, err)

			points := result.Points()
			agree := 0
			for i, p := range points {
				nearest, best := -1, math.Inf(1)
				for j, q := range points {
					if i == j {
						continue
					}
					d := math.Hypot(p[0]-q[0], p[1]-q[1])
					if d < best {
						nearest, best = j, d
					}
				}
				if labels[nearest] == labels[i] {
					agree++
				}
			}
			assert.GreaterOrEqual(t, agree, 85)
		})
	}
}

func TestReduceDeterministicSeed(t *testing.T) {
	vectors, _ := clustered(50, 10, 2, 5)
	o := testOptions(MethodBarnesHut)
	o.TSNE.Init = InitRandom
	first, err := Reduce(context.Background(), vectors, o)
	require.NoError(t, err)
	second, err := Reduce(context.Background(), vectors, o)
	require.NoError(t, err)
	assert.True(t, mat.Equal(first.Embedding, second.Embedding))

	o.TSNE.Seed = 0
	unpinned, err := Reduce(context.Background(), vectors, o)
	require.NoError(t, err)
	assert.NotZero(t, unpinned.Seed)
}

func TestReduceErrors(t *testing.T) {
	vectors, _ := clustered(20, 4, 2, 6)
	o := testOptions(MethodExact)
	o.TSNE.Perplexity = 20
	_, err := Reduce(context.Background(), vectors, o)
	assert.ErrorContains(t, err, "perplexity")

	_, err = Reduce(context.Background(), nil, testOptions(MethodExact))
	assert.Error(t, err)

	_, err = Reduce(context.Background(), [][]float32{{1, 2}, {3}}, testOptions(MethodExact))
	assert.Error(t, err)

	bad := testOptions("umap")
	bad.PCAComponents = 0
	err = bad.Validate()
	assert.ErrorContains(t, err, "umap")
	assert.ErrorContains(t, err, "pca components")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Reduce(ctx, vectors, testOptions(MethodBarnesHut))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConditionalProbabilitiesPerplexity(t *testing.T) {
	distances := make([]float64, 40)
	for i := range distances {
		distances[i] = float64(i + 1)
	}
	p := make([]float64, len(distances))
	conditionalProbabilities(distances, 5, p)

	var sum, entropy float64
	for _, v := range p {
		sum += v
		if v > 0 {
			entropy -= v * math.Log(v)
		}
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.InDelta(t, 5, math.Exp(entropy), 1e-3)
}

func TestNearestNeighbours(t *testing.T) {
	data := []float64{0, 5, 1, 3, 2}
	idx, distances := nearestNeighbours(data, 5, 1, 0, 2)
	assert.Equal(t, []int{2, 4}, idx)
	assert.Equal(t, []float64{1, 4}, distances)
}

func TestQuadTreeMatchesExactRepulsion(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	n := 30
	y := make([]float64, 2*n)
	for i := range y {
		y[i] = rng.NormFloat64()
	}
	// a duplicate point exercises coincident leaves
	y[2], y[3] = y[0], y[1]

	tree := newQuadTree(y, n)
	for i := range n {
		var force [2]float64
		sumQ := tree.repulsion(y, i, 0, &force)

		var wantQ, wantX, wantY float64
		for j := range n {
			if j == i {
				continue
			}
			dx, dy := y[2*i]-y[2*j], y[2*i+1]-y[2*j+1]
			q := 1 / (1 + dx*dx + dy*dy)
			wantQ += q
			wantX += q * q * dx
			wantY += q * q * dy
		}
		assert.InDelta(t, wantQ, sumQ, 1e-9)
		assert.InDelta(t, wantX, force[0], 1e-9)
		assert.InDelta(t, wantY, force[1], 1e-9)
	}
}
