package reduction

import (
	"context"
	"math"
	"runtime"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"
)

const (
	perplexityTolerance = 1e-5
	perplexitySteps     = 100
	minProbability      = 1e-12
)

// sparseRow holds the non-zero joint probabilities of one sample, sorted by column.
type sparseRow struct {
	cols []int
	vals []float64
}

func squaredDistance(data []float64, width, i, j int) float64 {
	a := data[i*width : (i+1)*width]
	b := data[j*width : (j+1)*width]
	var s float64
	for k := range a {
		diff := a[k] - b[k]
		s += diff * diff
	}
	return s
}

// conditionalProbabilities fills p with the Gaussian neighbour distribution over the
// given squared distances whose entropy matches log(perplexity). The precision is
// found by bisection.
func conditionalProbabilities(distances []float64, perplexity float64, p []float64) {
	target := math.Log(perplexity)
	beta := 1.0
	betaMin, betaMax := math.Inf(-1), math.Inf(1)

	for range perplexitySteps {
		var sumP float64
		for j, d := range distances {
			p[j] = math.Exp(-d * beta)
			sumP += p[j]
		}
		if sumP == 0 {
			sumP = 1e-8
		}
		var sumDistP float64
		for j := range distances {
			p[j] /= sumP
			sumDistP += distances[j] * p[j]
		}

		diff := math.Log(sumP) + beta*sumDistP - target
		if math.Abs(diff) <= perplexityTolerance {
			return
		}
		if diff > 0 {
			betaMin = beta
			if math.IsInf(betaMax, 1) {
				beta *= 2
			} else {
				beta = (beta + betaMax) / 2
			}
		} else {
			betaMax = beta
			if math.IsInf(betaMin, -1) {
				beta /= 2
			} else {
				beta = (beta + betaMin) / 2
			}
		}
	}
}

// jointProbabilities returns the dense symmetric affinity matrix used by the exact method.
func jointProbabilities(ctx context.Context, data []float64, n, width int, perplexity float64) ([]float64, error) {
	conditional := make([]float64, n*n)
	err := parallelRows(ctx, n, func(i int) {
		distances := make([]float64, 0, n-1)
		for j := range n {
			if j != i {
				distances = append(distances, squaredDistance(data, width, i, j))
			}
		}
		p := make([]float64, n-1)
		conditionalProbabilities(distances, perplexity, p)
		for j, k := 0, 0; j < n; j++ {
			if j == i {
				continue
			}
			conditional[i*n+j] = p[k]
			k++
		}
	})
	if err != nil {
		return nil, err
	}

	joint := make([]float64, n*n)
	var sum float64
	for i := range n {
		for j := range n {
			if i != j {
				joint[i*n+j] = conditional[i*n+j] + conditional[j*n+i]
				sum += joint[i*n+j]
			}
		}
	}
	sum = math.Max(sum, minProbability)
	for i := range n {
		for j := range n {
			if i != j {
				joint[i*n+j] = math.Max(joint[i*n+j]/sum, minProbability)
			}
		}
	}
	return joint, nil
}

// sparseJointProbabilities restricts the affinities of each sample to its nearest
// 3·perplexity neighbours, as the Barnes-Hut method does.
func sparseJointProbabilities(ctx context.Context, data []float64, n, width int, perplexity float64) ([]sparseRow, error) {
	k := min(n-1, int(3*perplexity+1))
	neighbours := make([][]int, n)
	conditional := make([][]float64, n)
	err := parallelRows(ctx, n, func(i int) {
		idx, distances := nearestNeighbours(data, n, width, i, k)
		p := make([]float64, len(idx))
		conditionalProbabilities(distances, perplexity, p)
		neighbours[i] = idx
		conditional[i] = p
	})
	if err != nil {
		return nil, err
	}

	symmetric := make([]map[int]float64, n)
	for i := range symmetric {
		symmetric[i] = make(map[int]float64, k)
	}
	var sum float64
	for i := range n {
		for m, j := range neighbours[i] {
			v := conditional[i][m]
			symmetric[i][j] += v
			symmetric[j][i] += v
			sum += 2 * v
		}
	}
	sum = math.Max(sum, minProbability)

	rows := make([]sparseRow, n)
	for i, entries := range symmetric {
		cols := make([]int, 0, len(entries))
		for j := range entries {
			cols = append(cols, j)
		}
		slices.Sort(cols)
		vals := make([]float64, len(cols))
		for m, j := range cols {
			vals[m] = math.Max(entries[j]/sum, minProbability)
		}
		rows[i] = sparseRow{cols: cols, vals: vals}
	}
	return rows, nil
}

// nearestNeighbours returns the k closest samples to i by squared distance, nearest first.
func nearestNeighbours(data []float64, n, width, i, k int) ([]int, []float64) {
	idx := make([]int, 0, k)
	distances := make([]float64, 0, k)
	for j := range n {
		if j == i {
			continue
		}
		d := squaredDistance(data, width, i, j)
		if len(idx) == k && d >= distances[k-1] {
			continue
		}
		pos := sort.Search(len(distances), func(m int) bool { return distances[m] > d })
		if len(idx) < k {
			idx = append(idx, 0)
			distances = append(distances, 0)
		}
		copy(idx[pos+1:], idx[pos:len(idx)-1])
		copy(distances[pos+1:], distances[pos:len(distances)-1])
		idx[pos] = j
		distances[pos] = d
	}
	return idx, distances
}

// parallelRows calls fn for every row index, spreading contiguous chunks over the
// available processors.
func parallelRows(ctx context.Context, n int, fn func(i int)) error {
	if n == 0 {
		return nil
	}
	workers := min(runtime.GOMAXPROCS(0), n)
	chunk := (n + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if (i-start)%256 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
