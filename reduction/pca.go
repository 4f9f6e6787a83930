package reduction

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCA projects the rows of x onto its first components principal directions. The
// projection is fitted and applied on the same data.
func PCA(x mat.Matrix, components int) (*mat.Dense, error) {
	n, d := x.Dims()
	if components <= 0 {
		return nil, fmt.Errorf("pca needs a positive number of components, got %d", components)
	}
	if components > min(n, d) {
		return nil, fmt.Errorf("pca to %d components needs at least %d samples and features, got %d×%d", components, components, n, d)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.New("pca decomposition failed")
	}
	var vectors mat.Dense
	pc.VectorsTo(&vectors)

	centred := mat.DenseCopyOf(x)
	for j := range d {
		column := mat.Col(nil, j, centred)
		mean := stat.Mean(column, nil)
		for i := range n {
			centred.Set(i, j, column[i]-mean)
		}
	}

	projected := mat.NewDense(n, components, nil)
	projected.Mul(centred, vectors.Slice(0, d, 0, components))
	return projected, nil
}
