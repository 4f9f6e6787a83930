package vectorutil

import (
	"fmt"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

type Number interface {
	constraints.Float | constraints.Integer
}

// ToFloat32 converts any numeric slice to float32.
func ToFloat32[T Number](vector []T) []float32 {
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(v)
	}
	return out
}

// ToFloat64 converts any numeric slice to float64.
func ToFloat64[T Number](vector []T) []float64 {
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = float64(v)
	}
	return out
}

// ToDense stacks equally sized rows into an N×D matrix.
func ToDense[T constraints.Float](rows [][]T) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("attempted to build a matrix from zero rows")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("attempted to build a matrix from zero-width rows")
	}
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has width %d, expected %d", i, len(row), width)
		}
		data = append(data, ToFloat64(row)...)
	}
	return mat.NewDense(len(rows), width, data), nil
}

// Product multiplies the dimensions of a shape.
func Product[T constraints.Integer](shape []T) int {
	if len(shape) == 0 {
		return 0
	}
	size := 1
	for _, d := range shape {
		size *= int(d)
	}
	return size
}
