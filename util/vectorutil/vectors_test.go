package vectorutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToDense(t *testing.T) {
	m, err := ToDense([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 6.0, m.At(1, 2))

	_, err = ToDense([][]float32{{1, 2}, {3}})
	assert.Error(t, err)

	_, err = ToDense([][]float64{})
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	assert.Equal(t, []float32{1, 2}, ToFloat32([]int64{1, 2}))
	assert.Equal(t, []float64{0.5}, ToFloat64([]float32{0.5}))
	assert.Equal(t, 784, Product([]int{1, 28, 28}))
	assert.Equal(t, 0, Product([]int64{}))
}
