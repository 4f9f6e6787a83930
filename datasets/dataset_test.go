package datasets

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func writeArrays(t *testing.T, dir string, images *tensor.Dense, targets *tensor.Dense) (string, string) {
	t.Helper()
	imagesPath, targetsPath := DefaultPaths(dir)
	require.NoError(t, WriteNpy(imagesPath, images))
	require.NoError(t, WriteNpy(targetsPath, targets))
	return imagesPath, targetsPath
}

func TestLoadTensorDataset(t *testing.T) {
	n := 70
	images := make([]float32, n*2*3)
	for i := range images {
		images[i] = float32(i)
	}
	labels := make([]int64, n)
	for i := range labels {
		labels[i] = int64(i % 10)
	}
	imagesPath, targetsPath := writeArrays(t, t.TempDir(),
		tensor.New(tensor.WithShape(n, 2, 3), tensor.WithBacking(images)),
		tensor.New(tensor.WithShape(n), tensor.WithBacking(labels)))

	ds, err := LoadTensorDataset(context.Background(), imagesPath, targetsPath, 32)
	require.NoError(t, err)
	assert.Equal(t, n, ds.Len())
	assert.Equal(t, []int{2, 3}, ds.SampleShape())
	assert.Equal(t, 3, ds.NumBatches())

	var sizes []int
	var seen []int
	for {
		batch, yieldErr := ds.Yield()
		if errors.Is(yieldErr, io.EOF) {
			break
		}
		require.NoError(t, yieldErr)
		assert.Len(t, batch.Images, len(batch.Labels)*6)
		assert.Equal(t, float32(batch.Start*6), batch.Images[0])
		sizes = append(sizes, len(batch.Labels))
		seen = append(seen, batch.Labels...)
	}
	assert.Equal(t, []int{32, 32, 6}, sizes)
	assert.Equal(t, ds.Labels(), seen)

	ds.Reset()
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Start)
}

// numpyBytes lays out values the way numpy.save writes a version 1.0 file.
func numpyBytes(t *testing.T, descr string, shape string, order binary.ByteOrder, values any) []byte {
	t.Helper()
	header := "{'descr': '" + descr + "', 'fortran_order': False, 'shape': " + shape + ", }"
	header += strings.Repeat(" ", 63-(10+len(header))%64) + "\n"
	buf := &bytes.Buffer{}
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	require.NoError(t, binary.Write(buf, order, values))
	return buf.Bytes()
}

func TestReadNpyInt64(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, TargetsFile)
	require.NoError(t, os.WriteFile(targetsPath, numpyBytes(t, "<i8", "(4,)", binary.LittleEndian, []int64{7, 0, 3, 9}), 0o600))

	dense, err := ReadNpy(context.Background(), targetsPath)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, []int(dense.Shape()))
	labels, err := intValues(dense)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 0, 3, 9}, labels)

	bigEndian := filepath.Join(dir, "big.npy")
	require.NoError(t, os.WriteFile(bigEndian, numpyBytes(t, ">i8", "(2,)", binary.BigEndian, []int64{1, 256}), 0o600))
	dense, err = ReadNpy(context.Background(), bigEndian)
	require.NoError(t, err)
	labels, err = intValues(dense)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 256}, labels)

	truncated := filepath.Join(dir, "truncated.npy")
	data := numpyBytes(t, "<i8", "(4,)", binary.LittleEndian, []int64{1, 2, 3, 4})
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-8], 0o600))
	_, err = ReadNpy(context.Background(), truncated)
	assert.Error(t, err)
}

func TestLoadTensorDatasetInt64Arrays(t *testing.T) {
	dir := t.TempDir()
	imagesPath, targetsPath := DefaultPaths(dir)
	require.NoError(t, os.WriteFile(imagesPath, numpyBytes(t, "<i8", "(3, 2)", binary.LittleEndian, []int64{0, 1, 2, 3, 4, 5}), 0o600))
	require.NoError(t, os.WriteFile(targetsPath, numpyBytes(t, "<i8", "(3,)", binary.LittleEndian, []int64{2, 1, 0}), 0o600))

	ds, err := LoadTensorDataset(context.Background(), imagesPath, targetsPath, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []int{2}, ds.SampleShape())
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, ds.Images())
	assert.Equal(t, []int{2, 1, 0}, ds.Labels())
}

func TestLoadTensorDatasetUint8Images(t *testing.T) {
	images := []uint8{0, 255, 10, 20}
	imagesPath, targetsPath := writeArrays(t, t.TempDir(),
		tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(images)),
		tensor.New(tensor.WithShape(2), tensor.WithBacking([]int32{3, 7})))

	ds, err := LoadTensorDataset(context.Background(), imagesPath, targetsPath, 32)
	require.NoError(t, err)
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 255, 10, 20}, batch.Images)
	assert.Equal(t, []int{3, 7}, batch.Labels)
}

func TestLoadTensorDatasetLengthMismatch(t *testing.T) {
	imagesPath, targetsPath := writeArrays(t, t.TempDir(),
		tensor.New(tensor.WithShape(3, 4), tensor.WithBacking(make([]float32, 12))),
		tensor.New(tensor.WithShape(2), tensor.WithBacking([]int64{1, 2})))

	_, err := LoadTensorDataset(context.Background(), imagesPath, targetsPath, 32)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestLoadTensorDatasetMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTensorDataset(context.Background(), filepath.Join(dir, ImagesFile), filepath.Join(dir, TargetsFile), 32)
	assert.Error(t, err)
}

func TestNewTensorDatasetValidation(t *testing.T) {
	_, err := NewTensorDataset([]float32{1, 2}, []int{2}, []int{0}, 0)
	assert.Error(t, err)
	_, err = NewTensorDataset([]float32{1, 2, 3}, []int{2}, []int{0}, 4)
	assert.Error(t, err)
	_, err = NewTensorDataset(nil, []int{2}, nil, 4)
	assert.Error(t, err)
}
