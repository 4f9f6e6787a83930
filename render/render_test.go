package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePoints(n, classes int) ([][2]float64, []int) {
	points := make([][2]float64, n)
	labels := make([]int, n)
	for i := range points {
		labels[i] = i % classes
		points[i] = [2]float64{float64(labels[i]) + float64(i)/float64(n), float64(i % 7)}
	}
	return points, labels
}

func TestRenderLegendPerClass(t *testing.T) {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	points, labels := samplePoints(100, 10)

	figure, err := Render(points, labels, o)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(o.Dir, DefaultName), figure.Path)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, figure.LegendEntries)
	assert.Equal(t, 100, figure.Points)
	assert.Zero(t, figure.Dropped)

	info, err := os.Stat(figure.Path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRenderEmptyClassesAndDroppedLabels(t *testing.T) {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	o.Name = "partial.svg"
	o.ClassNames = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
	points, labels := samplePoints(30, 3)
	labels[0] = -1
	labels[1] = 12

	figure, err := Render(points, labels, o)
	require.NoError(t, err)
	assert.Len(t, figure.LegendEntries, 10)
	assert.Equal(t, "nine", figure.LegendEntries[9])
	assert.Equal(t, 2, figure.Dropped)
	assert.Equal(t, 28, figure.Points)
	assert.Zero(t, figure.Counts[5])
	assert.FileExists(t, figure.Path)
}

func TestRenderOverwrites(t *testing.T) {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	require.NoError(t, os.WriteFile(o.Path(), []byte("stale"), 0o600))

	points, labels := samplePoints(20, 10)
	_, err := Render(points, labels, o)
	require.NoError(t, err)
	data, err := os.ReadFile(o.Path())
	require.NoError(t, err)
	assert.NotEqual(t, []byte("stale"), data)
}

func TestRenderErrors(t *testing.T) {
	points, labels := samplePoints(20, 10)

	missing := DefaultOptions()
	missing.Dir = filepath.Join(t.TempDir(), "reports", "figures")
	_, err := Render(points, labels, missing)
	assert.Error(t, err)
	assert.NoFileExists(t, missing.Path())

	o := DefaultOptions()
	o.Dir = t.TempDir()
	_, err = Render(points, labels[:10], o)
	assert.Error(t, err)

	o.Name = "figure.bmp"
	_, err = Render(points, labels, o)
	assert.ErrorContains(t, err, "unsupported figure format")

	o.Name = "nested/figure.png"
	assert.Error(t, o.Validate())

	o = DefaultOptions()
	o.ClassNames = []string{"a"}
	o.NumClasses = 0
	err = o.Validate()
	assert.ErrorContains(t, err, "number of classes")
	assert.ErrorContains(t, err, "class names")
}

func TestPointsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.jsonl")
	points, labels := samplePoints(12, 10)
	header := PointsHeader{
		RunID:          "run",
		Checkpoint:     "model.json",
		EmbeddingWidth: 784,
		TSNEInputWidth: 100,
		PCAApplied:     true,
		Seed:           7,
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, WritePoints(path, header, points, labels))

	readHeader, records, err := ReadPoints(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 12, readHeader.Count)
	assert.Equal(t, uint64(7), readHeader.Seed)
	assert.True(t, readHeader.CreatedAt.Equal(header.CreatedAt))
	require.Len(t, records, 12)
	for i, record := range records {
		assert.Equal(t, labels[i], record.Label)
		assert.InDelta(t, points[i][0], record.X, 1e-12)
		assert.InDelta(t, points[i][1], record.Y, 1e-12)
	}

	assert.Error(t, WritePoints(path, header, points, labels[:3]))
}
