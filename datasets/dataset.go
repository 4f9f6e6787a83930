package datasets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/embedviz/util/fileutil"
	"github.com/knights-analytics/embedviz/util/vectorutil"
)

// ErrLengthMismatch is returned when the image and target arrays hold a different number of samples.
var ErrLengthMismatch = errors.New("images and targets have different lengths")

const (
	DefaultDataDir = "data/processed"
	ImagesFile     = "test_images.npy"
	TargetsFile    = "test_target.npy"
)

// DefaultPaths returns the test image and target files inside dataDir.
func DefaultPaths(dataDir string) (string, string) {
	return fileutil.PathJoinSafe(dataDir, ImagesFile), fileutil.PathJoinSafe(dataDir, TargetsFile)
}

// TensorDataset holds aligned input samples and integer labels and yields them in order,
// in batches of a fixed size. The last batch may be smaller.
type TensorDataset struct {
	images      []float32
	labels      []int
	sampleShape []int
	batchSize   int
	batchN      int
}

// Batch is a contiguous run of samples. Images holds len(Labels) samples back to back.
type Batch struct {
	Images []float32
	Labels []int
	Start  int
}

// NewTensorDataset creates an in-memory dataset. images holds len(labels) samples of sampleShape.
func NewTensorDataset(images []float32, sampleShape []int, labels []int, batchSize int) (*TensorDataset, error) {
	d := &TensorDataset{
		images:      images,
		labels:      labels,
		sampleShape: slices.Clone(sampleShape),
		batchSize:   batchSize,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadTensorDataset reads the images and targets arrays concurrently and aligns them.
// The leading dimension of the images array is the sample dimension.
func LoadTensorDataset(ctx context.Context, imagesPath string, targetsPath string, batchSize int) (*TensorDataset, error) {
	var images []float32
	var labels []int
	var sampleShape []int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := ReadNpy(gctx, imagesPath)
		if err != nil {
			return err
		}
		shape := t.Shape()
		if len(shape) < 2 {
			return fmt.Errorf("images array %s has shape %v, expected (N, ...)", imagesPath, shape)
		}
		sampleShape = slices.Clone(shape[1:])
		images, err = floatValues(t)
		return err
	})
	g.Go(func() error {
		t, err := ReadNpy(gctx, targetsPath)
		if err != nil {
			return err
		}
		if len(t.Shape()) > 1 {
			return fmt.Errorf("targets array %s has shape %v, expected (N)", targetsPath, t.Shape())
		}
		labels, err = intValues(t)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewTensorDataset(images, sampleShape, labels, batchSize)
}

func (d *TensorDataset) Validate() error {
	var errs []error
	if d.batchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", d.batchSize))
	}
	sampleSize := vectorutil.Product(d.sampleShape)
	if sampleSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid sample shape %v", d.sampleShape))
	} else if len(d.images)%sampleSize != 0 {
		errs = append(errs, fmt.Errorf("%d image values do not divide into samples of shape %v", len(d.images), d.sampleShape))
	} else if n := len(d.images) / sampleSize; n != len(d.labels) {
		errs = append(errs, fmt.Errorf("%w: %d images, %d targets", ErrLengthMismatch, n, len(d.labels)))
	}
	if len(d.labels) == 0 {
		errs = append(errs, errors.New("dataset is empty"))
	}
	return errors.Join(errs...)
}

func (d *TensorDataset) Len() int {
	return len(d.labels)
}

func (d *TensorDataset) SampleShape() []int {
	return slices.Clone(d.sampleShape)
}

func (d *TensorDataset) BatchSize() int {
	return d.batchSize
}

// Images returns the samples back to back. Callers must not modify it.
func (d *TensorDataset) Images() []float32 {
	return d.images
}

// Labels returns a copy of all labels in dataset order.
func (d *TensorDataset) Labels() []int {
	return slices.Clone(d.labels)
}

// NumBatches is the number of batches one pass over the dataset yields.
func (d *TensorDataset) NumBatches() int {
	return (len(d.labels) + d.batchSize - 1) / d.batchSize
}

// Reset rewinds the dataset to the first batch.
func (d *TensorDataset) Reset() {
	d.batchN = 0
}

// Yield returns the next batch, or io.EOF once every sample has been returned.
func (d *TensorDataset) Yield() (*Batch, error) {
	start := d.batchN * d.batchSize
	if start >= len(d.labels) {
		return nil, io.EOF
	}
	end := min(start+d.batchSize, len(d.labels))
	sampleSize := vectorutil.Product(d.sampleShape)
	d.batchN++
	return &Batch{
		Images: d.images[start*sampleSize : end*sampleSize],
		Labels: d.labels[start:end],
		Start:  start,
	}, nil
}
