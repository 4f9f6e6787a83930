package datasets

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/embedviz/util/fileutil"
	"github.com/knights-analytics/embedviz/util/safeconv"
	"github.com/knights-analytics/embedviz/util/vectorutil"
)

var (
	npyMagic     = []byte("\x93NUMPY")
	npyDescrRE   = regexp.MustCompile(`'descr':\s*'([<>|=])([a-z][0-9]+)'`)
	npyFortranRE = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShapeRE   = regexp.MustCompile(`'shape':\s*\(([0-9,\s]*)\)`)
	errNotInt64  = errors.New("not a 64-bit integer array")
)

// ReadNpy decodes a NumPy .npy array from a local path or an s3:// URL.
func ReadNpy(ctx context.Context, path string) (*tensor.Dense, error) {
	data, err := fileutil.ReadFileBytesContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	// gorgonia decodes '<i8' into a platform int it cannot binary.Read, so 64-bit
	// integer arrays are decoded here.
	dense, err := readInt64Npy(data)
	if err == nil {
		return dense, nil
	}
	if !errors.Is(err, errNotInt64) {
		return nil, fmt.Errorf("failed to decode %s as npy: %w", path, err)
	}
	dense = new(tensor.Dense)
	if err = dense.ReadNpy(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to decode %s as npy: %w", path, err)
	}
	return dense, nil
}

type npyHeader struct {
	order    binary.ByteOrder
	kind     string
	fortran  bool
	shape    []int
	dataFrom int
}

func parseNpyHeader(data []byte) (*npyHeader, error) {
	if !bytes.HasPrefix(data, npyMagic) || len(data) < len(npyMagic)+4 {
		return nil, errors.New("not a numpy file")
	}
	major := data[len(npyMagic)]
	offset := len(npyMagic) + 2
	var headerLen int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	case 2, 3:
		if len(data) < offset+4 {
			return nil, io.ErrUnexpectedEOF
		}
		headerLen = int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}
	if len(data) < offset+headerLen {
		return nil, io.ErrUnexpectedEOF
	}
	header := data[offset : offset+headerLen]

	h := &npyHeader{order: binary.LittleEndian, dataFrom: offset + headerLen}
	match := npyDescrRE.FindSubmatch(header)
	if match == nil {
		return nil, errors.New("no dtype in npy header")
	}
	if string(match[1]) == ">" {
		h.order = binary.BigEndian
	}
	h.kind = string(match[2])
	if match = npyFortranRE.FindSubmatch(header); match != nil {
		h.fortran = string(match[1]) == "True"
	}
	if match = npyShapeRE.FindSubmatch(header); match == nil {
		return nil, errors.New("no shape in npy header")
	}
	for _, dim := range strings.Split(string(match[1]), ",") {
		dim = strings.TrimSpace(dim)
		if dim == "" {
			continue
		}
		size, err := strconv.Atoi(dim)
		if err != nil {
			return nil, fmt.Errorf("invalid npy shape %q: %w", match[1], err)
		}
		h.shape = append(h.shape, size)
	}
	return h, nil
}

// readInt64Npy decodes an 'i8' array, returning errNotInt64 for every other dtype.
func readInt64Npy(data []byte) (*tensor.Dense, error) {
	h, err := parseNpyHeader(data)
	if err != nil {
		return nil, err
	}
	if h.kind != "i8" {
		return nil, errNotInt64
	}
	if h.fortran {
		return nil, errors.New("fortran ordered arrays are not supported")
	}
	size := 1
	if len(h.shape) > 0 {
		size = vectorutil.Product(h.shape)
	}
	values := make([]int64, size)
	if err = binary.Read(bytes.NewReader(data[h.dataFrom:]), h.order, values); err != nil {
		return nil, fmt.Errorf("reading %d int64 values: %w", len(values), err)
	}
	if len(h.shape) == 0 {
		return tensor.New(tensor.FromScalar(values[0])), nil
	}
	return tensor.New(tensor.WithShape(h.shape...), tensor.WithBacking(values)), nil
}

// WriteNpy encodes t as a NumPy .npy array, replacing any existing file.
func WriteNpy(path string, t *tensor.Dense) (err error) {
	w, err := fileutil.NewFileWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()
	return t.WriteNpy(w)
}

// floatValues converts an image array to float32, keeping the dataset values unscaled.
func floatValues(t *tensor.Dense) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		return vectorutil.ToFloat32(data), nil
	case []uint8:
		return vectorutil.ToFloat32(data), nil
	case []int64:
		return vectorutil.ToFloat32(data), nil
	case []int32:
		return vectorutil.ToFloat32(data), nil
	case float32, float64, uint8, int64, int32:
		return nil, errors.New("images must be an array, got a scalar")
	}
	return nil, fmt.Errorf("unsupported image dtype %s", t.Dtype())
}

// intValues converts a label array to int.
func intValues(t *tensor.Dense) ([]int, error) {
	switch data := t.Data().(type) {
	case []int64:
		return safeconv.Int64SliceToIntSlice(data), nil
	case []int32:
		return safeconv.Int32SliceToIntSlice(data), nil
	case []uint8:
		return safeconv.Uint8SliceToIntSlice(data), nil
	case []int:
		return data, nil
	case int64, int32, uint8, int:
		return nil, errors.New("targets must be an array, got a scalar")
	}
	return nil, fmt.Errorf("unsupported target dtype %s, expected an integer array", t.Dtype())
}
