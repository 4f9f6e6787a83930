package render

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/embedviz/util/fileutil"
)

// PointsHeader is the first line of a points export.
type PointsHeader struct {
	RunID          string    `json:"run_id"`
	Checkpoint     string    `json:"checkpoint"`
	EmbeddingWidth int       `json:"embedding_width"`
	TSNEInputWidth int       `json:"tsne_input_width"`
	PCAApplied     bool      `json:"pca_applied"`
	Seed           uint64    `json:"seed"`
	KLDivergence   float64   `json:"kl_divergence"`
	Count          int       `json:"count"`
	CreatedAt      time.Time `json:"created_at"`
}

type PointRecord struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label int     `json:"label"`
}

// WritePoints writes the reduced embedding as JSON Lines: the header followed by one
// record per point in input order. Local paths and s3:// URLs are accepted.
func WritePoints(path string, header PointsHeader, points [][2]float64, labels []int) (err error) {
	if len(points) != len(labels) {
		return fmt.Errorf("got %d points but %d labels", len(points), len(labels))
	}
	header.Count = len(points)

	w, err := fileutil.NewFileWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()

	buffered := bufio.NewWriter(w)
	encoder := jsoniter.NewEncoder(buffered)
	if err = encoder.Encode(header); err != nil {
		return err
	}
	for i, point := range points {
		if err = encoder.Encode(PointRecord{X: point[0], Y: point[1], Label: labels[i]}); err != nil {
			return err
		}
	}
	return buffered.Flush()
}

func ReadPoints(ctx context.Context, path string) (*PointsHeader, []PointRecord, error) {
	data, err := fileutil.ReadFileBytesContext(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("points file %s is empty", path)
	}
	header := &PointsHeader{}
	if err = jsoniter.Unmarshal(scanner.Bytes(), header); err != nil {
		return nil, nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	records := make([]PointRecord, 0, header.Count)
	for line := 2; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var record PointRecord
		if err = jsoniter.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		records = append(records, record)
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(records) != header.Count {
		return nil, nil, fmt.Errorf("%s holds %d points, header says %d", path, len(records), header.Count)
	}
	return header, records, nil
}
