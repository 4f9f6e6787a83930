//go:build !cgo || (!ORT && !ALL)

package embedviz

import (
	"errors"

	"github.com/knights-analytics/embedviz/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL` with cgo enabled")
}
