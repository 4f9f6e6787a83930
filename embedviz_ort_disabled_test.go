//go:build !cgo || (!ORT && !ALL)

package embedviz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/embedviz"
)

func TestNewORTSessionDisabled(t *testing.T) {
	_, err := embedviz.NewORTSession()
	assert.ErrorContains(t, err, "ORT")
}
