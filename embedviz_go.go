package embedviz

import (
	"github.com/knights-analytics/embedviz/options"
)

// NewGoSession creates a session backed by the pure Go runtimes: the native network for
// .json checkpoints and gonnx for .onnx checkpoints. It always runs on the CPU.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
