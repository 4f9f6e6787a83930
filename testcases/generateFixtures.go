package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knights-analytics/embedviz/datasets"
	"github.com/knights-analytics/embedviz/testcases/fixtures"
	"github.com/knights-analytics/embedviz/util/fileutil"
)

// generate a demo workspace: checkpoints under ./models, an MNIST shaped test set under
// ./data/processed and the figures directory.

const demoSamples = 1000

var checkpoints = []struct {
	name  string
	write func(path string) error
}{
	{"models/demo-mlp.json", func(path string) error {
		return fixtures.WriteCheckpoint(path, fixtures.MLPCheckpoint([]int{1, 28, 28}, 784, 10, 1))
	}},
	{"models/demo-conv.json", func(path string) error {
		return fixtures.WriteCheckpoint(path, fixtures.ConvCheckpoint(10, 2))
	}},
	{"models/demo-classifier.onnx", func(path string) error {
		data, err := fixtures.OnnxClassifier(784, 128, 10, 3)
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o600)
	}},
}

func main() {
	for _, dir := range []string{"./models", "./reports/figures"} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			panic(err)
		}
	}

	for _, checkpoint := range checkpoints {
		if ok, err := fileutil.FileExists(checkpoint.name); err == nil {
			if !ok {
				if err = checkpoint.write(checkpoint.name); err != nil {
					panic(err)
				}
				fmt.Printf("Wrote %s\n", checkpoint.name)
			}
		} else {
			panic(err)
		}
	}

	imagesPath, _ := datasets.DefaultPaths(datasets.DefaultDataDir)
	if ok, err := fileutil.FileExists(imagesPath); err == nil {
		if !ok {
			if err = fixtures.WriteDataset(datasets.DefaultDataDir, demoSamples, []int{28, 28}, 10, 4); err != nil {
				panic(err)
			}
			fmt.Printf("Wrote %d samples to %s\n", demoSamples, filepath.Dir(imagesPath))
		}
	} else {
		panic(err)
	}
}
