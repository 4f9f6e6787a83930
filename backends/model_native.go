package backends

import (
	"context"
	"errors"
	"fmt"
)

func createNativeModelBackend(ctx context.Context, model *Model) error {
	checkpoint, err := ReadCheckpoint(ctx, model.Path)
	if err != nil {
		return err
	}
	network, err := NewNetwork(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to restore %s: %w", model.Path, err)
	}
	if !model.LoadOptions.KeepHead {
		stripped, stripErr := network.StripHead(model.LoadOptions.HeadLayer)
		if stripErr != nil {
			return stripErr
		}
		model.StrippedLayer = stripped
	}
	model.Network = network
	model.Metadata = checkpoint.Metadata

	inputDims := Shape{-1}
	for _, d := range network.InputShape {
		inputDims = append(inputDims, int64(d))
	}
	outputDims := Shape{-1}
	if len(network.InputShape) > 0 {
		outputShape, shapeErr := network.OutputShape()
		if shapeErr != nil {
			return shapeErr
		}
		for _, d := range outputShape {
			outputDims = append(outputDims, int64(d))
		}
	}
	model.InputsMeta = []InputOutputInfo{{Name: "input", Dimensions: inputDims}}
	model.OutputsMeta = []InputOutputInfo{{Name: "embedding", Dimensions: outputDims}}
	return nil
}

func createInputTensorsNative(batch *PipelineBatch, _ *Model) error {
	batch.InputValues = paddedInput(batch)
	return nil
}

func runNativeSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	network := p.Model.Network
	if network == nil {
		return errors.New("native network is not loaded")
	}
	input, ok := batch.InputValues.([]float32)
	if !ok {
		return fmt.Errorf("invalid input type %T for the native runtime", batch.InputValues)
	}
	activation, err := network.Forward(input, batch.PaddedSize, batch.SampleShape)
	if err != nil {
		return err
	}
	batch.OutputValues, err = flatDataTo2D(activation.Data, batch.PaddedSize, batch.Size)
	return err
}
