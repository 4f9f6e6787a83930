package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/embedviz/options"
)

type GoModel struct {
	Model   *gonnx.Model
	Destroy func() error
}

func createGoModelBackend(model *Model, s *options.Options) error {
	if s.Device.IsAccelerator() {
		return fmt.Errorf("the GO backend runs on cpu only, device %s is not available", s.Device)
	}
	mp, err := gonnx.ModelProtoFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	if !model.LoadOptions.KeepHead {
		_, stripped, stripErr := stripClassifierHead(mp, model.LoadOptions.HeadLayer, model.LoadOptions.EmbeddingOutput)
		if stripErr != nil {
			return stripErr
		}
		model.StrippedLayer = stripped
	}
	goModel, err := gonnx.NewModel(mp)
	if err != nil {
		return err
	}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	if len(model.InputsMeta) != 1 {
		return fmt.Errorf("expected a model with a single input, got %d inputs", len(model.InputsMeta))
	}
	model.GoModel = &GoModel{
		Model: goModel,
		Destroy: func() error {
			return nil
		},
	}
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: goDimensions(inputShapes[name]),
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: goDimensions(outputShapes[name]),
		})
	}
	return inputs, outputs
}

func goDimensions(shape onnx.Shape) Shape {
	dimensions := make(Shape, len(shape))
	for i, y := range shape {
		if y.IsDynamic || y.Size <= 0 {
			dimensions[i] = -1
			continue
		}
		dimensions[i] = y.Size
	}
	return dimensions
}

// createInputTensorsGo creates the gorgonia input tensor for a batch.
func createInputTensorsGo(batch *PipelineBatch, model *Model) error {
	meta := model.InputsMeta[0]
	sampleDims, err := resolveSampleShape(meta, batch.SampleShape)
	if err != nil {
		return err
	}
	shape := make([]int, 0, len(sampleDims)+1)
	shape = append(shape, batch.PaddedSize)
	for _, d := range sampleDims {
		shape = append(shape, int(d))
	}
	batch.InputValues = map[string]tensor.Tensor{
		meta.Name: tensor.New(
			tensor.WithShape(shape...),
			tensor.WithBacking(paddedInput(batch)),
		),
	}
	return nil
}

func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputs, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return fmt.Errorf("invalid input type %T for the GO runtime", batch.InputValues)
	}
	tensors, err := p.Model.GoModel.Model.Run(inputs)
	if err != nil {
		return err
	}
	outputName := p.Model.OutputsMeta[0].Name
	output, ok := tensors[outputName]
	if !ok {
		return fmt.Errorf("output %s missing from the model results", outputName)
	}
	switch data := output.Data().(type) {
	case []float32:
		batch.OutputValues, err = flatDataTo2D(data, batch.PaddedSize, batch.Size)
	case []float64:
		batch.OutputValues, err = flatDataTo2D(data, batch.PaddedSize, batch.Size)
	default:
		err = fmt.Errorf("output %s has unsupported type %T", outputName, data)
	}
	return err
}
