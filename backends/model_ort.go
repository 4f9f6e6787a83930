//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/embedviz/options"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, options *options.Options) error {
	sessionOptions, ok := options.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options are not initialised")
	}

	onnxBytes := model.OnnxBytes
	if !model.LoadOptions.KeepHead {
		strippedBytes, _, stripped, err := StripOnnxHead(onnxBytes, model.LoadOptions)
		if err != nil {
			return err
		}
		onnxBytes = strippedBytes
		model.StrippedLayer = stripped
		model.OnnxBytes = onnxBytes
	}

	inputs, outputs, err := loadInputOutputMetaORTBytes(onnxBytes)
	if err != nil {
		return err
	}
	if len(inputs) != 1 {
		return fmt.Errorf("expected a model with a single input, got %d inputs", len(inputs))
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(inputs),
		GetNames(outputs[:1]),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs[:1]
	return nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) == 0 {
		return nil, nil, errors.New("onnx model declares no outputs")
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func createInputTensorsORT(batch *PipelineBatch, model *Model) error {
	sampleDims, err := resolveSampleShape(model.InputsMeta[0], batch.SampleShape)
	if err != nil {
		return err
	}
	shape := append(ort.NewShape(int64(batch.PaddedSize)), sampleDims...)
	t, err := ort.NewTensor(shape, paddedInput(batch))
	if err != nil {
		return err
	}
	batch.InputValues = []ort.Value{t}
	batch.DestroyInputs = func() error {
		return t.Destroy()
	}
	return nil
}

func runORTSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputs, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return fmt.Errorf("invalid input type %T for the ORT runtime", batch.InputValues)
	}
	outputTensors := []ort.Value{nil}
	if err := p.Model.ORTModel.Session.Run(inputs, outputTensors); err != nil {
		return err
	}
	defer func() {
		if outputTensors[0] != nil {
			_ = outputTensors[0].Destroy()
		}
	}()

	var err error
	switch v := outputTensors[0].(type) {
	case *ort.Tensor[float32]:
		batch.OutputValues, err = flatDataTo2D(v.GetData(), batch.PaddedSize, batch.Size)
	case *ort.Tensor[float64]:
		batch.OutputValues, err = flatDataTo2D(v.GetData(), batch.PaddedSize, batch.Size)
	default:
		err = fmt.Errorf("output %s has unsupported type %T", p.Model.OutputsMeta[0].Name, v)
	}
	return err
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}
