package backends

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
)

var headOpTypes = map[string]bool{"Gemm": true, "MatMul": true}

// StripOnnxHead removes the classifier head from a serialised ONNX model. It returns the
// rewritten model, the name of the embedding output and the name of the stripped node.
func StripOnnxHead(onnxBytes []byte, loadOptions LoadOptions) ([]byte, string, string, error) {
	mp, err := gonnx.ModelProtoFromBytes(onnxBytes)
	if err != nil {
		return nil, "", "", err
	}
	outputName, stripped, err := stripClassifierHead(mp, loadOptions.HeadLayer, loadOptions.EmbeddingOutput)
	if err != nil {
		return nil, "", "", err
	}
	out, err := proto.Marshal(mp)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to serialise the stripped onnx graph: %w", err)
	}
	return out, outputName, stripped, nil
}

// stripClassifierHead rewrites the graph so that its single output is the embedding tensor.
// By default that is the data input of the last Gemm/MatMul node, or of the node named
// headNode. outputName selects an explicit tensor instead. Nodes the new output does not
// depend on, including the head itself and any trailing Add/Softmax/Relu, are pruned.
// It returns the tensor that became the graph output and the name of the stripped node.
func stripClassifierHead(mp *onnx.ModelProto, headNode string, outputName string) (string, string, error) {
	graph := mp.GetGraph()
	if graph == nil {
		return "", "", errors.New("onnx model has no graph")
	}

	var stripped string
	var headWidth int64
	if outputName == "" {
		var head *onnx.NodeProto
		for _, node := range graph.GetNode() {
			if headNode != "" {
				if node.GetName() == headNode {
					head = node
					break
				}
				continue
			}
			if headOpTypes[node.GetOpType()] {
				head = node
			}
		}
		if head == nil {
			if headNode != "" {
				return "", "", fmt.Errorf("node %s not found in the onnx graph", headNode)
			}
			return "", "", errors.New("onnx graph has no Gemm or MatMul node to strip")
		}
		if len(head.GetInput()) == 0 {
			return "", "", fmt.Errorf("node %s has no inputs", head.GetName())
		}
		outputName = head.GetInput()[0]
		stripped = head.GetName()
		if stripped == "" {
			stripped = head.GetOpType()
		}
		headWidth = headInputWidth(graph, head)
	} else if !producesTensor(graph, outputName) {
		return "", "", fmt.Errorf("tensor %s is not produced by any node of the onnx graph", outputName)
	}

	graph.Output = []*onnx.ValueInfoProto{outputValueInfo(graph, outputName, headWidth)}
	pruneGraph(graph)
	return outputName, stripped, nil
}

func producesTensor(graph *onnx.GraphProto, name string) bool {
	for _, node := range graph.GetNode() {
		for _, out := range node.GetOutput() {
			if out == name {
				return true
			}
		}
	}
	for _, in := range graph.GetInput() {
		if in.GetName() == name {
			return true
		}
	}
	return false
}

// headInputWidth reads the feature width of the head's data input from its weight initializer.
func headInputWidth(graph *onnx.GraphProto, head *onnx.NodeProto) int64 {
	if len(head.GetInput()) < 2 {
		return 0
	}
	transB := false
	for _, attr := range head.GetAttribute() {
		if attr.GetName() == "transB" && attr.GetI() == 1 {
			transB = true
		}
	}
	for _, init := range graph.GetInitializer() {
		if init.GetName() != head.GetInput()[1] || len(init.GetDims()) != 2 {
			continue
		}
		if head.GetOpType() == "Gemm" && transB {
			return init.GetDims()[1]
		}
		return init.GetDims()[0]
	}
	return 0
}

// outputValueInfo reuses the inferred value info of the tensor when the graph has it.
func outputValueInfo(graph *onnx.GraphProto, name string, width int64) *onnx.ValueInfoProto {
	for _, vi := range graph.GetValueInfo() {
		if vi.GetName() == name {
			return vi
		}
	}
	dims := []*onnx.TensorShapeProto_Dimension{
		{Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: "batch"}},
	}
	if width > 0 {
		dims = append(dims, &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: width}})
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{
			Value: &onnx.TypeProto_TensorType{
				TensorType: &onnx.TypeProto_Tensor{
					ElemType: int32(onnx.TensorProto_FLOAT),
					Shape:    &onnx.TensorShapeProto{Dim: dims},
				},
			},
		},
	}
}

// pruneGraph keeps only the nodes and initializers the graph outputs depend on.
func pruneGraph(graph *onnx.GraphProto) {
	needed := map[string]bool{}
	for _, out := range graph.GetOutput() {
		needed[out.GetName()] = true
	}
	nodes := graph.GetNode()
	keep := make([]bool, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		for _, out := range nodes[i].GetOutput() {
			if needed[out] {
				keep[i] = true
				break
			}
		}
		if keep[i] {
			for _, in := range nodes[i].GetInput() {
				needed[in] = true
			}
		}
	}
	kept := make([]*onnx.NodeProto, 0, len(nodes))
	for i, node := range nodes {
		if keep[i] {
			kept = append(kept, node)
		}
	}
	graph.Node = kept

	initializers := make([]*onnx.TensorProto, 0, len(graph.GetInitializer()))
	dropped := map[string]bool{}
	for _, init := range graph.GetInitializer() {
		if needed[init.GetName()] {
			initializers = append(initializers, init)
		} else {
			dropped[init.GetName()] = true
		}
	}
	graph.Initializer = initializers

	// older exporters list initializers as graph inputs too
	inputs := make([]*onnx.ValueInfoProto, 0, len(graph.GetInput()))
	for _, in := range graph.GetInput() {
		if !dropped[in.GetName()] {
			inputs = append(inputs, in)
		}
	}
	graph.Input = inputs
}
