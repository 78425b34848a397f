package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"cvd-risk/internal/tensor"

	"gonum.org/v1/gonum/mat"
)

// mlpInitSeed makes parameters the checkpoint does not cover reproducible.
const mlpInitSeed = 1425

// Fusion meta-classifier hidden widths
var fusionHidden = []int{512, 256}

type linear struct {
	name string
	w    *mat.Dense    // [out, in]
	b    *mat.VecDense // [out]
}

// MLP is a stack of fully connected layers with ReLU between them. Layer
// parameters are named "mlp.<index>.weight" and "mlp.<index>.bias" where
// index counts Linear, ReLU and Dropout modules in sequence.
type MLP struct {
	input  string
	output string
	layers []*linear
}

// NewFusionMLP builds the 1425→512→256→1 fusion meta-classifier with
// deterministic initial parameters.
func NewFusionMLP() *MLP {
	return NewMLP(InputFeatures, OutputLogits, FusionInputDim, fusionHidden, 1)
}

// NewMLP builds an MLP over in→hidden...→out.
func NewMLP(input, output string, in int, hidden []int, out int) *MLP {
	rng := rand.New(rand.NewSource(mlpInitSeed))
	dims := append(append([]int{in}, hidden...), out)

	m := &MLP{input: input, output: output}
	for i := 0; i+1 < len(dims); i++ {
		fanIn, fanOut := dims[i], dims[i+1]
		bound := 1 / math.Sqrt(float64(fanIn))

		w := mat.NewDense(fanOut, fanIn, nil)
		w.Apply(func(_, _ int, _ float64) float64 { return (rng.Float64()*2 - 1) * bound }, w)
		b := mat.NewVecDense(fanOut, nil)
		for j := 0; j < fanOut; j++ {
			b.SetVec(j, (rng.Float64()*2-1)*bound)
		}

		// Linear, ReLU, Dropout per hidden layer
		m.layers = append(m.layers, &linear{name: fmt.Sprintf("mlp.%d", i*3), w: w, b: b})
	}
	return m
}

// ParamShapes lists every parameter the MLP expects with its shape.
func (m *MLP) ParamShapes() map[string][]int64 {
	out := make(map[string][]int64, 2*len(m.layers))
	for _, l := range m.layers {
		r, c := l.w.Dims()
		out[l.name+".weight"] = []int64{int64(r), int64(c)}
		out[l.name+".bias"] = []int64{int64(r)}
	}
	return out
}

func (m *MLP) Apply(params map[string]*Param) LoadReport {
	var rep LoadReport
	expected := m.ParamShapes()

	for _, l := range m.layers {
		for _, suffix := range []string{".weight", ".bias"} {
			name := l.name + suffix
			want := expected[name]

			p, ok := params[name]
			if !ok {
				rep.Missing = append(rep.Missing, name)
				continue
			}
			if !tensor.SameShape(intShape(want), intShape(p.Shape)) {
				rep.Mismatched = append(rep.Mismatched, Mismatch{Name: name, Want: shapeString(want), Got: shapeString(p.Shape)})
				continue
			}
			values, err := p.Float32s()
			if err != nil {
				rep.Mismatched = append(rep.Mismatched, Mismatch{Name: name, Want: shapeString(want), Got: shapeString(p.Shape), Reason: err.Error()})
				continue
			}

			if suffix == ".weight" {
				r, c := l.w.Dims()
				for i := 0; i < r; i++ {
					for j := 0; j < c; j++ {
						l.w.Set(i, j, float64(values[i*c+j]))
					}
				}
			} else {
				for i, v := range values {
					l.b.SetVec(i, float64(v))
				}
			}
			rep.Applied = append(rep.Applied, name)
		}
	}

	for name := range params {
		if _, ok := expected[name]; !ok {
			rep.Unexpected = append(rep.Unexpected, name)
		}
	}
	sort.Strings(rep.Unexpected)
	return rep
}

func (m *MLP) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	in, ok := inputs[m.input]
	if !ok {
		return nil, fmt.Errorf("missing input %q", m.input)
	}
	_, width := m.layers[0].w.Dims()
	if in.Len() != width {
		return nil, fmt.Errorf("input %q has %d values, want %d", m.input, in.Len(), width)
	}

	x := mat.NewVecDense(width, tensor.Float64s(in.Data))
	for i, l := range m.layers {
		r, _ := l.w.Dims()
		h := mat.NewVecDense(r, nil)
		h.MulVec(l.w, x)
		h.AddVec(h, l.b)
		if i < len(m.layers)-1 {
			for j := 0; j < r; j++ {
				if h.AtVec(j) < 0 {
					h.SetVec(j, 0)
				}
			}
		}
		x = h
	}

	outDim := x.Len()
	out := tensor.New(1, outDim)
	for i := 0; i < outDim; i++ {
		out.Data[i] = float32(x.AtVec(i))
	}
	return map[string]*tensor.Tensor{m.output: out}, nil
}

func (m *MLP) Outputs() []string {
	return []string{m.output}
}

func (m *MLP) Close() error {
	return nil
}

func intShape(s []int64) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}
