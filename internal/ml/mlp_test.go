package ml

import (
	"testing"

	"cvd-risk/internal/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseParams(t *testing.T, params map[string]testTensor) map[string]*Param {
	t.Helper()
	ckpt, err := ParseSafetensors(encodeSafetensors(t, params, nil))
	require.NoError(t, err)
	return ckpt.Params
}

func TestMLP_ForwardWithKnownWeights(t *testing.T) {
	m := NewMLP("x", "y", 2, []int{2}, 1)
	rep := m.Apply(parseParams(t, map[string]testTensor{
		"mlp.0.weight": f32([]int64{2, 2}, 1, -1, 0.5, 0.5),
		"mlp.0.bias":   f32([]int64{2}, 0, -1),
		"mlp.3.weight": f32([]int64{1, 2}, 2, 3),
		"mlp.3.bias":   f32([]int64{1}, 0.5),
	}))
	assert.False(t, rep.Degraded())
	assert.Len(t, rep.Applied, 4)

	in, err := tensor.FromData([]float32{1, 3}, 1, 2)
	require.NoError(t, err)
	out, err := m.Run(map[string]*tensor.Tensor{"x": in})
	require.NoError(t, err)

	// hidden = relu([-2, 1]) = [0, 1]; output = 0*2 + 1*3 + 0.5
	require.Contains(t, out, "y")
	assert.Equal(t, []int{1, 1}, out["y"].Shape)
	assert.InDelta(t, 3.5, out["y"].Data[0], 1e-6)
}

func TestMLP_ApplyReportsMissingMismatchedUnexpected(t *testing.T) {
	m := NewFusionMLP()
	rep := m.Apply(parseParams(t, map[string]testTensor{
		"mlp.0.bias":   f32([]int64{512}, make([]float32, 512)...),
		"mlp.3.bias":   f32([]int64{128}, make([]float32, 128)...),
		"mlp.6.bias":   {dtype: "I32", shape: []int64{1}, data: []float32{0}},
		"mlp.9.weight": f32([]int64{1}, 0),
	}))

	assert.True(t, rep.Degraded())
	assert.Equal(t, []string{"mlp.0.bias"}, rep.Applied)
	assert.ElementsMatch(t, []string{"mlp.0.weight", "mlp.3.weight", "mlp.6.weight"}, rep.Missing)
	assert.Equal(t, []string{"mlp.9.weight"}, rep.Unexpected)
	require.Len(t, rep.Mismatched, 2)
	assert.Equal(t, "mlp.3.bias", rep.Mismatched[0].Name)
	assert.Equal(t, "[256]", rep.Mismatched[0].Want)
	assert.Equal(t, "[128]", rep.Mismatched[0].Got)
	assert.Equal(t, "mlp.6.bias", rep.Mismatched[1].Name)
	assert.Contains(t, rep.Mismatched[1].Reason, "unsupported dtype")
	assert.Equal(t, 5, rep.SkippedCount())
}

func TestFusionMLP_DeterministicInit(t *testing.T) {
	in := tensor.New(1, FusionInputDim)
	for i := range in.Data {
		in.Data[i] = float32(i%7) - 3
	}

	a, err := NewFusionMLP().Run(map[string]*tensor.Tensor{InputFeatures: in})
	require.NoError(t, err)
	b, err := NewFusionMLP().Run(map[string]*tensor.Tensor{InputFeatures: in})
	require.NoError(t, err)
	assert.Equal(t, a[OutputLogits].Data, b[OutputLogits].Data)
}

func TestFusionMLP_ZeroWeightsYieldBias(t *testing.T) {
	m := NewFusionMLP()
	rep := m.Apply(parseParams(t, map[string]testTensor{
		"mlp.0.weight": f32([]int64{512, FusionInputDim}, make([]float32, 512*FusionInputDim)...),
		"mlp.0.bias":   f32([]int64{512}, make([]float32, 512)...),
		"mlp.3.weight": f32([]int64{256, 512}, make([]float32, 256*512)...),
		"mlp.3.bias":   f32([]int64{256}, make([]float32, 256)...),
		"mlp.6.weight": f32([]int64{1, 256}, make([]float32, 256)...),
		"mlp.6.bias":   f32([]int64{1}, -0.75),
	}))
	require.False(t, rep.Degraded())

	in := tensor.New(1, FusionInputDim)
	in.Data[0] = 100
	out, err := m.Run(map[string]*tensor.Tensor{InputFeatures: in})
	require.NoError(t, err)
	assert.InDelta(t, -0.75, out[OutputLogits].Data[0], 1e-6)
}

func TestMLP_RunValidatesInput(t *testing.T) {
	m := NewFusionMLP()

	_, err := m.Run(map[string]*tensor.Tensor{})
	assert.Error(t, err)

	_, err = m.Run(map[string]*tensor.Tensor{InputFeatures: tensor.New(1, 10)})
	assert.Error(t, err)
}
