package ml

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTensor struct {
	dtype string
	shape []int64
	data  []float32
}

// encodeSafetensors writes params in safetensors layout. F32 and BF16 are
// encoded from data; any other dtype gets zero bytes of element size 4.
func encodeSafetensors(t *testing.T, params map[string]testTensor, metadata map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]interface{}{}
	if metadata != nil {
		header["__metadata__"] = metadata
	}
	var body []byte
	for _, name := range names {
		p := params[name]
		var raw []byte
		switch p.dtype {
		case "BF16":
			raw = make([]byte, 2*len(p.data))
			for i, v := range p.data {
				binary.LittleEndian.PutUint16(raw[2*i:], uint16(math.Float32bits(v)>>16))
			}
		case "F64":
			raw = make([]byte, 8*len(p.data))
			for i, v := range p.data {
				binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(float64(v)))
			}
		default:
			raw = make([]byte, 4*len(p.data))
			if p.dtype == "F32" {
				for i, v := range p.data {
					binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
				}
			}
		}
		header[name] = map[string]interface{}{
			"dtype":        p.dtype,
			"shape":        p.shape,
			"data_offsets": []int{len(body), len(body) + len(raw)},
		}
		body = append(body, raw...)
	}

	hdr, err := json.Marshal(header)
	require.NoError(t, err)

	out := make([]byte, 8, 8+len(hdr)+len(body))
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	return append(out, body...)
}

func writeSafetensors(t *testing.T, dir, name string, params map[string]testTensor, metadata map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, encodeSafetensors(t, params, metadata), 0o644))
	return path
}

func f32(shape []int64, data ...float32) testTensor {
	return testTensor{dtype: "F32", shape: shape, data: data}
}

func TestParseSafetensors_Bare(t *testing.T) {
	data := encodeSafetensors(t, map[string]testTensor{
		"mlp.0.weight": f32([]int64{2, 2}, 1, 2, 3, 4),
		"mlp.0.bias":   f32([]int64{2}, 5, 6),
	}, nil)

	ckpt, err := ParseSafetensors(data)
	require.NoError(t, err)
	assert.Equal(t, LayoutBare, ckpt.Layout)
	assert.Equal(t, []string{"mlp.0.bias", "mlp.0.weight"}, ckpt.Names())

	values, err := ckpt.Params["mlp.0.weight"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, values)
}

func TestParseSafetensors_LayoutSearchOrder(t *testing.T) {
	// model_state_dict wins over model even though both prefixes exist.
	data := encodeSafetensors(t, map[string]testTensor{
		"model.mlp.0.bias":            f32([]int64{1}, 9),
		"model_state_dict.mlp.0.bias": f32([]int64{1}, 1),
		"optimizer.step":              f32([]int64{1}, 0),
	}, nil)

	ckpt, err := ParseSafetensors(data)
	require.NoError(t, err)
	assert.Equal(t, "model_state_dict", ckpt.Layout)
	require.Contains(t, ckpt.Params, "mlp.0.bias")
	assert.Len(t, ckpt.Params, 1)

	values, err := ckpt.Params["mlp.0.bias"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, values)
}

func TestParseSafetensors_DeclaredLayout(t *testing.T) {
	data := encodeSafetensors(t, map[string]testTensor{
		"state_dict.a":       f32([]int64{1}, 1),
		"model_state_dict.b": f32([]int64{1}, 2),
	}, map[string]string{"layout": "state_dict"})

	ckpt, err := ParseSafetensors(data)
	require.NoError(t, err)
	assert.Equal(t, "state_dict", ckpt.Layout)
	assert.Equal(t, []string{"a"}, ckpt.Names())
	assert.Equal(t, "state_dict", ckpt.Metadata["layout"])
}

func TestParseSafetensors_UnknownDeclaredLayout(t *testing.T) {
	data := encodeSafetensors(t, map[string]testTensor{"a": f32([]int64{1}, 1)}, map[string]string{"layout": "checkpoint"})
	_, err := ParseSafetensors(data)
	assert.Error(t, err)
}

func TestParseSafetensors_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"too short":        {1, 2, 3},
		"header overflows": append(binary.LittleEndian.AppendUint64(nil, 1000), '{', '}'),
		"not json":         append(binary.LittleEndian.AppendUint64(nil, 3), 'a', 'b', 'c'),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSafetensors(data)
			assert.Error(t, err)
		})
	}

	t.Run("offsets outside buffer", func(t *testing.T) {
		hdr := []byte(`{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
		data := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
		data = append(data, hdr...)
		data = append(data, make([]byte, 8)...)
		_, err := ParseSafetensors(data)
		assert.Error(t, err)
	})
}

func TestParam_Float32sDtypes(t *testing.T) {
	data := encodeSafetensors(t, map[string]testTensor{
		"bf":  {dtype: "BF16", shape: []int64{3}, data: []float32{1, -2, 0.5}},
		"f64": {dtype: "F64", shape: []int64{2}, data: []float32{3.25, -1}},
		"i64": {dtype: "I64", shape: []int64{1}, data: []float32{0}},
	}, nil)
	ckpt, err := ParseSafetensors(data)
	require.NoError(t, err)

	bf, err := ckpt.Params["bf"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2, 0.5}, bf)

	f64, err := ckpt.Params["f64"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{3.25, -1}, f64)

	_, err = ckpt.Params["i64"].Float32s()
	assert.Error(t, err)
}

func TestHalfToFloat32(t *testing.T) {
	assert.Equal(t, float32(1), halfToFloat32(0x3c00))
	assert.Equal(t, float32(-2), halfToFloat32(0xc000))
	assert.Equal(t, float32(0.5), halfToFloat32(0x3800))
	assert.Equal(t, float32(0), halfToFloat32(0x0000))
	assert.True(t, math.IsInf(float64(halfToFloat32(0x7c00)), 1))
	assert.InDelta(t, 5.960464477539063e-08, halfToFloat32(0x0001), 1e-12)
}

func TestReadSafetensors_MissingFile(t *testing.T) {
	_, err := ReadSafetensors(filepath.Join(t.TempDir(), "absent.safetensors"))
	assert.Error(t, err)
}
