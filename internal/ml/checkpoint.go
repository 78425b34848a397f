package ml

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// LayoutBare means parameters sit at the top level of the checkpoint.
const LayoutBare = "bare"

// layoutMetadataKey is the header metadata entry an exporter may set to name
// the checkpoint layout.
const layoutMetadataKey = "layout"

// Conventional containers a parameter dictionary may be nested under, in
// lookup order.
var layoutKeys = []string{"model_state_dict", "model", "state_dict", "weights"}

// maxHeaderSize bounds the JSON header of a safetensors file.
const maxHeaderSize = 100 << 20

// Param is one named tensor of a parameter checkpoint.
type Param struct {
	Name  string
	DType string
	Shape []int64
	raw   []byte
}

// Float32s decodes the parameter into float32 values.
func (p *Param) Float32s() ([]float32, error) {
	n := 1
	for _, d := range p.Shape {
		n *= int(d)
	}

	var size int
	switch p.DType {
	case "F32":
		size = 4
	case "F64":
		size = 8
	case "F16", "BF16":
		size = 2
	default:
		return nil, fmt.Errorf("unsupported dtype %s", p.DType)
	}
	if len(p.raw) != n*size {
		return nil, fmt.Errorf("%s: %d bytes for %d %s elements", p.Name, len(p.raw), n, p.DType)
	}

	out := make([]float32, n)
	for i := range out {
		b := p.raw[i*size : (i+1)*size]
		switch p.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case "F64":
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case "BF16":
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
		case "F16":
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(b))
		}
	}
	return out, nil
}

// Checkpoint is a parameter dictionary with its resolved layout.
type Checkpoint struct {
	Layout   string
	Metadata map[string]string
	Params   map[string]*Param
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets [2]int  `json:"data_offsets"`
}

// ReadSafetensors parses a safetensors file and resolves its layout.
func ReadSafetensors(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSafetensors(data)
}

// ParseSafetensors decodes an in-memory safetensors payload. The layout is
// taken from the "layout" metadata entry when present, otherwise from the
// first conventional container prefix found, otherwise bare.
func ParseSafetensors(data []byte) (*Checkpoint, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: truncated header length")
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds payload", headerLen)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}
	body := data[8+headerLen:]

	ckpt := &Checkpoint{Metadata: map[string]string{}}
	all := make(map[string]*Param, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &ckpt.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: metadata: %w", err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		begin, end := h.DataOffsets[0], h.DataOffsets[1]
		if begin < 0 || end < begin || end > len(body) {
			return nil, fmt.Errorf("safetensors: tensor %s: offsets [%d,%d] outside %d byte buffer", name, begin, end, len(body))
		}
		all[name] = &Param{Name: name, DType: h.DType, Shape: h.Shape, raw: body[begin:end]}
	}

	layout, err := resolveLayout(ckpt.Metadata[layoutMetadataKey], all)
	if err != nil {
		return nil, err
	}
	ckpt.Layout = layout
	ckpt.Params = selectLayout(layout, all)
	return ckpt, nil
}

func resolveLayout(declared string, params map[string]*Param) (string, error) {
	if declared != "" {
		if declared == LayoutBare {
			return LayoutBare, nil
		}
		for _, k := range layoutKeys {
			if declared == k {
				return k, nil
			}
		}
		return "", fmt.Errorf("safetensors: unknown layout %q", declared)
	}

	for _, k := range layoutKeys {
		prefix := k + "."
		for name := range params {
			if strings.HasPrefix(name, prefix) {
				return k, nil
			}
		}
	}
	return LayoutBare, nil
}

func selectLayout(layout string, params map[string]*Param) map[string]*Param {
	if layout == LayoutBare {
		return params
	}
	prefix := layout + "."
	out := make(map[string]*Param, len(params))
	for name, p := range params {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			q := *p
			q.Name = rest
			out[rest] = &q
		}
	}
	return out
}

// Names returns the parameter names in lexical order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.Params))
	for name := range c.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		f := float32(frac) / 1024 * float32(math.Pow(2, -14))
		if sign != 0 {
			f = -f
		}
		return f
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}
