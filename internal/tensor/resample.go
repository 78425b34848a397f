package tensor

import "fmt"

// ResizeBilinear resamples an NCHW tensor to h×w using bilinear
// interpolation with half-pixel centres (align_corners=false). The input is
// returned unchanged when it already has the requested size.
func ResizeBilinear(t *Tensor, h, w int) (*Tensor, error) {
	inH, inW, err := t.Spatial()
	if err != nil {
		return nil, err
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", h, w)
	}
	if inH == h && inW == w {
		return t, nil
	}

	n, c := t.Shape[0], t.Shape[1]
	out := New(n, c, h, w)

	ys := axisWeights(inH, h)
	xs := axisWeights(inW, w)

	for plane := 0; plane < n*c; plane++ {
		src := t.Data[plane*inH*inW : (plane+1)*inH*inW]
		dst := out.Data[plane*h*w : (plane+1)*h*w]
		for oy, wy := range ys {
			row0 := src[wy.i0*inW : (wy.i0+1)*inW]
			row1 := src[wy.i1*inW : (wy.i1+1)*inW]
			for ox, wx := range xs {
				top := row0[wx.i0]*wx.l0 + row0[wx.i1]*wx.l1
				bottom := row1[wx.i0]*wx.l0 + row1[wx.i1]*wx.l1
				dst[oy*w+ox] = top*wy.l0 + bottom*wy.l1
			}
		}
	}
	return out, nil
}

type lerp struct {
	i0, i1 int
	l0, l1 float32
}

func axisWeights(in, out int) []lerp {
	scale := float32(in) / float32(out)
	ws := make([]lerp, out)
	for o := range ws {
		src := (float32(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0
		if i0 < in-1 {
			i1 = i0 + 1
		}
		l1 := src - float32(i0)
		ws[o] = lerp{i0: i0, i1: i1, l0: 1 - l1, l1: l1}
	}
	return ws
}
