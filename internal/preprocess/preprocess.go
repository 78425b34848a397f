// Package preprocess turns uploaded fundus photographs into model input
// tensors and renders segmentation masks back into images.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"cvd-risk/internal/tensor"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// ErrUndecodable is returned when the bytes are not a supported image.
var ErrUndecodable = errors.New("undecodable image")

// Target describes the resolution and normalization a model expects.
type Target struct {
	Size      int
	Normalize bool
}

var (
	// Classifier is the input of the classification and regression models.
	Classifier = Target{Size: 224, Normalize: true}
	// Segmentation is the input of the vessel segmentation model.
	Segmentation = Target{Size: 512, Normalize: false}
)

// ImageNet channel statistics
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Decode parses raw image bytes in any format imaging understands.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUndecodable)
	}
	return img, nil
}

// Prepare resizes img to the target resolution with bicubic interpolation,
// drops any alpha channel, scales intensities to [0,1] and optionally applies
// ImageNet standardization. The result is a [1,3,size,size] tensor.
func Prepare(img image.Image, target Target) (*tensor.Tensor, error) {
	if target.Size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", target.Size)
	}

	rgb := toOpaqueNRGBA(img)
	size := target.Size
	resized := imaging.Clone(resize.Resize(uint(size), uint(size), rgb, resize.Bicubic))

	out := tensor.New(1, 3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				if target.Normalize {
					v = (v - channelMean[c]) / channelStd[c]
				}
				out.Data[c*plane+y*size+x] = v
			}
		}
	}
	return out, nil
}

// toOpaqueNRGBA converts any color model to 8-bit RGB, discarding alpha
// rather than compositing it.
func toOpaqueNRGBA(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// EncodeMask thresholds a soft h×w probability mask into a 0/255 binary
// mask, resizes it with nearest-neighbour sampling to bounds and returns it
// as a grayscale PNG.
func EncodeMask(prob []float32, h, w int, threshold float32, bounds image.Rectangle) ([]byte, error) {
	if len(prob) != h*w {
		return nil, fmt.Errorf("mask has %d values, want %dx%d", len(prob), h, w)
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, p := range prob {
		if p > threshold {
			mask.Pix[i] = 0xff
		}
	}

	var out image.Image = mask
	if bounds.Dx() != w || bounds.Dy() != h {
		out = resize.Resize(uint(bounds.Dx()), uint(bounds.Dy()), mask, resize.NearestNeighbor)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return buf.Bytes(), nil
}
