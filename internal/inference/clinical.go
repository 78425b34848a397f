package inference

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cvd-risk/internal/ml"
	"cvd-risk/internal/tensor"
)

// Clinical is the auxiliary input of the CIMT regressor: a normalized age
// and a two-slot gender encoding.
type Clinical struct {
	AgeNorm float32 `json:"age_norm"`
	Gender0 float32 `json:"gender_0"`
	Gender1 float32 `json:"gender_1"`
}

// DefaultClinical is the neutral profile used when no clinical intake is
// supplied: middle age, undetermined gender.
var DefaultClinical = Clinical{AgeNorm: 0.5, Gender0: 0.5, Gender1: 0.5}

// Tensor returns the [1,3] model input.
func (c Clinical) Tensor() *tensor.Tensor {
	t := tensor.New(1, ml.ClinicalDim)
	copy(t.Data, []float32{c.AgeNorm, c.Gender0, c.Gender1})
	return t
}

func (c *Clinical) resolve() (Clinical, error) {
	if c == nil {
		return DefaultClinical, nil
	}
	for _, v := range []float32{c.AgeNorm, c.Gender0, c.Gender1} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Clinical{}, fmt.Errorf("clinical values must be finite")
		}
	}
	return *c, nil
}

// ParseClinical reads a comma separated "age_norm,gender_0,gender_1"
// triple. An empty string yields nil.
func ParseClinical(s string) (*Clinical, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != ml.ClinicalDim {
		return nil, fmt.Errorf("clinical needs %d comma separated values, got %d", ml.ClinicalDim, len(parts))
	}
	var vals [3]float32
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("clinical value %d: %w", i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("clinical value %d is not finite", i)
		}
		vals[i] = float32(v)
	}
	return &Clinical{AgeNorm: vals[0], Gender0: vals[1], Gender1: vals[2]}, nil
}
