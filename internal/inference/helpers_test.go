package inference

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"sync"
	"testing"

	"cvd-risk/internal/common"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/tensor"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

type runFunc func(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

func stubModel(name string, fn runFunc) *ml.LoadedModel {
	return ml.NewStaticModel(name, &ml.StubNetwork{Fn: fn}, ml.LoadReport{Format: ml.FormatONNX, Device: common.DeviceCPU}, nil)
}

func filled(f func(i int) float32, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = f(i)
	}
	return t
}

func scalar(v float32) *tensor.Tensor {
	return filled(func(int) float32 { return v }, 1, 1)
}

func meanOf(t *tensor.Tensor) float32 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return float32(sum / float64(len(t.Data)))
}

func requireShape(inputs map[string]*tensor.Tensor, name string, shape ...int) error {
	t, ok := inputs[name]
	if !ok {
		return fmt.Errorf("missing input %s", name)
	}
	if !tensor.SameShape(t.Shape, shape) {
		return fmt.Errorf("input %s has shape %v, want %v", name, t.Shape, shape)
	}
	return nil
}

// hypertensionStub derives its logit from the mean input intensity so that
// results depend on the image.
func hypertensionStub(bias float32) *ml.LoadedModel {
	return stubModel(common.ModelHypertension, func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		if err := requireShape(in, ml.InputImage, 1, 3, 224, 224); err != nil {
			return nil, err
		}
		return map[string]*tensor.Tensor{
			ml.OutputLogits:    scalar(meanOf(in[ml.InputImage]) + bias),
			ml.OutputEmbedding: filled(func(i int) float32 { return float32(i) / 1024 }, 1, ml.HypertensionEmbeddingDim),
		}, nil
	})
}

type cimtStub struct {
	mu       sync.Mutex
	raw      float32
	clinical []float32
}

func (s *cimtStub) model() *ml.LoadedModel {
	return stubModel(common.ModelCIMT, func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		for _, name := range []string{ml.InputLeftImage, ml.InputRightImage} {
			if err := requireShape(in, name, 1, 3, 224, 224); err != nil {
				return nil, err
			}
		}
		if err := requireShape(in, ml.InputClinical, 1, 3); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.clinical = append([]float32(nil), in[ml.InputClinical].Data...)
		s.mu.Unlock()

		diff := meanOf(in[ml.InputLeftImage]) - meanOf(in[ml.InputRightImage])
		return map[string]*tensor.Tensor{
			ml.OutputPrediction: scalar(s.raw + 0.01*diff),
			ml.OutputEmbedding:  filled(func(i int) float32 { return -float32(i) / 128 }, 1, ml.CIMTEmbeddingDim),
		}, nil
	})
}

func (s *cimtStub) lastClinical() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clinical
}

// vesselStub marks the left half of the frame as vessel.
func vesselStub() *ml.LoadedModel {
	return stubModel(common.ModelVessel, func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		if err := requireShape(in, ml.InputImage, 1, 3, 512, 512); err != nil {
			return nil, err
		}
		mask := filled(func(i int) float32 {
			if i%512 < 256 {
				return 4
			}
			return -4
		}, 1, 1, 512, 512)
		return map[string]*tensor.Tensor{
			ml.OutputMaskLogits: mask,
			ml.OutputFeatures:   filled(func(i int) float32 { return float32(i) / 256 }, 1, ml.VesselFeatureDim),
		}, nil
	})
}

type fusionStub struct {
	mu    sync.Mutex
	logit float32
	seen  []float32
}

func (s *fusionStub) model() *ml.LoadedModel {
	return stubModel(common.ModelFusion, func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		if err := requireShape(in, ml.InputFeatures, 1, ml.FusionInputDim); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.seen = append([]float32(nil), in[ml.InputFeatures].Data...)
		s.mu.Unlock()
		return map[string]*tensor.Tensor{ml.OutputLogits: scalar(s.logit)}, nil
	})
}

func (s *fusionStub) input() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

type fakeRegistry struct {
	mu     sync.Mutex
	models map[string]*ml.LoadedModel
	errs   map[string]error
	gets   map[string]int
}

func newFakeRegistry(models ...*ml.LoadedModel) *fakeRegistry {
	r := &fakeRegistry{models: map[string]*ml.LoadedModel{}, errs: map[string]error{}, gets: map[string]int{}}
	for _, m := range models {
		r.models[m.Descriptor.Name] = m
	}
	return r
}

func (r *fakeRegistry) Descriptor(name string) (ml.Descriptor, error) {
	arch, ok := ml.Architectures[name]
	if !ok {
		return ml.Descriptor{}, ml.Errorf(ml.KindInvalidModelName, name, "unknown model")
	}
	return ml.Descriptor{Name: name, Architecture: arch}, nil
}

func (r *fakeRegistry) Get(_ context.Context, name string) (*ml.LoadedModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets[name]++
	if err, ok := r.errs[name]; ok {
		return nil, err
	}
	m, ok := r.models[name]
	if !ok {
		return nil, ml.Errorf(ml.KindModelNotConfigured, name, "no model")
	}
	return m, nil
}

func (r *fakeRegistry) totalGets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.gets {
		n += c
	}
	return n
}

type mockMetrics struct {
	mu          sync.Mutex
	predictions map[string]int
	failures    map[string]int
	scores      map[string][]float64
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{predictions: map[string]int{}, failures: map[string]int{}, scores: map[string][]float64{}}
}

func (m *mockMetrics) PredictionsInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[model]++
}

func (m *mockMetrics) PredictionFailuresInc(model, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[model+"/"+kind]++
}

func (m *mockMetrics) PredictionLatencyObserve(string, float64) {}

func (m *mockMetrics) PredictionScoresObserve(model string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[model] = append(m.scores[model], v)
}

// fundusPNG renders a deterministic gradient image.
func fundusPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{A: 255})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}
