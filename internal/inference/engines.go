// Package inference holds the per-model prediction procedures, the fusion
// feature assembler and the prediction service that drives them.
package inference

import (
	"fmt"
	"image"
	"math"

	"cvd-risk/internal/common"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/preprocess"
	"cvd-risk/internal/tensor"
)

const (
	// DecisionThreshold separates the positive and negative class. A
	// probability exactly at the threshold is negative.
	DecisionThreshold = 0.5

	// CIMTMin and CIMTMax bound the reported thickness in millimetres.
	CIMTMin = 0.4
	CIMTMax = 1.2

	// MaskThreshold binarizes the vessel probability mask for display.
	MaskThreshold = 0.5
)

// Label applies the decision threshold to a probability.
func Label(p float64) int {
	if p > DecisionThreshold {
		return 1
	}
	return 0
}

// HypertensionOutput is the classifier result. Embedding is only set in
// embedding mode.
type HypertensionOutput struct {
	Probability float64
	Label       int
	Confidence  float64
	Embedding   []float32
}

// Hypertension runs the binary classifier on a [1,3,224,224] tensor.
func Hypertension(m *ml.LoadedModel, img *tensor.Tensor, withEmbedding bool) (HypertensionOutput, error) {
	name := common.ModelHypertension
	if err := expectShape(name, img, 1, 3, ml.ClassifierSize, ml.ClassifierSize); err != nil {
		return HypertensionOutput{}, err
	}

	outputs, err := m.Run(map[string]*tensor.Tensor{ml.InputImage: img})
	if err != nil {
		return HypertensionOutput{}, err
	}
	p, err := probability(m, outputs, ml.OutputLogits)
	if err != nil {
		return HypertensionOutput{}, err
	}

	out := HypertensionOutput{Probability: p, Label: Label(p)}
	out.Confidence = p
	if out.Label == 0 {
		out.Confidence = 1 - p
	}

	if withEmbedding {
		out.Embedding, err = vector(m, outputs, ml.OutputEmbedding, ml.HypertensionEmbeddingDim)
		if err != nil {
			return HypertensionOutput{}, err
		}
	}
	return out, nil
}

// CIMTOutput is the regression result. Raw is the unclamped network output
// and is what the fusion vector carries.
type CIMTOutput struct {
	Raw       float64
	Value     float64
	Embedding []float32
}

// CIMT runs the siamese regressor on a left/right pair of [1,3,224,224]
// tensors. A nil clinical uses DefaultClinical.
func CIMT(m *ml.LoadedModel, left, right *tensor.Tensor, clinical *Clinical, withEmbedding bool) (CIMTOutput, error) {
	name := common.ModelCIMT
	for _, t := range []*tensor.Tensor{left, right} {
		if err := expectShape(name, t, 1, 3, ml.ClassifierSize, ml.ClassifierSize); err != nil {
			return CIMTOutput{}, err
		}
	}
	c, err := clinical.resolve()
	if err != nil {
		return CIMTOutput{}, ml.Errorf(ml.KindMissingRequiredInput, name, "%v", err)
	}

	outputs, err := m.Run(map[string]*tensor.Tensor{
		ml.InputLeftImage:  left,
		ml.InputRightImage: right,
		ml.InputClinical:   c.Tensor(),
	})
	if err != nil {
		return CIMTOutput{}, err
	}
	pred, err := m.Output(outputs, ml.OutputPrediction)
	if err != nil {
		return CIMTOutput{}, err
	}
	if pred.Len() == 0 {
		return CIMTOutput{}, ml.Errorf(ml.KindInferenceFailure, name, "empty prediction")
	}
	raw := float64(pred.Data[0])
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return CIMTOutput{}, ml.Errorf(ml.KindInferenceFailure, name, "non-finite prediction %v", raw)
	}

	out := CIMTOutput{Raw: raw, Value: math.Max(CIMTMin, math.Min(CIMTMax, raw))}
	if withEmbedding {
		out.Embedding, err = vector(m, outputs, ml.OutputEmbedding, ml.CIMTEmbeddingDim)
		if err != nil {
			return CIMTOutput{}, err
		}
	}
	return out, nil
}

// VesselSegmentation is the mask-mode result of the vessel model.
type VesselSegmentation struct {
	// MaskPNG is the thresholded mask resized to the source image.
	MaskPNG []byte
	// Handcrafted holds the descriptors of the soft mask in HandcraftedNames
	// order.
	Handcrafted []float64
}

// Features maps the handcrafted descriptors to their names.
func (v VesselSegmentation) Features() map[string]float64 {
	out := make(map[string]float64, len(v.Handcrafted))
	for i, name := range HandcraftedNames {
		out[name] = v.Handcrafted[i]
	}
	return out
}

// VesselSegment runs the segmentation model on a [1,3,512,512] tensor and
// renders the binary mask at the size of bounds.
func VesselSegment(m *ml.LoadedModel, img *tensor.Tensor, bounds image.Rectangle) (VesselSegmentation, error) {
	name := common.ModelVessel
	if err := expectShape(name, img, 1, 3, ml.SegmentationSize, ml.SegmentationSize); err != nil {
		return VesselSegmentation{}, err
	}

	outputs, err := m.Run(map[string]*tensor.Tensor{ml.InputImage: img})
	if err != nil {
		return VesselSegmentation{}, err
	}
	soft, h, w, err := softMask(m, outputs)
	if err != nil {
		return VesselSegmentation{}, err
	}

	features, err := HandcraftedFeatures(soft)
	if err != nil {
		return VesselSegmentation{}, ml.Wrap(ml.KindInferenceFailure, name, "handcrafted features", err)
	}
	png, err := preprocess.EncodeMask(soft, h, w, MaskThreshold, bounds)
	if err != nil {
		return VesselSegmentation{}, ml.Wrap(ml.KindInferenceFailure, name, "encode mask", err)
	}
	return VesselSegmentation{MaskPNG: png, Handcrafted: features}, nil
}

// VesselEmbedding is the embedding-mode result: the pooled encoder features
// plus the handcrafted descriptors of the same forward pass.
type VesselEmbedding struct {
	Learned     []float32
	Handcrafted []float64
}

// VesselEmbed runs the segmentation model once and returns both blocks the
// fusion vector needs.
func VesselEmbed(m *ml.LoadedModel, img *tensor.Tensor) (VesselEmbedding, error) {
	name := common.ModelVessel
	if err := expectShape(name, img, 1, 3, ml.SegmentationSize, ml.SegmentationSize); err != nil {
		return VesselEmbedding{}, err
	}

	outputs, err := m.Run(map[string]*tensor.Tensor{ml.InputImage: img})
	if err != nil {
		return VesselEmbedding{}, err
	}
	learned, err := vector(m, outputs, ml.OutputFeatures, ml.VesselFeatureDim)
	if err != nil {
		return VesselEmbedding{}, err
	}
	soft, _, _, err := softMask(m, outputs)
	if err != nil {
		return VesselEmbedding{}, err
	}
	features, err := HandcraftedFeatures(soft)
	if err != nil {
		return VesselEmbedding{}, ml.Wrap(ml.KindInferenceFailure, name, "handcrafted features", err)
	}
	return VesselEmbedding{Learned: learned, Handcrafted: features}, nil
}

// FusionOutput is the meta-classifier result.
type FusionOutput struct {
	Probability float64
	Label       int
}

// Fusion runs the meta-classifier on a normalized fusion feature vector.
func Fusion(m *ml.LoadedModel, features []float32) (FusionOutput, error) {
	name := common.ModelFusion
	if len(features) != ml.FusionInputDim {
		return FusionOutput{}, ml.Errorf(ml.KindInferenceFailure, name, "feature vector has %d values, want %d", len(features), ml.FusionInputDim)
	}
	in, err := tensor.FromData(features, 1, ml.FusionInputDim)
	if err != nil {
		return FusionOutput{}, ml.Wrap(ml.KindInferenceFailure, name, "build input", err)
	}

	outputs, err := m.Run(map[string]*tensor.Tensor{ml.InputFeatures: in})
	if err != nil {
		return FusionOutput{}, err
	}
	p, err := probability(m, outputs, ml.OutputLogits)
	if err != nil {
		return FusionOutput{}, err
	}
	return FusionOutput{Probability: p, Label: Label(p)}, nil
}

func probability(m *ml.LoadedModel, outputs map[string]*tensor.Tensor, name string) (float64, error) {
	logits, err := m.Output(outputs, name)
	if err != nil {
		return 0, err
	}
	if logits.Len() == 0 {
		return 0, ml.Errorf(ml.KindInferenceFailure, m.Descriptor.Name, "empty %s output", name)
	}
	x := float64(logits.Data[0])
	if math.IsNaN(x) {
		return 0, ml.Errorf(ml.KindInferenceFailure, m.Descriptor.Name, "NaN logit")
	}
	return tensor.Sigmoid(x), nil
}

func vector(m *ml.LoadedModel, outputs map[string]*tensor.Tensor, name string, dim int) ([]float32, error) {
	t, err := m.Output(outputs, name)
	if err != nil {
		return nil, err
	}
	if t.Len() != dim {
		return nil, ml.Errorf(ml.KindInferenceFailure, m.Descriptor.Name, "output %q has %d values, want %d", name, t.Len(), dim)
	}
	return append([]float32(nil), t.Data...), nil
}

// softMask applies the sigmoid to the first channel of the mask logits.
func softMask(m *ml.LoadedModel, outputs map[string]*tensor.Tensor) ([]float32, int, int, error) {
	logits, err := m.Output(outputs, ml.OutputMaskLogits)
	if err != nil {
		return nil, 0, 0, err
	}
	h, w, err := logits.Spatial()
	if err != nil {
		return nil, 0, 0, ml.Wrap(ml.KindInferenceFailure, m.Descriptor.Name, "mask logits", err)
	}
	return tensor.SigmoidAll(logits.Data[:h*w]), h, w, nil
}

func expectShape(model string, t *tensor.Tensor, shape ...int) error {
	if t == nil {
		return ml.Errorf(ml.KindMissingRequiredInput, model, "no input tensor")
	}
	if !tensor.SameShape(t.Shape, shape) {
		return ml.Errorf(ml.KindInferenceFailure, model, "input shape %v, want %v", t.Shape, shape)
	}
	return nil
}

// HandcraftedNames labels the handcrafted vessel descriptors in order.
var HandcraftedNames = handcraftedNames()

func handcraftedNames() []string {
	names := []string{"vessel_density", "vessel_std"}
	for i := 0; i < tensor.PercentileCount; i++ {
		names = append(names, fmt.Sprintf("percentile_%d", i*100/(tensor.PercentileCount-1)))
	}
	return names
}

// HandcraftedFeatures describes a soft probability mask by its mean, its
// population standard deviation and 13 evenly spaced percentiles.
func HandcraftedFeatures(soft []float32) ([]float64, error) {
	xs := tensor.Float64s(soft)
	mean, std := tensor.MeanStd(xs)
	ps, err := tensor.Percentiles(xs, tensor.PercentilePoints(tensor.PercentileCount))
	if err != nil {
		return nil, err
	}
	return append([]float64{mean, std}, ps...), nil
}
