package ml

import "cvd-risk/internal/common"

// Tensor names of the exported graphs
const (
	InputImage      = "image"
	InputLeftImage  = "left_image"
	InputRightImage = "right_image"
	InputClinical   = "clinical"
	InputFeatures   = "features"

	OutputLogits     = "logits"
	OutputEmbedding  = "embedding"
	OutputPrediction = "prediction"
	OutputMaskLogits = "mask_logits"
	OutputFeatures   = "features"
)

// Fixed dimensions shared by the engines and the fusion assembler
const (
	ClassifierSize   = 224
	SegmentationSize = 512

	HypertensionEmbeddingDim = 1024
	CIMTEmbeddingDim         = 128
	VesselFeatureDim         = 256
	ClinicalDim              = 3
	HandcraftedDim           = 15

	// FusionInputDim is 1025 + 129 + 271.
	FusionInputDim = (1 + HypertensionEmbeddingDim) + (1 + CIMTEmbeddingDim) + (VesselFeatureDim + HandcraftedDim)
)

// TensorSpec names a graph input or output and its shape. A negative
// dimension accepts any size.
type TensorSpec struct {
	Name  string
	Shape []int64
}

// Architecture is the fixed network contract bound to a model name.
type Architecture struct {
	Tag     string
	Inputs  []TensorSpec
	Outputs []TensorSpec

	// Native builds an in-process network from a parameter dictionary. Nil
	// when the architecture can only be served from an exported graph.
	Native func() NativeNetwork
}

// Output returns the declared spec of the named output.
func (a *Architecture) Output(name string) (TensorSpec, bool) {
	for _, o := range a.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return TensorSpec{}, false
}

var (
	hypertensionArch = &Architecture{
		Tag: "retfound_classifier",
		Inputs: []TensorSpec{
			{Name: InputImage, Shape: []int64{1, 3, ClassifierSize, ClassifierSize}},
		},
		Outputs: []TensorSpec{
			{Name: OutputLogits, Shape: []int64{1, 1}},
			{Name: OutputEmbedding, Shape: []int64{1, HypertensionEmbeddingDim}},
		},
	}

	cimtArch = &Architecture{
		Tag: "siamese_multimodal_cimt_regression",
		Inputs: []TensorSpec{
			{Name: InputLeftImage, Shape: []int64{1, 3, ClassifierSize, ClassifierSize}},
			{Name: InputRightImage, Shape: []int64{1, 3, ClassifierSize, ClassifierSize}},
			{Name: InputClinical, Shape: []int64{1, ClinicalDim}},
		},
		Outputs: []TensorSpec{
			{Name: OutputPrediction, Shape: []int64{1, 1}},
			{Name: OutputEmbedding, Shape: []int64{1, CIMTEmbeddingDim}},
		},
	}

	vesselArch = &Architecture{
		Tag: "unet",
		Inputs: []TensorSpec{
			{Name: InputImage, Shape: []int64{1, 3, SegmentationSize, SegmentationSize}},
		},
		Outputs: []TensorSpec{
			{Name: OutputMaskLogits, Shape: []int64{1, 1, SegmentationSize, SegmentationSize}},
			{Name: OutputFeatures, Shape: []int64{1, VesselFeatureDim}},
		},
	}

	fusionArch = &Architecture{
		Tag: "fusion_meta_classifier",
		Inputs: []TensorSpec{
			{Name: InputFeatures, Shape: []int64{1, FusionInputDim}},
		},
		Outputs: []TensorSpec{
			{Name: OutputLogits, Shape: []int64{1, 1}},
		},
		Native: func() NativeNetwork { return NewFusionMLP() },
	}
)

// Architectures maps each model name to its network contract.
var Architectures = map[string]*Architecture{
	common.ModelHypertension: hypertensionArch,
	common.ModelCIMT:         cimtArch,
	common.ModelVessel:       vesselArch,
	common.ModelFusion:       fusionArch,
}

// compatibleShape reports whether a declared graph shape satisfies want.
// Negative dimensions on either side are wildcards.
func compatibleShape(want, got []int64) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] < 0 || got[i] < 0 {
			continue
		}
		if want[i] != got[i] {
			return false
		}
	}
	return true
}
