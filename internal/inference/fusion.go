package inference

import (
	"context"

	"cvd-risk/internal/common"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/tensor"

	"golang.org/x/sync/errgroup"
)

// Fusion vector block sizes, in order.
const (
	HypertensionBlock = 1 + ml.HypertensionEmbeddingDim
	CIMTBlock         = 1 + ml.CIMTEmbeddingDim
	VesselBlock       = ml.VesselFeatureDim + ml.HandcraftedDim
)

// ModelSource hands out loaded models by name.
type ModelSource interface {
	Get(ctx context.Context, name string) (*ml.LoadedModel, error)
}

// FusionComponents summarizes the base-model signals behind a fusion
// prediction.
type FusionComponents struct {
	Hypertension  int     `json:"hypertension"`
	CIMT          float64 `json:"cimt"`
	VesselDensity float64 `json:"vessel_density"`
}

// FusionFeatures is an assembled, not yet normalized, fusion vector.
type FusionFeatures struct {
	Vector     []float32
	Components FusionComponents
}

// FusionPrediction is the ensemble outcome.
type FusionPrediction struct {
	Probability float64
	Label       int
	Components  FusionComponents
}

// FusionAssembler runs the three base models in embedding mode, lays their
// outputs out in the meta-classifier's input order and evaluates it.
type FusionAssembler struct {
	models     ModelSource
	normalizer Normalizer
}

func NewFusionAssembler(models ModelSource, normalizer Normalizer) *FusionAssembler {
	if normalizer == nil {
		normalizer = NewSampleNormalizer()
	}
	return &FusionAssembler{models: models, normalizer: normalizer}
}

// Assemble builds the 1425-value vector from a left/right pair of
// classifier tensors. The vessel input is resampled from the left tensor.
func (a *FusionAssembler) Assemble(ctx context.Context, left, right *tensor.Tensor, clinical *Clinical) (FusionFeatures, error) {
	htnModel, err := a.models.Get(ctx, common.ModelHypertension)
	if err != nil {
		return FusionFeatures{}, err
	}
	cimtModel, err := a.models.Get(ctx, common.ModelCIMT)
	if err != nil {
		return FusionFeatures{}, err
	}
	vesselModel, err := a.models.Get(ctx, common.ModelVessel)
	if err != nil {
		return FusionFeatures{}, err
	}

	cimtLeft, err := tensor.ResizeBilinear(left, ml.ClassifierSize, ml.ClassifierSize)
	if err != nil {
		return FusionFeatures{}, ml.Wrap(ml.KindInferenceFailure, common.ModelCIMT, "resample left", err)
	}
	cimtRight, err := tensor.ResizeBilinear(right, ml.ClassifierSize, ml.ClassifierSize)
	if err != nil {
		return FusionFeatures{}, ml.Wrap(ml.KindInferenceFailure, common.ModelCIMT, "resample right", err)
	}
	vesselIn, err := tensor.ResizeBilinear(left, ml.SegmentationSize, ml.SegmentationSize)
	if err != nil {
		return FusionFeatures{}, ml.Wrap(ml.KindInferenceFailure, common.ModelVessel, "resample left", err)
	}

	var (
		htn    HypertensionOutput
		cimt   CIMTOutput
		vessel VesselEmbedding
		g      errgroup.Group
	)
	g.Go(func() (err error) {
		htn, err = Hypertension(htnModel, left, true)
		return err
	})
	g.Go(func() (err error) {
		cimt, err = CIMT(cimtModel, cimtLeft, cimtRight, clinical, true)
		return err
	})
	g.Go(func() (err error) {
		vessel, err = VesselEmbed(vesselModel, vesselIn)
		return err
	})
	if err := g.Wait(); err != nil {
		return FusionFeatures{}, err
	}

	vec := make([]float32, 0, ml.FusionInputDim)
	vec = append(vec, float32(htn.Probability))
	vec = append(vec, htn.Embedding...)
	vec = append(vec, float32(cimt.Raw))
	vec = append(vec, cimt.Embedding...)
	vec = append(vec, vessel.Learned...)
	for _, v := range vessel.Handcrafted {
		vec = append(vec, float32(v))
	}
	if len(vec) != ml.FusionInputDim {
		return FusionFeatures{}, ml.Errorf(ml.KindInferenceFailure, common.ModelFusion,
			"assembled %d features, want %d", len(vec), ml.FusionInputDim)
	}

	return FusionFeatures{
		Vector: vec,
		Components: FusionComponents{
			Hypertension:  htn.Label,
			CIMT:          cimt.Raw,
			VesselDensity: vessel.Handcrafted[0],
		},
	}, nil
}

// Predict assembles, normalizes and classifies.
func (a *FusionAssembler) Predict(ctx context.Context, left, right *tensor.Tensor, clinical *Clinical) (FusionPrediction, error) {
	fusionModel, err := a.models.Get(ctx, common.ModelFusion)
	if err != nil {
		return FusionPrediction{}, err
	}

	features, err := a.Assemble(ctx, left, right, clinical)
	if err != nil {
		return FusionPrediction{}, err
	}
	normalized, err := a.normalizer.Normalize(features.Vector)
	if err != nil {
		return FusionPrediction{}, ml.Wrap(ml.KindInferenceFailure, common.ModelFusion, "normalize "+a.normalizer.Name(), err)
	}

	out, err := Fusion(fusionModel, normalized)
	if err != nil {
		return FusionPrediction{}, err
	}
	return FusionPrediction{
		Probability: out.Probability,
		Label:       out.Label,
		Components:  features.Components,
	}, nil
}
