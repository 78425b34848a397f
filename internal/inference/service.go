package inference

import (
	"context"
	"encoding/base64"
	"image"
	"time"

	"cvd-risk/internal/common"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/preprocess"
	"cvd-risk/internal/tensor"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines the metrics the prediction service records.
type MetricsInterface interface {
	PredictionsInc(model string)
	PredictionFailuresInc(model, kind string)
	PredictionLatencyObserve(model string, seconds float64)
	PredictionScoresObserve(model string, v float64)
}

// Registry is the part of the model registry the service uses.
type Registry interface {
	ModelSource
	Descriptor(name string) (ml.Descriptor, error)
}

// Request carries the raw inputs of one prediction. Hypertension and vessel
// read Image; cimt and fusion read LeftImage and RightImage.
type Request struct {
	Model      string
	Image      []byte
	LeftImage  []byte
	RightImage []byte
	Clinical   *Clinical
}

// Result is one of HypertensionResult, CIMTResult, VesselResult or
// FusionResult.
type Result interface {
	ModelName() string
}

type HypertensionResult struct {
	Prediction int     `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

func (HypertensionResult) ModelName() string { return common.ModelHypertension }

type CIMTResult struct {
	Prediction float64 `json:"prediction"`
	Value      float64 `json:"value"`
}

func (CIMTResult) ModelName() string { return common.ModelCIMT }

type VesselResult struct {
	// MaskedImage is the base64 PNG of the binary vessel mask.
	MaskedImage string             `json:"masked_image"`
	Features    map[string]float64 `json:"features"`
}

func (VesselResult) ModelName() string { return common.ModelVessel }

type FusionResult struct {
	Prediction  int              `json:"prediction"`
	Probability float64          `json:"probability"`
	Components  FusionComponents `json:"components"`
}

func (FusionResult) ModelName() string { return common.ModelFusion }

// NeedsPair reports whether model takes a left/right eye pair.
func NeedsPair(model string) bool {
	return model == common.ModelCIMT || model == common.ModelFusion
}

// Service is the single prediction entry point.
type Service struct {
	registry Registry
	fusion   *FusionAssembler
	metrics  MetricsInterface
}

// NewService wires the service. metrics may be nil.
func NewService(registry Registry, normalizer Normalizer, metrics MetricsInterface) *Service {
	return &Service{
		registry: registry,
		fusion:   NewFusionAssembler(registry, normalizer),
		metrics:  metrics,
	}
}

// Predict validates the request, prepares its images and runs the requested
// model. Every failure is an *ml.Error.
func (s *Service) Predict(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := s.predict(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		kind := ml.KindOf(err)
		if s.metrics != nil {
			label := req.Model
			if kind == ml.KindInvalidModelName {
				label = "unknown"
			}
			s.metrics.PredictionFailuresInc(label, string(kind))
		}
		event := log.Error()
		if ml.IsClientFault(err) {
			event = log.Warn()
		}
		event.Err(err).Str("model", req.Model).Str("kind", string(kind)).Msg("Prediction failed")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PredictionsInc(req.Model)
		s.metrics.PredictionLatencyObserve(req.Model, elapsed.Seconds())
		if score, ok := scoreOf(res); ok {
			s.metrics.PredictionScoresObserve(req.Model, score)
		}
	}
	log.Debug().Str("model", req.Model).Dur("duration", elapsed).Msg("Prediction served")
	return res, nil
}

func (s *Service) predict(ctx context.Context, req Request) (Result, error) {
	if _, err := s.registry.Descriptor(req.Model); err != nil {
		return nil, err
	}

	if NeedsPair(req.Model) {
		if len(req.LeftImage) == 0 || len(req.RightImage) == 0 {
			return nil, ml.Errorf(ml.KindMissingRequiredInput, req.Model, "model %q requires both left_image and right_image", req.Model)
		}
		left, _, err := prepare(req.Model, "left_image", req.LeftImage, preprocess.Classifier)
		if err != nil {
			return nil, err
		}
		right, _, err := prepare(req.Model, "right_image", req.RightImage, preprocess.Classifier)
		if err != nil {
			return nil, err
		}
		if req.Model == common.ModelCIMT {
			return s.predictCIMT(ctx, left, right, req.Clinical)
		}
		return s.predictFusion(ctx, left, right, req.Clinical)
	}

	if len(req.Image) == 0 {
		return nil, ml.Errorf(ml.KindMissingRequiredInput, req.Model, "model %q requires 'image'", req.Model)
	}
	if req.Model == common.ModelVessel {
		img, bounds, err := prepare(req.Model, "image", req.Image, preprocess.Segmentation)
		if err != nil {
			return nil, err
		}
		return s.predictVessel(ctx, img, bounds)
	}
	img, _, err := prepare(req.Model, "image", req.Image, preprocess.Classifier)
	if err != nil {
		return nil, err
	}
	return s.predictHypertension(ctx, img)
}

func (s *Service) predictHypertension(ctx context.Context, img *tensor.Tensor) (Result, error) {
	m, err := s.registry.Get(ctx, common.ModelHypertension)
	if err != nil {
		return nil, err
	}
	out, err := Hypertension(m, img, false)
	if err != nil {
		return nil, err
	}
	return HypertensionResult{Prediction: out.Label, Confidence: out.Confidence}, nil
}

func (s *Service) predictCIMT(ctx context.Context, left, right *tensor.Tensor, clinical *Clinical) (Result, error) {
	m, err := s.registry.Get(ctx, common.ModelCIMT)
	if err != nil {
		return nil, err
	}
	out, err := CIMT(m, left, right, clinical, false)
	if err != nil {
		return nil, err
	}
	return CIMTResult{Prediction: out.Value, Value: out.Value}, nil
}

func (s *Service) predictVessel(ctx context.Context, img *tensor.Tensor, bounds image.Rectangle) (Result, error) {
	m, err := s.registry.Get(ctx, common.ModelVessel)
	if err != nil {
		return nil, err
	}
	out, err := VesselSegment(m, img, bounds)
	if err != nil {
		return nil, err
	}
	return VesselResult{
		MaskedImage: base64.StdEncoding.EncodeToString(out.MaskPNG),
		Features:    out.Features(),
	}, nil
}

func (s *Service) predictFusion(ctx context.Context, left, right *tensor.Tensor, clinical *Clinical) (Result, error) {
	out, err := s.fusion.Predict(ctx, left, right, clinical)
	if err != nil {
		return nil, err
	}
	return FusionResult{Prediction: out.Label, Probability: out.Probability, Components: out.Components}, nil
}

// prepare decodes one upload and converts it for target. The bounds of the
// decoded image are returned for mask rendering.
func prepare(model, field string, data []byte, target preprocess.Target) (*tensor.Tensor, image.Rectangle, error) {
	img, err := preprocess.Decode(data)
	if err != nil {
		return nil, image.Rectangle{}, ml.Errorf(ml.KindInvalidImage, model, "%s: %w", field, err)
	}
	t, err := preprocess.Prepare(img, target)
	if err != nil {
		return nil, image.Rectangle{}, ml.Errorf(ml.KindInvalidImage, model, "%s: %v", field, err)
	}
	return t, img.Bounds(), nil
}

func scoreOf(res Result) (float64, bool) {
	switch r := res.(type) {
	case HypertensionResult:
		return r.Confidence, true
	case CIMTResult:
		return r.Value, true
	case FusionResult:
		return r.Probability, true
	}
	return 0, false
}
