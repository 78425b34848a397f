package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cvd-risk/internal/cfg"
	"cvd-risk/internal/common"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/tensor"

	"github.com/rs/zerolog/log"
)

// normEpsilon keeps the z-score finite for constant vectors.
const normEpsilon = 1e-8

// Normalizer standardizes the fusion feature vector before it reaches the
// meta-classifier.
type Normalizer interface {
	Normalize(features []float32) ([]float32, error)
	Name() string
}

// SampleNormalizer z-scores each vector with its own mean and standard
// deviation. The meta-classifier was trained on population statistics, so
// this mode is kept only for parity with existing deployments.
type SampleNormalizer struct {
	warnOnce sync.Once
}

func NewSampleNormalizer() *SampleNormalizer {
	return &SampleNormalizer{}
}

func (n *SampleNormalizer) Name() string {
	return common.NormalizationSample
}

func (n *SampleNormalizer) Normalize(features []float32) ([]float32, error) {
	n.warnOnce.Do(func() {
		log.Warn().
			Str("normalization", common.NormalizationSample).
			Msg("Fusion features are normalized with per-request statistics; configure population statistics for calibrated probabilities")
	})
	if len(features) == 0 {
		return nil, fmt.Errorf("empty feature vector")
	}

	mean, std := tensor.MeanStd(tensor.Float64s(features))
	out := make([]float32, len(features))
	for i, v := range features {
		out[i] = float32((float64(v) - mean) / (std + normEpsilon))
	}
	return out, nil
}

// NormalizationStats is the versioned per-feature statistics artifact.
type NormalizationStats struct {
	Version string    `json:"version"`
	Mean    []float64 `json:"mean"`
	Std     []float64 `json:"std"`
}

// PopulationNormalizer z-scores each feature with training-set statistics.
type PopulationNormalizer struct {
	stats NormalizationStats
	path  string
}

// LoadPopulationNormalizer reads the statistics artifact at path. When the
// file does not exist the newest normalization_*.json in the same directory
// is used instead.
func LoadPopulationNormalizer(path string) (*PopulationNormalizer, error) {
	resolved, err := resolveStatsPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read normalization stats: %w", err)
	}
	var stats NormalizationStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("parse normalization stats %s: %w", resolved, err)
	}
	if len(stats.Mean) != ml.FusionInputDim || len(stats.Std) != ml.FusionInputDim {
		return nil, fmt.Errorf("normalization stats %s have %d means and %d stds, want %d",
			resolved, len(stats.Mean), len(stats.Std), ml.FusionInputDim)
	}

	log.Info().
		Str("path", resolved).
		Str("version", stats.Version).
		Msg("Loaded fusion normalization statistics")
	return &PopulationNormalizer{stats: stats, path: resolved}, nil
}

func resolveStatsPath(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "normalization_*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("normalization stats %s not found", path)
	}

	type candidate struct {
		path string
		mod  int64
	}
	cands := make([]candidate, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: m, mod: info.ModTime().UnixNano()})
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("normalization stats %s not found", path)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mod != cands[j].mod {
			return cands[i].mod > cands[j].mod
		}
		return cands[i].path > cands[j].path
	})

	log.Warn().Str("requested", path).Str("using", cands[0].path).Msg("Normalization stats missing, falling back to newest artifact")
	return cands[0].path, nil
}

func (n *PopulationNormalizer) Name() string {
	return common.NormalizationPopulation
}

// Version returns the artifact version.
func (n *PopulationNormalizer) Version() string {
	return n.stats.Version
}

func (n *PopulationNormalizer) Normalize(features []float32) ([]float32, error) {
	if len(features) != len(n.stats.Mean) {
		return nil, fmt.Errorf("feature vector has %d values, statistics cover %d", len(features), len(n.stats.Mean))
	}
	out := make([]float32, len(features))
	for i, v := range features {
		out[i] = float32((float64(v) - n.stats.Mean[i]) / (n.stats.Std[i] + normEpsilon))
	}
	return out, nil
}

// NewNormalizer builds the normalizer selected in settings.
func NewNormalizer(settings cfg.Settings) (Normalizer, error) {
	switch settings.FusionNormalization {
	case common.NormalizationPopulation:
		n, err := LoadPopulationNormalizer(settings.FusionNormalizationStats)
		if err != nil {
			return nil, err
		}
		return n, nil
	case common.NormalizationSample, "":
		return NewSampleNormalizer(), nil
	}
	return nil, fmt.Errorf("unknown fusion normalization %q", settings.FusionNormalization)
}
