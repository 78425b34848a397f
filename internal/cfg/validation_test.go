package cfg

import (
	"strings"
	"testing"
	"time"

	"cvd-risk/internal/common"
)

// createValidSettings creates a valid Settings struct for testing
func createValidSettings() *Settings {
	return &Settings{
		ModelDir:            "models",
		HFRepo:              common.DefaultHFModelRepo,
		Models:              resolveModels("models", common.DefaultHFModelRepo, nil),
		Port:                8000,
		MetricsPort:         9090,
		DownloadTimeout:     10 * time.Minute,
		RequestTimeout:      2 * time.Minute,
		MaxUploadBytes:      32 << 20,
		Device:              common.DeviceAuto,
		FusionNormalization: common.NormalizationSample,
		LogLevel:            "info",
	}
}

func TestValidateSettings_ValidConfig(t *testing.T) {
	settings := createValidSettings()

	if err := validateSettings(settings); err != nil {
		t.Errorf("Expected valid config to pass, got error: %v", err)
	}
}

func TestValidateSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantMsg string
	}{
		{"empty model dir", func(s *Settings) { s.ModelDir = "" }, "model directory"},
		{"port too low", func(s *Settings) { s.Port = 80 }, "port must be between"},
		{"metrics port too high", func(s *Settings) { s.MetricsPort = 70000 }, "metrics port"},
		{"download timeout too short", func(s *Settings) { s.DownloadTimeout = time.Millisecond }, "download timeout"},
		{"request timeout too long", func(s *Settings) { s.RequestTimeout = time.Hour }, "request timeout"},
		{"upload limit too small", func(s *Settings) { s.MaxUploadBytes = 10 }, "max upload bytes"},
		{"unknown device", func(s *Settings) { s.Device = "metal" }, "device must be"},
		{"unknown normalization", func(s *Settings) { s.FusionNormalization = "batch" }, "fusion normalization"},
		{"empty model path", func(s *Settings) {
			ms := s.Models[common.ModelCIMT]
			ms.Path = ""
			s.Models[common.ModelCIMT] = ms
		}, "path cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := createValidSettings()
			tt.mutate(settings)

			err := validateSettings(settings)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestDefaultModelURL(t *testing.T) {
	got := DefaultModelURL("org/repo", "vessel.onnx")
	if got != "https://huggingface.co/org/repo/resolve/main/vessel.onnx" {
		t.Errorf("unexpected URL %s", got)
	}
}
