package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cvd-risk/internal/common"
)

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, settings Settings)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ModelDir != "models" {
					t.Errorf("expected default ModelDir 'models', got %s", settings.ModelDir)
				}
				if settings.Port != 8000 {
					t.Errorf("expected default Port 8000, got %d", settings.Port)
				}
				if settings.Device != common.DeviceAuto {
					t.Errorf("expected default device auto, got %s", settings.Device)
				}
				if settings.FusionNormalization != common.NormalizationSample {
					t.Errorf("expected sample normalization, got %s", settings.FusionNormalization)
				}
				if settings.RequestTimeout != 120*time.Second {
					t.Errorf("expected RequestTimeout 120s, got %v", settings.RequestTimeout)
				}
				if len(settings.Models) != len(common.ModelNames) {
					t.Fatalf("expected %d models, got %d", len(common.ModelNames), len(settings.Models))
				}
				htn := settings.Models[common.ModelHypertension]
				if htn.Path != filepath.Join("models", "hypertension.onnx") {
					t.Errorf("unexpected hypertension path %s", htn.Path)
				}
				want := "https://huggingface.co/carlwakim/cvd-risk-models/resolve/main/hypertension.onnx"
				if htn.URL != want {
					t.Errorf("expected URL %s, got %s", want, htn.URL)
				}
			},
		},
		{
			name: "per-model overrides",
			envVars: map[string]string{
				"MODEL_DIR":                  "/srv/weights",
				"HF_MODEL_REPO":              "acme/cvd",
				"FUSION_MODEL_PATH":          "/opt/fusion.safetensors",
				"FUSION_MODEL_FORMAT":        "SafeTensors",
				"VESSEL_MODEL_URL":           "none",
				"CIMT_MODEL_SHA256":          "ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
				"STRICT_LOAD":                "true",
				"DEVICE":                     "cpu",
				"FUSION_NORMALIZATION":       "population",
				"FUSION_NORMALIZATION_STATS": "/srv/weights/normalization_v1.json",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				fusion := settings.Models[common.ModelFusion]
				if fusion.Path != "/opt/fusion.safetensors" {
					t.Errorf("expected fusion path override, got %s", fusion.Path)
				}
				if fusion.Format != "safetensors" {
					t.Errorf("expected lower-cased format, got %s", fusion.Format)
				}
				if settings.Models[common.ModelVessel].URL != "" {
					t.Errorf("expected vessel URL disabled, got %s", settings.Models[common.ModelVessel].URL)
				}
				if settings.Models[common.ModelCIMT].SHA256[:6] != "abcdef" {
					t.Errorf("expected lower-cased digest, got %s", settings.Models[common.ModelCIMT].SHA256)
				}
				htn := settings.Models[common.ModelHypertension]
				if htn.Path != filepath.Join("/srv/weights", "hypertension.onnx") {
					t.Errorf("expected path under MODEL_DIR, got %s", htn.Path)
				}
				if htn.URL != "https://huggingface.co/acme/cvd/resolve/main/hypertension.onnx" {
					t.Errorf("expected URL from HF_MODEL_REPO, got %s", htn.URL)
				}
				if !settings.StrictLoad {
					t.Error("expected StrictLoad to be true")
				}
			},
		},
		{
			name: "invalid device",
			envVars: map[string]string{
				"DEVICE": "tpu",
			},
			wantErr: true,
		},
		{
			name: "population normalization without stats",
			envVars: map[string]string{
				"FUSION_NORMALIZATION": "population",
			},
			wantErr: true,
		},
		{
			name: "metrics port collides with API port",
			envVars: map[string]string{
				"PORT":         "9090",
				"METRICS_PORT": "9090",
			},
			wantErr: true,
		},
		{
			name: "unsupported checkpoint format",
			envVars: map[string]string{
				"HYPERTENSION_MODEL_FORMAT": "pt",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			settings, err := loadFromEnv()

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name         string
		yamlContent  string
		envOverrides map[string]string
		wantErr      bool
		validate     func(t *testing.T, settings Settings)
	}{
		{
			name: "valid YAML config",
			yamlContent: `
models:
  dir: "/data/models"
  device: "cpu"
  strictLoad: true
  warmup: true
  items:
    fusion:
      path: "/data/models/fusion.safetensors"
      format: "safetensors"
      url: "none"

fusion:
  normalization: "population"
  normalizationStats: "/data/models/normalization_v2.json"

system:
  port: 8080
  metricsPort: 9100
  downloadTimeout: "5m"
  requestTimeout: "30s"
  maxUploadBytes: 1048576
`,
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ModelDir != "/data/models" {
					t.Errorf("expected ModelDir '/data/models', got %s", settings.ModelDir)
				}
				if settings.Port != 8080 {
					t.Errorf("expected Port 8080, got %d", settings.Port)
				}
				if settings.MetricsPort != 9100 {
					t.Errorf("expected MetricsPort 9100, got %d", settings.MetricsPort)
				}
				if settings.DownloadTimeout != 5*time.Minute {
					t.Errorf("expected DownloadTimeout 5m, got %v", settings.DownloadTimeout)
				}
				if settings.RequestTimeout != 30*time.Second {
					t.Errorf("expected RequestTimeout 30s, got %v", settings.RequestTimeout)
				}
				if settings.MaxUploadBytes != 1<<20 {
					t.Errorf("expected MaxUploadBytes 1MiB, got %d", settings.MaxUploadBytes)
				}
				if !settings.StrictLoad || !settings.Warmup {
					t.Error("expected StrictLoad and Warmup to be true")
				}
				fusion := settings.Models[common.ModelFusion]
				if fusion.Format != "safetensors" || fusion.URL != "" {
					t.Errorf("unexpected fusion settings %+v", fusion)
				}
				cimt := settings.Models[common.ModelCIMT]
				if cimt.Path != filepath.Join("/data/models", "cimt_reg.onnx") {
					t.Errorf("expected default cimt path under dir, got %s", cimt.Path)
				}
			},
		},
		{
			name: "YAML with env overrides",
			yamlContent: `
models:
  dir: "/data/models"
system:
  port: 8080
  requestTimeout: "30s"
`,
			envOverrides: map[string]string{
				"PORT":            "8500",
				"REQUEST_TIMEOUT": "45s",
				"DEVICE":          "cuda",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.Port != 8500 {
					t.Errorf("expected Port override 8500, got %d", settings.Port)
				}
				if settings.RequestTimeout != 45*time.Second {
					t.Errorf("expected RequestTimeout override 45s, got %v", settings.RequestTimeout)
				}
				if settings.Device != common.DeviceCUDA {
					t.Errorf("expected device cuda, got %s", settings.Device)
				}
			},
		},
		{
			name:        "invalid YAML",
			yamlContent: "models: [unterminated",
			wantErr:     true,
		},
		{
			name: "invalid SHA-256 pin",
			yamlContent: `
models:
  items:
    cimt:
      sha256: "deadbeef"
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yamlContent), 0644); err != nil {
				t.Fatalf("failed to write test config file: %v", err)
			}

			for key, value := range tt.envOverrides {
				t.Setenv(key, value)
			}

			settings, err := loadFromYAML(configPath)

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoadUsesConfigFile(t *testing.T) {
	clearTestEnv(t)

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("system:\n  port: 8123\n"), 0644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", configPath)

	settings, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Port != 8123 {
		t.Errorf("expected Port 8123 from config file, got %d", settings.Port)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

// clearTestEnv clears potentially conflicting environment variables
func clearTestEnv(t *testing.T) {
	envVars := []string{
		"CONFIG_FILE", "MODEL_DIR", "HF_MODEL_REPO", "PORT", "METRICS_PORT",
		"DATA_PATH", "DOWNLOAD_TIMEOUT", "REQUEST_TIMEOUT", "MAX_UPLOAD_BYTES",
		"DEVICE", "ONNXRUNTIME_LIB", "FUSION_NORMALIZATION", "FUSION_NORMALIZATION_STATS",
		"STRICT_LOAD", "WARMUP", "LOG_LEVEL", "LOG_FORMAT",
	}
	for _, name := range common.ModelNames {
		for _, suffix := range []string{
			common.EnvSuffixModelURL, common.EnvSuffixModelPath,
			common.EnvSuffixModelSHA256, common.EnvSuffixModelFormat,
		} {
			envVars = append(envVars, modelEnvKey(name, suffix))
		}
	}

	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			t.Setenv(env, "")
		}
	}
}
