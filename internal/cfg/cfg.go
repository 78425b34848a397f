package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cvd-risk/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NoURL disables remote acquisition for a model when used as its URL.
const NoURL = "none"

type Settings struct {
	ModelDir                 string
	HFRepo                   string
	Models                   map[string]ModelSettings
	Port                     int
	MetricsPort              int
	DataPath                 string
	DownloadTimeout          time.Duration
	RequestTimeout           time.Duration
	MaxUploadBytes           int64
	Device                   string
	ONNXRuntimeLib           string
	FusionNormalization      string
	FusionNormalizationStats string
	StrictLoad               bool
	Warmup                   bool
	LogLevel                 string
	LogFormat                string
}

// ModelSettings locates one model's weight file. An empty URL means no
// remote source is configured.
type ModelSettings struct {
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
	Format string `yaml:"format"`
}

type ConfigFile struct {
	Models struct {
		Dir    string                   `yaml:"dir"`
		HFRepo string                   `yaml:"hfRepo"`
		Device string                   `yaml:"device"`
		Strict bool                     `yaml:"strictLoad"`
		Warmup bool                     `yaml:"warmup"`
		Items  map[string]ModelSettings `yaml:"items"`
	} `yaml:"models"`

	Fusion struct {
		Normalization      string `yaml:"normalization"`
		NormalizationStats string `yaml:"normalizationStats"`
	} `yaml:"fusion"`

	Runtime struct {
		ONNXRuntimeLib string `yaml:"onnxruntimeLib"`
	} `yaml:"runtime"`

	System struct {
		Port            int    `yaml:"port"`
		MetricsPort     int    `yaml:"metricsPort"`
		DataPath        string `yaml:"dataPath"`
		DownloadTimeout string `yaml:"downloadTimeout"`
		RequestTimeout  string `yaml:"requestTimeout"`
		MaxUploadBytes  int64  `yaml:"maxUploadBytes"`
		LogLevel        string `yaml:"logLevel"`
		LogFormat       string `yaml:"logFormat"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	downloadTimeout, err := time.ParseDuration(config.System.DownloadTimeout)
	if err != nil {
		downloadTimeout = common.DefaultDownloadTimeout
	}

	requestTimeout, err := time.ParseDuration(config.System.RequestTimeout)
	if err != nil {
		requestTimeout = common.DefaultRequestTimeout
	}

	modelDir := getEnvOrDefault(common.EnvModelDir, stringOrDefault(config.Models.Dir, common.DefaultModelDir))
	hfRepo := getEnvOrDefault(common.EnvHFModelRepo, stringOrDefault(config.Models.HFRepo, common.DefaultHFModelRepo))

	settings := Settings{
		ModelDir:                 modelDir,
		HFRepo:                   hfRepo,
		Models:                   resolveModels(modelDir, hfRepo, config.Models.Items),
		Port:                     getIntFromEnvOrConfig(common.EnvPort, config.System.Port, common.DefaultPort),
		MetricsPort:              getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		DataPath:                 getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		DownloadTimeout:          getDurationOrDefault(common.EnvDownloadTimeout, downloadTimeout),
		RequestTimeout:           getDurationOrDefault(common.EnvRequestTimeout, requestTimeout),
		MaxUploadBytes:           getInt64FromEnvOrConfig(common.EnvMaxUploadBytes, config.System.MaxUploadBytes, common.DefaultMaxUploadBytes),
		Device:                   getEnvOrDefault(common.EnvDevice, stringOrDefault(config.Models.Device, common.DefaultDevice)),
		ONNXRuntimeLib:           getEnvOrDefault(common.EnvONNXRuntimeLib, config.Runtime.ONNXRuntimeLib),
		FusionNormalization:      getEnvOrDefault(common.EnvFusionNormalization, stringOrDefault(config.Fusion.Normalization, common.DefaultFusionNormalization)),
		FusionNormalizationStats: getEnvOrDefault(common.EnvFusionNormalizationPath, config.Fusion.NormalizationStats),
		StrictLoad:               getBoolFromEnvOrConfig(common.EnvStrictLoad, config.Models.Strict),
		Warmup:                   getBoolFromEnvOrConfig(common.EnvWarmup, config.Models.Warmup),
		LogLevel:                 getEnvOrDefault(common.EnvLogLevel, stringOrDefault(config.System.LogLevel, common.DefaultLogLevel)),
		LogFormat:                getEnvOrDefault(common.EnvLogFormat, config.System.LogFormat),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	modelDir := getEnvOrDefault(common.EnvModelDir, common.DefaultModelDir)
	hfRepo := getEnvOrDefault(common.EnvHFModelRepo, common.DefaultHFModelRepo)

	settings := Settings{
		ModelDir:                 modelDir,
		HFRepo:                   hfRepo,
		Models:                   resolveModels(modelDir, hfRepo, nil),
		Port:                     getIntOrDefault(common.EnvPort, common.DefaultPort),
		MetricsPort:              getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		DataPath:                 os.Getenv(common.EnvDataPath), // optional
		DownloadTimeout:          getDurationOrDefault(common.EnvDownloadTimeout, common.DefaultDownloadTimeout),
		RequestTimeout:           getDurationOrDefault(common.EnvRequestTimeout, common.DefaultRequestTimeout),
		MaxUploadBytes:           getInt64OrDefault(common.EnvMaxUploadBytes, common.DefaultMaxUploadBytes),
		Device:                   getEnvOrDefault(common.EnvDevice, common.DefaultDevice),
		ONNXRuntimeLib:           os.Getenv(common.EnvONNXRuntimeLib),
		FusionNormalization:      getEnvOrDefault(common.EnvFusionNormalization, common.DefaultFusionNormalization),
		FusionNormalizationStats: os.Getenv(common.EnvFusionNormalizationPath),
		StrictLoad:               getBoolOrDefault(common.EnvStrictLoad, false),
		Warmup:                   getBoolOrDefault(common.EnvWarmup, false),
		LogLevel:                 getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:                os.Getenv(common.EnvLogFormat),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// resolveModels builds the per-model settings. Precedence is environment,
// then config file, then the defaults derived from the model directory and
// the Hugging Face repository.
func resolveModels(modelDir, hfRepo string, fromFile map[string]ModelSettings) map[string]ModelSettings {
	models := make(map[string]ModelSettings, len(common.ModelNames))
	for _, name := range common.ModelNames {
		file := common.DefaultModelFiles[name]
		ms := fromFile[name]

		ms.Path = getEnvOrDefault(modelEnvKey(name, common.EnvSuffixModelPath),
			stringOrDefault(ms.Path, filepath.Join(modelDir, file)))
		ms.URL = getEnvOrDefault(modelEnvKey(name, common.EnvSuffixModelURL),
			stringOrDefault(ms.URL, DefaultModelURL(hfRepo, file)))
		if strings.EqualFold(ms.URL, NoURL) {
			ms.URL = ""
		}
		ms.SHA256 = strings.ToLower(getEnvOrDefault(modelEnvKey(name, common.EnvSuffixModelSHA256), ms.SHA256))
		ms.Format = strings.ToLower(getEnvOrDefault(modelEnvKey(name, common.EnvSuffixModelFormat), ms.Format))

		models[name] = ms
	}
	return models
}

// DefaultModelURL returns the Hugging Face resolve URL for a file in repo.
func DefaultModelURL(repo, file string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", common.DefaultHFBaseURL, repo, file)
}

func modelEnvKey(name, suffix string) string {
	return strings.ToUpper(name) + suffix
}

func stringOrDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getInt64FromEnvOrConfig(key string, configValue, defaultValue int64) int64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings performs range and enum validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.ModelDir == "" {
		return fmt.Errorf("model directory cannot be empty")
	}

	if settings.Port < common.MinPort || settings.Port > common.MaxPort {
		return fmt.Errorf("port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.Port)
	}
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.MetricsPort == settings.Port {
		return fmt.Errorf("metrics port must differ from API port %d", settings.Port)
	}

	if settings.DownloadTimeout < common.MinDownloadTimeout || settings.DownloadTimeout > common.MaxDownloadTimeout {
		return fmt.Errorf("download timeout must be between %v and %v, got %v",
			common.MinDownloadTimeout, common.MaxDownloadTimeout, settings.DownloadTimeout)
	}
	if settings.RequestTimeout < common.MinRequestTimeout || settings.RequestTimeout > common.MaxRequestTimeout {
		return fmt.Errorf("request timeout must be between %v and %v, got %v",
			common.MinRequestTimeout, common.MaxRequestTimeout, settings.RequestTimeout)
	}
	if settings.MaxUploadBytes < common.MinUploadBytes || settings.MaxUploadBytes > common.MaxUploadBytes {
		return fmt.Errorf("max upload bytes must be between %d and %d, got %d",
			common.MinUploadBytes, common.MaxUploadBytes, settings.MaxUploadBytes)
	}

	switch settings.Device {
	case common.DeviceAuto, common.DeviceCPU, common.DeviceCUDA:
	default:
		return fmt.Errorf("device must be one of auto, cpu, cuda, got %q", settings.Device)
	}

	switch settings.FusionNormalization {
	case common.NormalizationSample:
	case common.NormalizationPopulation:
		if settings.FusionNormalizationStats == "" {
			return fmt.Errorf("population normalization requires %s", common.EnvFusionNormalizationPath)
		}
	default:
		return fmt.Errorf("fusion normalization must be sample or population, got %q", settings.FusionNormalization)
	}

	for name, ms := range settings.Models {
		if ms.Path == "" {
			return fmt.Errorf("model %s: path cannot be empty", name)
		}
		if ms.SHA256 != "" && len(ms.SHA256) != 64 {
			return fmt.Errorf("model %s: sha256 must be 64 hex characters, got %d", name, len(ms.SHA256))
		}
		switch ms.Format {
		case "", "onnx", "safetensors":
		default:
			return fmt.Errorf("model %s: unsupported checkpoint format %q", name, ms.Format)
		}
	}

	return nil
}
