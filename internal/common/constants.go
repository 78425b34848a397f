package common

import "time"

// Logical model names
const (
	ModelHypertension = "hypertension"
	ModelCIMT         = "cimt"
	ModelVessel       = "vessel"
	ModelFusion       = "fusion"
)

// ModelNames lists every servable model in a stable order.
var ModelNames = []string{ModelHypertension, ModelCIMT, ModelVessel, ModelFusion}

// Environment variable keys
const (
	EnvConfigFile              = "CONFIG_FILE"
	EnvModelDir                = "MODEL_DIR"
	EnvHFModelRepo             = "HF_MODEL_REPO"
	EnvPort                    = "PORT"
	EnvMetricsPort             = "METRICS_PORT"
	EnvDataPath                = "DATA_PATH"
	EnvDownloadTimeout         = "DOWNLOAD_TIMEOUT"
	EnvRequestTimeout          = "REQUEST_TIMEOUT"
	EnvMaxUploadBytes          = "MAX_UPLOAD_BYTES"
	EnvDevice                  = "DEVICE"
	EnvONNXRuntimeLib          = "ONNXRUNTIME_LIB"
	EnvFusionNormalization     = "FUSION_NORMALIZATION"
	EnvFusionNormalizationPath = "FUSION_NORMALIZATION_STATS"
	EnvStrictLoad              = "STRICT_LOAD"
	EnvWarmup                  = "WARMUP"
	EnvLogLevel                = "LOG_LEVEL"
	EnvLogFormat               = "LOG_FORMAT"
)

// Per-model environment key suffixes. The full key is the upper-cased model
// name followed by the suffix, e.g. HYPERTENSION_MODEL_URL.
const (
	EnvSuffixModelURL    = "_MODEL_URL"
	EnvSuffixModelPath   = "_MODEL_PATH"
	EnvSuffixModelSHA256 = "_MODEL_SHA256"
	EnvSuffixModelFormat = "_MODEL_FORMAT"
)

// Configuration defaults
const (
	DefaultModelDir            = "models"
	DefaultHFModelRepo         = "carlwakim/cvd-risk-models"
	DefaultHFBaseURL           = "https://huggingface.co"
	DefaultPort                = 8000
	DefaultMetricsPort         = 9090
	DefaultDownloadTimeout     = 10 * time.Minute
	DefaultRequestTimeout      = 120 * time.Second
	DefaultMaxUploadBytes      = 32 << 20
	DefaultDevice              = DeviceAuto
	DefaultFusionNormalization = NormalizationSample
	DefaultLogLevel            = "info"
)

// DefaultModelFiles maps each model to its exported file name. The default
// repository must carry these ONNX exports alongside its PyTorch checkpoints
// (hypertension.pt, cimt_reg.pth, ...); otherwise set <NAME>_MODEL_URL.
var DefaultModelFiles = map[string]string{
	ModelHypertension: "hypertension.onnx",
	ModelCIMT:         "cimt_reg.onnx",
	ModelVessel:       "vessel.onnx",
	ModelFusion:       "fusion_cvd_noskewed.onnx",
}

// Compute devices
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Fusion normalization modes
const (
	NormalizationSample     = "sample"
	NormalizationPopulation = "population"
)

// Validation constants
const (
	MinPort            = 1024
	MaxPort            = 65535
	MinDownloadTimeout = time.Second
	MaxDownloadTimeout = 2 * time.Hour
	MinRequestTimeout  = time.Second
	MaxRequestTimeout  = 30 * time.Minute
	MinUploadBytes     = 1 << 10
	MaxUploadBytes     = 512 << 20
)
