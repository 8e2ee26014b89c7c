// Package config loads the service configuration from the environment and an
// optional .env file.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// Execution providers the session knows how to attach.
const (
	ProviderCPU      = "cpu"
	ProviderCUDA     = "cuda"
	ProviderTensorRT = "tensorrt"
	ProviderOpenVINO = "openvino"
)

// Graph optimization levels, lowest to highest.
const (
	OptimizationDisable  = "disable"
	OptimizationBasic    = "basic"
	OptimizationExtended = "extended"
	OptimizationAll      = "all"
)

type Config struct {
	Host string
	Port int

	// SharedLibraryPath locates the onnxruntime shared library. Empty means
	// the platform default next to the executable.
	SharedLibraryPath string
	// ModelPath is read once at startup when the model is not compiled in.
	ModelPath string
	// MetadataPath overrides the embedded metadata that pairs class labels
	// with the model.
	MetadataPath string

	Providers         []string
	CUDADeviceID      int
	OptimizationLevel string
	IntraOpThreads    int
	InterOpThreads    int

	ConfidenceThreshold float32
	IOUThreshold        float32

	MaxUploadBytes int64
	CORSOrigins    []string

	Debug   bool
	LogFile string
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read .env")
	}

	env := &envReader{}
	cfg := &Config{
		Host:                env.getEnv("WEB_HOST", "0.0.0.0"),
		Port:                env.getEnvAsInt("WEB_PORT", 8080),
		SharedLibraryPath:   env.getEnv("ONNXRUNTIME_LIB", ""),
		ModelPath:           env.getEnv("MODEL_PATH", ""),
		MetadataPath:        env.getEnv("MODEL_METADATA", ""),
		Providers:           env.getEnvAsList("EXECUTION_PROVIDERS", []string{ProviderCUDA, ProviderCPU}),
		CUDADeviceID:        env.getEnvAsInt("CUDA_DEVICE_ID", 0),
		OptimizationLevel:   strings.ToLower(env.getEnv("GRAPH_OPTIMIZATION", OptimizationAll)),
		IntraOpThreads:      env.getEnvAsInt("INTRA_OP_THREADS", 1),
		InterOpThreads:      env.getEnvAsInt("INTER_OP_THREADS", 1),
		ConfidenceThreshold: env.getEnvAsFloat32("CONFIDENCE_THRESHOLD", 0.3),
		IOUThreshold:        env.getEnvAsFloat32("IOU_THRESHOLD", 0.75),
		MaxUploadBytes:      env.getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
		CORSOrigins:         env.getEnvAsList("CORS_ORIGINS", []string{"*"}),
		Debug:               env.getEnvAsBool("DEBUG", false),
		LogFile:             env.getEnv("LOG_FILE", ""),
	}
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("WEB_PORT %d is out of range", c.Port)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.Errorf("CONFIDENCE_THRESHOLD %v must be within [0, 1]", c.ConfidenceThreshold)
	}
	if c.IOUThreshold < 0 || c.IOUThreshold > 1 {
		return errors.Errorf("IOU_THRESHOLD %v must be within [0, 1]", c.IOUThreshold)
	}
	if len(c.Providers) == 0 {
		return errors.New("EXECUTION_PROVIDERS must name at least one provider")
	}
	for _, p := range c.Providers {
		switch p {
		case ProviderCPU, ProviderCUDA, ProviderTensorRT, ProviderOpenVINO:
		default:
			return errors.Errorf("unknown execution provider %q", p)
		}
	}
	switch c.OptimizationLevel {
	case OptimizationDisable, OptimizationBasic, OptimizationExtended, OptimizationAll:
	default:
		return errors.Errorf("unknown GRAPH_OPTIMIZATION %q", c.OptimizationLevel)
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return errors.New("thread counts cannot be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.Errorf("MAX_UPLOAD_BYTES %d must be positive", c.MaxUploadBytes)
	}
	return nil
}

// envReader reads typed values from the environment. Unset keys take their
// default; values that do not parse are collected in err.
type envReader struct {
	err error
}

func (e *envReader) fail(key, value string, err error) {
	e.err = multierr.Append(e.err, errors.Wrapf(err, "invalid %s %q", key, value))
}

func (e *envReader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (e *envReader) getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := cast.ToIntE(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return intValue
}

func (e *envReader) getEnvAsInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := cast.ToInt64E(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return intValue
}

func (e *envReader) getEnvAsFloat32(key string, defaultValue float32) float32 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := cast.ToFloat32E(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return f
}

func (e *envReader) getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return b
}

// getEnvAsList splits a comma separated value, lower-casing each entry.
func (e *envReader) getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
