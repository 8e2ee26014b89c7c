package detections

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/scanlab/scan-service/config"
)

// SessionConfig fixes how the native session is built. It cannot change for
// the lifetime of the session.
type SessionConfig struct {
	// Providers are attached in order; cpu is always available underneath.
	Providers         []string
	CUDADeviceID      int
	OptimizationLevel string
	IntraOpThreads    int
	InterOpThreads    int
	Logger            *zap.SugaredLogger
}

// Session owns one native inference session. It is not safe for concurrent
// use; callers serialize through a Guard.
type Session struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
}

// NewSession loads the model from memory. The onnxruntime environment must
// already be initialized.
func NewSession(model []byte, cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect model")
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, errors.Errorf("model must have one input and one output, has %d and %d", len(inputs), len(outputs))
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()

	if err := applyOptions(options, cfg, logger); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}

	logger.Infow("inference session ready",
		"input", inputs[0].Name,
		"input_shape", inputs[0].Dimensions,
		"output", outputs[0].Name,
		"output_shape", outputs[0].Dimensions,
		"providers", cfg.Providers,
		"optimization", cfg.OptimizationLevel,
		"cpu_features", hostFeatures(),
	)

	return &Session{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
	}, nil
}

func applyOptions(options *ort.SessionOptions, cfg SessionConfig, logger *zap.SugaredLogger) error {
	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return errors.Wrap(err, "failed to set intra-op threads")
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return errors.Wrap(err, "failed to set inter-op threads")
		}
	}

	level, err := optimizationLevel(cfg.OptimizationLevel)
	if err != nil {
		return err
	}
	if err := options.SetGraphOptimizationLevel(level); err != nil {
		return errors.Wrap(err, "failed to set graph optimization level")
	}

	for _, provider := range cfg.Providers {
		if err := appendProvider(options, provider, cfg.CUDADeviceID); err != nil {
			// An accelerator missing from this build of onnxruntime is not
			// fatal; the remaining providers still apply.
			logger.Warnw("execution provider unavailable", "provider", provider, "error", err)
		}
	}
	return nil
}

func optimizationLevel(name string) (ort.GraphOptimizationLevel, error) {
	switch name {
	case config.OptimizationDisable:
		return ort.GraphOptimizationLevelDisableAll, nil
	case config.OptimizationBasic:
		return ort.GraphOptimizationLevelEnableBasic, nil
	case config.OptimizationExtended:
		return ort.GraphOptimizationLevelEnableExtended, nil
	case config.OptimizationAll, "":
		return ort.GraphOptimizationLevelEnableAll, nil
	}
	return 0, errors.Errorf("unknown graph optimization level %q", name)
}

func appendProvider(options *ort.SessionOptions, provider string, deviceID int) error {
	switch provider {
	case config.ProviderCPU:
		return nil
	case config.ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
			return err
		}
		return options.AppendExecutionProviderCUDA(cuda)
	case config.ProviderTensorRT:
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return err
		}
		defer trt.Destroy()
		if err := trt.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
			return err
		}
		return options.AppendExecutionProviderTensorRT(trt)
	case config.ProviderOpenVINO:
		return options.AppendExecutionProviderOpenVINO(map[string]string{"device_type": "CPU"})
	}
	return errors.Errorf("unknown execution provider %q", provider)
}

// Run performs one inference and returns the output in candidate-major order.
func (s *Session) Run(in *InputTensor) (*RawOutput, error) {
	input, err := ort.NewTensor(ort.NewShape(in.Shape()...), in.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "failed to run session")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("output %q is not a float32 tensor", s.outputName)
	}
	return CandidateMajor(out.GetShape(), out.GetData())
}

// Destroy releases the native session.
func (s *Session) Destroy() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return errors.Wrap(err, "failed to destroy session")
}

// hostFeatures lists the SIMD extensions onnxruntime can use on this host.
func hostFeatures() []string {
	var features []string
	for _, f := range []struct {
		name string
		has  bool
	}{
		{"sse4.1", cpu.X86.HasSSE41},
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"avx512f", cpu.X86.HasAVX512F},
		{"avx512vnni", cpu.X86.HasAVX512VNNI},
		{"asimd", cpu.ARM64.HasASIMD},
		{"asimddp", cpu.ARM64.HasASIMDDP},
	} {
		if f.has {
			features = append(features, f.name)
		}
	}
	return features
}
