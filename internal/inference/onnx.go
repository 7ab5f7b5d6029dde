package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/brightstart/internal/imageprocessor"
)

// ONNXLoader loads classifier exports through onnxruntime.
type ONNXLoader struct {
	libraryPath string
	useGPU      bool
	logger      *zap.Logger

	envOnce sync.Once
	envErr  error
}

// NewONNXLoader builds a loader. libraryPath may be empty to use the platform default.
func NewONNXLoader(libraryPath string, useGPU bool, logger *zap.Logger) *ONNXLoader {
	return &ONNXLoader{libraryPath: libraryPath, useGPU: useGPU, logger: logger.Named("onnx")}
}

func (l *ONNXLoader) initEnvironment() error {
	l.envOnce.Do(func() {
		if l.libraryPath != "" {
			ort.SetSharedLibraryPath(l.libraryPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				l.envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
			}
		}
	})
	return l.envErr
}

// Load implements Loader.
func (l *ONNXLoader) Load(path string) (Session, error) {
	if err := l.initEnvironment(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 {
		return nil, fmt.Errorf("expected 4D input, got %dD", len(in.Dimensions))
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if l.useGPU {
		if err := appendCUDA(opts); err != nil {
			l.logger.Info("GPU acceleration unavailable, using CPU", zap.Error(err))
		} else {
			l.logger.Info("CUDA execution provider enabled")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxSession{
		session: session,
		info: ModelInfo{
			Path:        path,
			InputName:   in.Name,
			InputShape:  concreteShape(in.Dimensions),
			OutputName:  out.Name,
			OutputShape: concreteShape(out.Dimensions),
		},
	}, nil
}

func appendCUDA(opts *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cuda)
}

// Dynamic dimensions (batch) are pinned to 1.
func concreteShape(dims ort.Shape) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}

type onnxSession struct {
	session *ort.DynamicAdvancedSession
	info    ModelInfo
}

func (s *onnxSession) Info() ModelInfo {
	return s.info
}

// Run allocates per-call tensors so concurrent callers never share buffers.
func (s *onnxSession) Run(input imageprocessor.Tensor) ([]float32, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(s.info.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, err
	}

	data := outputTensor.GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}
