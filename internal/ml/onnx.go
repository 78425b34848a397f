package ml

import (
	"fmt"
	"sync"

	"cvd-risk/internal/common"
	"cvd-risk/internal/tensor"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// Runtime owns the process-wide ONNX Runtime environment and the compute
// device decision. The device is chosen once, at the first session.
type Runtime struct {
	libPath   string
	requested string

	initOnce sync.Once
	initErr  error

	deviceOnce sync.Once
	device     string
	deviceErr  error
}

// NewRuntime prepares a runtime. Nothing is loaded until the first ONNX
// model is opened.
func NewRuntime(libPath, device string) *Runtime {
	if device == "" {
		device = common.DeviceAuto
	}
	return &Runtime{libPath: libPath, requested: device}
}

func (r *Runtime) init() error {
	r.initOnce.Do(func() {
		if r.libPath != "" {
			ort.SetSharedLibraryPath(r.libPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				r.initErr = fmt.Errorf("init onnxruntime: %w", err)
				return
			}
		}
		log.Info().Str("library", r.libPath).Msg("ONNX Runtime initialized")
	})
	return r.initErr
}

// Device returns the resolved compute device, deciding it on first use.
func (r *Runtime) Device() (string, error) {
	r.deviceOnce.Do(func() {
		switch r.requested {
		case common.DeviceCPU:
			r.device = common.DeviceCPU
		case common.DeviceCUDA:
			if err := probeCUDA(); err != nil {
				r.deviceErr = fmt.Errorf("cuda requested but unavailable: %w", err)
				return
			}
			r.device = common.DeviceCUDA
		default:
			if err := probeCUDA(); err != nil {
				log.Info().Err(err).Msg("CUDA execution provider unavailable, using CPU")
				r.device = common.DeviceCPU
				return
			}
			r.device = common.DeviceCUDA
		}
		log.Info().Str("device", r.device).Msg("Compute device selected")
	})
	return r.device, r.deviceErr
}

func probeCUDA() error {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()
	return appendCUDA(opts)
}

func appendCUDA(opts *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	return opts.AppendExecutionProviderCUDA(cuda)
}

func (r *Runtime) sessionOptions(device string) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if device == common.DeviceCUDA {
		if err := appendCUDA(opts); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("cuda provider: %w", err)
		}
	}
	return opts, nil
}

// Close tears down the ONNX Runtime environment if it was started.
func (r *Runtime) Close() error {
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// OpenONNX builds a session for an exported graph. Graph outputs that are
// absent or shape-incompatible with the architecture are left out of the
// session and recorded in the report. A missing or incompatible input makes
// the graph unusable.
func (r *Runtime) OpenONNX(path string, arch *Architecture) (Network, LoadReport, error) {
	rep := LoadReport{Format: FormatONNX}
	if err := r.init(); err != nil {
		return nil, rep, err
	}
	device, err := r.Device()
	if err != nil {
		return nil, rep, err
	}
	rep.Device = device

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, rep, fmt.Errorf("read graph io: %w", err)
	}

	graphIn := make(map[string]ort.InputOutputInfo, len(inputs))
	for _, info := range inputs {
		graphIn[info.Name] = info
	}
	inNames := make([]string, 0, len(arch.Inputs))
	for _, spec := range arch.Inputs {
		info, ok := graphIn[spec.Name]
		if !ok {
			return nil, rep, fmt.Errorf("graph has no input %q", spec.Name)
		}
		if !compatibleShape(spec.Shape, info.Dimensions) {
			return nil, rep, fmt.Errorf("graph input %q has shape %v, want %v", spec.Name, info.Dimensions, spec.Shape)
		}
		inNames = append(inNames, spec.Name)
	}

	graphOut := make(map[string]ort.InputOutputInfo, len(outputs))
	for _, info := range outputs {
		graphOut[info.Name] = info
	}
	var wired []TensorSpec
	for _, spec := range arch.Outputs {
		info, ok := graphOut[spec.Name]
		switch {
		case !ok:
			rep.Missing = append(rep.Missing, spec.Name)
		case !compatibleShape(spec.Shape, info.Dimensions):
			rep.Mismatched = append(rep.Mismatched, Mismatch{
				Name: spec.Name, Want: shapeString(spec.Shape), Got: shapeString(info.Dimensions),
			})
		default:
			wired = append(wired, spec)
			rep.Applied = append(rep.Applied, spec.Name)
		}
		delete(graphOut, spec.Name)
	}
	for name := range graphOut {
		rep.Unexpected = append(rep.Unexpected, name)
	}
	if len(wired) == 0 {
		return nil, rep, fmt.Errorf("graph exposes none of the outputs of %s", arch.Tag)
	}

	opts, err := r.sessionOptions(device)
	if err != nil {
		return nil, rep, err
	}
	defer opts.Destroy()

	outNames := make([]string, len(wired))
	for i, spec := range wired {
		outNames[i] = spec.Name
	}
	session, err := ort.NewDynamicAdvancedSession(path, inNames, outNames, opts)
	if err != nil {
		return nil, rep, fmt.Errorf("create session: %w", err)
	}

	return &onnxNetwork{session: session, inputs: arch.Inputs, outputs: wired}, rep, nil
}

type onnxNetwork struct {
	session *ort.DynamicAdvancedSession
	inputs  []TensorSpec
	outputs []TensorSpec
}

func (n *onnxNetwork) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	ins := make([]ort.Value, 0, len(n.inputs))
	outs := make([]ort.Value, 0, len(n.outputs))
	defer func() {
		for _, v := range ins {
			v.Destroy()
		}
		for _, v := range outs {
			v.Destroy()
		}
	}()

	for _, spec := range n.inputs {
		t, ok := inputs[spec.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", spec.Name)
		}
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
		}
		v, err := ort.NewTensor(ort.NewShape(shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", spec.Name, err)
		}
		ins = append(ins, v)
	}

	for _, spec := range n.outputs {
		v, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.Shape...))
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", spec.Name, err)
		}
		outs = append(outs, v)
	}

	if err := n.session.Run(ins, outs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	result := make(map[string]*tensor.Tensor, len(n.outputs))
	for i, spec := range n.outputs {
		ot := outs[i].(*ort.Tensor[float32])
		shape := ot.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		t := tensor.New(dims...)
		copy(t.Data, ot.GetData())
		result[spec.Name] = t
	}
	return result, nil
}

func (n *onnxNetwork) Outputs() []string {
	names := make([]string, len(n.outputs))
	for i, spec := range n.outputs {
		names[i] = spec.Name
	}
	return names
}

func (n *onnxNetwork) Close() error {
	return n.session.Destroy()
}
