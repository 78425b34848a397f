package ml

import (
	"fmt"

	"cvd-risk/internal/common"
)

// Loader turns a weight file into a runnable network.
type Loader interface {
	Load(d Descriptor, path string) (Network, LoadReport, error)
}

// CheckpointLoader dispatches on the descriptor's checkpoint format.
type CheckpointLoader struct {
	runtime *Runtime
}

func NewCheckpointLoader(runtime *Runtime) *CheckpointLoader {
	return &CheckpointLoader{runtime: runtime}
}

func (l *CheckpointLoader) Load(d Descriptor, path string) (Network, LoadReport, error) {
	switch d.Format {
	case FormatONNX:
		if l.runtime == nil {
			return nil, LoadReport{Format: FormatONNX}, fmt.Errorf("no ONNX runtime configured")
		}
		return l.runtime.OpenONNX(path, d.Architecture)

	case FormatSafetensors:
		rep := LoadReport{Format: FormatSafetensors, Device: common.DeviceCPU}
		if d.Architecture.Native == nil {
			return nil, rep, fmt.Errorf("architecture %s has no native implementation; export it to ONNX", d.Architecture.Tag)
		}
		ckpt, err := ReadSafetensors(path)
		if err != nil {
			return nil, rep, err
		}
		net := d.Architecture.Native()
		applied := net.Apply(ckpt.Params)
		applied.Format = rep.Format
		applied.Device = rep.Device
		applied.Layout = ckpt.Layout
		return net, applied, nil
	}
	return nil, LoadReport{Format: d.Format}, fmt.Errorf("unsupported checkpoint format %q", d.Format)
}
