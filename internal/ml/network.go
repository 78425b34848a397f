package ml

import "cvd-risk/internal/tensor"

// Network evaluates a loaded model. Implementations must be safe for
// concurrent use.
type Network interface {
	// Run evaluates the model on named inputs and returns the named outputs
	// the network was able to wire.
	Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	// Outputs lists the outputs Run produces.
	Outputs() []string
	Close() error
}

// NativeNetwork is a Network implemented in Go whose parameters come from a
// parameter checkpoint.
type NativeNetwork interface {
	Network
	// Apply copies matching parameters into the network and records what
	// could not be applied.
	Apply(params map[string]*Param) LoadReport
}

// HasOutput reports whether net produces the named output.
func HasOutput(net Network, name string) bool {
	for _, o := range net.Outputs() {
		if o == name {
			return true
		}
	}
	return false
}
