package ml

import (
	"sync"

	"cvd-risk/internal/tensor"
)

// MockMetrics implements MetricsInterface and DownloadMetrics for testing
type MockMetrics struct {
	mu             sync.Mutex
	loads          map[string]int
	failures       map[string]int
	skipped        map[string]int
	downloadBytes  map[string]int64
	inferenceCalls map[string]int
}

func (m *MockMetrics) init() {
	if m.loads == nil {
		m.loads = map[string]int{}
		m.failures = map[string]int{}
		m.skipped = map[string]int{}
		m.downloadBytes = map[string]int64{}
		m.inferenceCalls = map[string]int{}
	}
}

func (m *MockMetrics) ModelLoadObserve(model string, _ float64, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.loads[model]++
	m.skipped[model] = skipped
}

func (m *MockMetrics) ModelLoadFailureInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.failures[model]++
}

func (m *MockMetrics) InferenceLatencyObserve(model string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.inferenceCalls[model]++
}

func (m *MockMetrics) DownloadBytesAdd(model string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.downloadBytes[model] += n
}

func (m *MockMetrics) Loads(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[model]
}

func (m *MockMetrics) Failures(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[model]
}

func (m *MockMetrics) Skipped(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped[model]
}

func (m *MockMetrics) DownloadBytes(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadBytes[model]
}

func (m *MockMetrics) InferenceCalls(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inferenceCalls[model]
}

// StubNetwork is a Network backed by a function, for tests that must not
// depend on a neural runtime.
type StubNetwork struct {
	Names  []string
	Fn     func(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	closed bool
	mu     sync.Mutex
}

func (s *StubNetwork) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return s.Fn(inputs)
}

func (s *StubNetwork) Outputs() []string {
	return s.Names
}

func (s *StubNetwork) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *StubNetwork) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// NewStaticModel wraps net in a LoadedModel for the named architecture
// without touching disk.
func NewStaticModel(name string, net Network, rep LoadReport, metrics MetricsInterface) *LoadedModel {
	return &LoadedModel{
		Descriptor: Descriptor{Name: name, Format: rep.Format, Architecture: Architectures[name]},
		Report:     rep,
		net:        net,
		metrics:    metrics,
	}
}
