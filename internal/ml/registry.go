package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cvd-risk/internal/storage"
	"cvd-risk/internal/tensor"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// MetricsInterface defines the metrics the registry records.
type MetricsInterface interface {
	ModelLoadObserve(model string, seconds float64, skipped int)
	ModelLoadFailureInc(model string)
	InferenceLatencyObserve(model string, seconds float64)
}

// Acquirer resolves a descriptor to a local weight file.
type Acquirer interface {
	EnsureFile(ctx context.Context, d Descriptor) (string, error)
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context, d Descriptor) (string, error)

func (f AcquirerFunc) EnsureFile(ctx context.Context, d Descriptor) (string, error) {
	return f(ctx, d)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(d Descriptor, path string) (Network, LoadReport, error)

func (f LoaderFunc) Load(d Descriptor, path string) (Network, LoadReport, error) {
	return f(d, path)
}

// LoadRecorder persists load reports.
type LoadRecorder interface {
	RecordLoad(rec storage.LoadRecord) error
}

// LoadedModel is a ready-to-evaluate model. It is never mutated after load.
type LoadedModel struct {
	Descriptor Descriptor
	Path       string
	Report     LoadReport
	LoadedAt   time.Time

	net     Network
	metrics MetricsInterface
}

// Run evaluates the model and records its latency. Runtime failures are
// reported as inference failures.
func (m *LoadedModel) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	start := time.Now()
	out, err := m.net.Run(inputs)
	if m.metrics != nil {
		m.metrics.InferenceLatencyObserve(m.Descriptor.Name, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, newError(KindInferenceFailure, m.Descriptor.Name, "forward pass", err)
	}
	return out, nil
}

// Output fetches a named output of a Run, failing when the network did not
// wire it.
func (m *LoadedModel) Output(outputs map[string]*tensor.Tensor, name string) (*tensor.Tensor, error) {
	t, ok := outputs[name]
	if !ok {
		return nil, Errorf(KindInferenceFailure, m.Descriptor.Name, "output %q unavailable (load report: %v missing, %v mismatched)",
			name, m.Report.Missing, m.Report.MismatchNames())
	}
	return t, nil
}

// RegistryConfig wires the registry's collaborators. Catalog and Metrics
// are optional.
type RegistryConfig struct {
	Descriptors map[string]Descriptor
	Source      Acquirer
	Loader      Loader
	Catalog     LoadRecorder
	Metrics     MetricsInterface
	StrictLoad  bool
}

// Registry resolves model names to loaded models. Each model is acquired
// and loaded at most once; concurrent first requests share one load.
// Failures are not cached.
type Registry struct {
	descriptors map[string]Descriptor
	source      Acquirer
	loader      Loader
	catalog     LoadRecorder
	metrics     MetricsInterface
	strict      bool

	mu     sync.RWMutex
	models map[string]*LoadedModel
	group  singleflight.Group
}

func NewRegistry(c RegistryConfig) *Registry {
	return &Registry{
		descriptors: c.Descriptors,
		source:      c.Source,
		loader:      c.Loader,
		catalog:     c.Catalog,
		metrics:     c.Metrics,
		strict:      c.StrictLoad,
		models:      make(map[string]*LoadedModel),
	}
}

// Descriptor returns the descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, Errorf(KindInvalidModelName, name, "unknown model")
	}
	return d, nil
}

// Descriptors returns all descriptors keyed by name.
func (r *Registry) Descriptors() map[string]Descriptor {
	return r.descriptors
}

// EnsureModelFile acquires the weight file for name without loading it.
func (r *Registry) EnsureModelFile(ctx context.Context, name string) (string, error) {
	d, err := r.Descriptor(name)
	if err != nil {
		return "", err
	}
	return r.ensureFile(ctx, d)
}

// ensureFile is the single per-model acquisition path. Callers of
// EnsureModelFile and Get share one in-flight acquisition.
func (r *Registry) ensureFile(ctx context.Context, d Descriptor) (string, error) {
	v, err, _ := r.group.Do("file:"+d.Name, func() (interface{}, error) {
		return r.source.EnsureFile(context.WithoutCancel(ctx), d)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Loaded returns the cached model for name without triggering a load.
func (r *Registry) Loaded(name string) (*LoadedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Get returns the loaded model for name, acquiring and loading it on first
// use. Subsequent calls return the same instance.
func (r *Registry) Get(ctx context.Context, name string) (*LoadedModel, error) {
	d, err := r.Descriptor(name)
	if err != nil {
		return nil, err
	}
	if m, ok := r.Loaded(name); ok {
		return m, nil
	}

	v, err, shared := r.group.Do("model:"+name, func() (interface{}, error) {
		if m, ok := r.Loaded(name); ok {
			return m, nil
		}
		m, err := r.load(context.WithoutCancel(ctx), d)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.models[name] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("model", name).Msg("Joined in-flight model load")
	}
	return v.(*LoadedModel), nil
}

func (r *Registry) load(ctx context.Context, d Descriptor) (*LoadedModel, error) {
	start := time.Now()
	m, err := r.doLoad(ctx, d)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ModelLoadFailureInc(d.Name)
		}
		log.Error().Err(err).Str("model", d.Name).Msg("Model load failed")
		return nil, err
	}

	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.ModelLoadObserve(d.Name, elapsed.Seconds(), m.Report.SkippedCount())
	}
	r.recordLoad(d.Name, m.Report, elapsed)

	event := log.Info()
	if m.Report.Degraded() {
		event = log.Warn().Str("kind", string(KindArchitectureMismatch))
	}
	event.Str("model", d.Name).
		Str("architecture", d.Architecture.Tag).
		Object("report", m.Report).
		Dur("duration", elapsed).
		Msg("Model loaded")
	return m, nil
}

func (r *Registry) doLoad(ctx context.Context, d Descriptor) (*LoadedModel, error) {
	path, err := r.ensureFile(ctx, d)
	if err != nil {
		return nil, err
	}

	net, rep, err := r.loader.Load(d, path)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, newError(KindCheckpointLoad, d.Name, "load "+path, err)
	}
	if r.strict && rep.Degraded() {
		net.Close()
		return nil, newError(KindCheckpointLoad, d.Name, "load "+path, rep.strictError())
	}

	return &LoadedModel{
		Descriptor: d,
		Path:       path,
		Report:     rep,
		LoadedAt:   time.Now(),
		net:        net,
		metrics:    r.metrics,
	}, nil
}

func (r *Registry) recordLoad(name string, rep LoadReport, elapsed time.Duration) {
	if r.catalog == nil {
		return
	}
	err := r.catalog.RecordLoad(storage.LoadRecord{
		Model:      name,
		Format:     string(rep.Format),
		Layout:     rep.Layout,
		Device:     rep.Device,
		Applied:    len(rep.Applied),
		Missing:    rep.Missing,
		Unexpected: rep.Unexpected,
		Mismatched: rep.MismatchNames(),
		Duration:   elapsed.Seconds(),
	})
	if err != nil {
		log.Warn().Err(err).Str("model", name).Msg("Failed to record load report")
	}
}

// Warmup loads every model, returning the failures by name.
func (r *Registry) Warmup(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name := range r.descriptors {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := r.Get(ctx, name); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return failures
}

// Close releases every loaded network.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, m := range r.models {
		if err := m.net.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(r.models, name)
	}
	return errors.Join(errs...)
}
