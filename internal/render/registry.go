package render

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-render/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Descriptor is the static capability declaration of a registered backend.
type Descriptor struct {
	SingerType          SingerType `json:"singer_type"`
	SupportsRenderPitch bool       `json:"supports_render_pitch"`
}

// Registry maps singer types to renderer backends.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	backends map[SingerType]Renderer
	meter    metric.Meter
	gauge    metric.Int64ObservableGauge
	reg      metric.Registration
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:      log.With(slog.String("component", "render-registry")),
		backends: make(map[SingerType]Renderer),
		meter:    otel.Meter(instrumentationName),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", logging.Error(err))
	}
	return r
}

// Register adds a backend. Each singer type may be served by one backend.
func (r *Registry) Register(backend Renderer) error {
	if backend == nil {
		return fmt.Errorf("register nil renderer")
	}
	st := backend.SingerType()
	if st == "" {
		return fmt.Errorf("renderer declares empty singer type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[st]; ok {
		return fmt.Errorf("renderer for singer type %q already registered", st)
	}
	r.backends[st] = backend
	r.log.Info("renderer registered",
		slog.String("singer_type", string(st)),
		slog.Bool("render_pitch", backend.SupportsRenderPitch()))
	return nil
}

// Lookup returns the backend for st.
func (r *Registry) Lookup(st SingerType) (Renderer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, ok := r.backends[st]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSinger, st)
	}
	return backend, nil
}

// Query lists descriptors of registered backends matching filter, ordered
// by singer type. A nil filter matches everything.
func (r *Registry) Query(filter func(Descriptor) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Descriptor
	for st, backend := range r.backends {
		d := Descriptor{SingerType: st, SupportsRenderPitch: backend.SupportsRenderPitch()}
		if filter == nil || filter(d) {
			results = append(results, d)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SingerType < results[j].SingerType })
	return results
}

// WithPitchSupport matches backends that can render pitch curves.
func WithPitchSupport() func(Descriptor) bool {
	return func(d Descriptor) bool { return d.SupportsRenderPitch }
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.render.backends", metric.WithDescription("Number of registered render backends"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	reg, err := r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		r.mu.RLock()
		n := int64(len(r.backends))
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	r.reg = reg
	return nil
}

// Close unregisters the backend gauge. Registered backends stay usable.
func (r *Registry) Close() error {
	r.mu.Lock()
	reg := r.reg
	r.reg = nil
	r.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Unregister()
}
