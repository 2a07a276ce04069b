package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/rs/zerolog/log"
)

// OpenConfig carries what a provider needs to construct a backend.
type OpenConfig struct {
	DeviceIndex int
	KernelPath  string
	Workers     int

	// Capabilities overrides the descriptor of simulated devices.
	Capabilities Capabilities
}

// Provider constructs one kind of backend.
type Provider interface {
	Name() string
	Available() bool
	Open(cfg OpenConfig) (Backend, error)
}

// Info describes a registered provider.
type Info struct {
	Name      string
	Available bool
}

type providerFunc struct {
	name      string
	available func() bool
	open      func(OpenConfig) (Backend, error)
}

func (p providerFunc) Name() string                         { return p.name }
func (p providerFunc) Available() bool                      { return p.available() }
func (p providerFunc) Open(cfg OpenConfig) (Backend, error) { return p.open(cfg) }

// NewProvider adapts a pair of funcs to Provider.
func NewProvider(name string, available func() bool, open func(OpenConfig) (Backend, error)) Provider {
	return providerFunc{name: name, available: available, open: open}
}

// Registry maps backend names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Discover lists every registered provider sorted by name.
func (r *Registry) Discover() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.providers))
	for name, p := range r.providers {
		infos = append(infos, Info{Name: name, Available: p.Available()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Open constructs the named backend.
func (r *Registry) Open(name string, cfg OpenConfig) (Backend, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", errdefs.ErrConfiguration, name)
	}
	if !p.Available() {
		return nil, fmt.Errorf("%w: backend %q", errdefs.ErrDeviceUnavailable, name)
	}
	return p.Open(cfg)
}

// Select opens the first available backend in priority order.
func (r *Registry) Select(priority []string, cfg OpenConfig) (Backend, error) {
	for _, name := range priority {
		b, err := r.Open(name, cfg)
		if err != nil {
			log.Debug().Err(err).Str("backend", name).Msg("Backend skipped")
			continue
		}
		log.Info().Str("backend", b.Name()).Msg("Backend selected")
		return b, nil
	}
	return nil, fmt.Errorf("%w: none of %v", errdefs.ErrDeviceUnavailable, priority)
}

// DefaultRegistry holds the cpu, sim, cuda and opencl providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewProvider("cpu", func() bool { return true }, func(cfg OpenConfig) (Backend, error) {
		return NewCPUBackendWorkers(cfg.Workers), nil
	}))
	r.Register(NewProvider("sim", func() bool { return true }, func(cfg OpenConfig) (Backend, error) {
		return NewSimDevice(fmt.Sprintf("SIM:%d", cfg.DeviceIndex), cfg.Capabilities), nil
	}))
	r.Register(NewProvider("cuda", cudaAvailable, func(cfg OpenConfig) (Backend, error) {
		d, err := NewCudaDevice(cfg.DeviceIndex, cfg.KernelPath)
		if err != nil {
			return nil, err
		}
		return d, nil
	}))
	r.Register(NewProvider("opencl", openclAvailable, func(cfg OpenConfig) (Backend, error) {
		d, err := NewOpenCLDevice(cfg.DeviceIndex, cfg.KernelPath)
		if err != nil {
			return nil, err
		}
		return d, nil
	}))
	return r
}
