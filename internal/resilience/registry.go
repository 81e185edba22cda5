package resilience

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Dependency names used across the pipeline.
const (
	DependencyKeepa   = "keepa"
	DependencyScraper = "scraper"
	DependencyStorage = "storage"
)

// Registry owns one breaker per external dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   zerolog.Logger
}

// NewRegistry builds breakers for the given options keyed by dependency name.
func NewRegistry(opts map[string]BreakerOptions, logger zerolog.Logger) *Registry {
	r := &Registry{breakers: make(map[string]*CircuitBreaker, len(opts)), logger: logger}
	for name, o := range opts {
		o.Name = name
		r.breakers[name] = NewCircuitBreaker(o, logger)
	}
	return r
}

// Get returns the breaker for name, creating a default one on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewCircuitBreaker(BreakerOptions{Name: name, FailureThreshold: 3}, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots lists every breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
