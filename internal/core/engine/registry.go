package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Checker is implemented by adapters that can report their own health.
type Checker interface {
	Health(ctx context.Context) HealthStatus
}

// Registry tracks configured backends by name for health reporting.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
	}
}

func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health checks every backend concurrently, each bounded by timeout.
func (r *Registry) Health(ctx context.Context, timeout time.Duration) map[string]HealthStatus {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]HealthStatus, len(checkers))
	)
	for name, c := range checkers {
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			hs := c.Health(cctx)
			mu.Lock()
			out[name] = hs
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return out
}
