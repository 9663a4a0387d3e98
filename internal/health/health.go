// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the overall health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultTimeout bounds a single component check.
const DefaultTimeout = 5 * time.Second

// Component is the health of one component.
type Component struct {
	Name      string                 `json:"name"`
	Healthy   bool                   `json:"healthy"`
	Degraded  bool                   `json:"degraded,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checkable is implemented by components that report health.
type Checkable interface {
	HealthCheck(ctx context.Context) Component
}

// CheckFunc adapts a function to Checkable.
type CheckFunc func(ctx context.Context) Component

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) Component {
	return f(ctx)
}

// Overall is the aggregated result.
type Overall struct {
	Healthy    bool                 `json:"healthy"`
	Status     Status               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Components map[string]Component `json:"components"`
}

// DegradedComponents lists the names of degraded or unhealthy components.
func (o Overall) DegradedComponents() []string {
	var names []string
	for name, c := range o.Components {
		if !c.Healthy || c.Degraded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Registry holds the registered components.
type Registry struct {
	timeout    time.Duration
	mu         sync.RWMutex
	components map[string]Checkable
}

// NewRegistry creates a registry. A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout:    timeout,
		components: make(map[string]Checkable),
	}
}

// Register adds or replaces a component.
func (r *Registry) Register(name string, c Checkable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = c
}

// Unregister removes a component.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, name)
}

// CheckAll checks every component concurrently.
func (r *Registry) CheckAll(ctx context.Context) Overall {
	r.mu.RLock()
	components := make(map[string]Checkable, len(r.components))
	for name, c := range r.components {
		components[name] = c
	}
	r.mu.RUnlock()

	overall := Overall{
		Healthy:    true,
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]Component, len(components)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, c := range components {
		wg.Add(1)
		go func(name string, c Checkable) {
			defer wg.Done()
			result := r.check(ctx, name, c)

			mu.Lock()
			defer mu.Unlock()
			overall.Components[name] = result
			if !result.Healthy {
				overall.Healthy = false
				overall.Status = StatusUnhealthy
			} else if result.Degraded && overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}(name, c)
	}
	wg.Wait()
	return overall
}

// Check checks a single component by name.
func (r *Registry) Check(ctx context.Context, name string) Component {
	r.mu.RLock()
	c, ok := r.components[name]
	r.mu.RUnlock()
	if !ok {
		return Component{Name: name, Error: "component not found", LastCheck: time.Now().UTC()}
	}
	return r.check(ctx, name, c)
}

func (r *Registry) check(ctx context.Context, name string, c Checkable) Component {
	checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultCh := make(chan Component, 1)
	go func() {
		resultCh <- c.HealthCheck(checkCtx)
	}()

	var result Component
	select {
	case result = <-resultCh:
	case <-checkCtx.Done():
		result = Component{Healthy: false, Error: "health check timeout"}
	}
	result.Name = name
	result.LastCheck = time.Now().UTC()
	return result
}
