// Package health aggregates readiness checks for the payment core's
// dependencies. A check answers with an error; the registry turns that
// into the payload served on the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds one dependency check so a stuck backend cannot
// hang the readiness endpoint.
const checkTimeout = 2 * time.Second

// Check reports whether one dependency is usable. Nil means healthy.
type Check func(ctx context.Context) error

// Status is the readiness result for one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds a check under a name. Registering the same name again
// replaces the earlier check without changing its position.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every check in registration order and reports the
// aggregate alongside the per-dependency results.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]Check, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name](cctx)
		cancel()

		st := Status{Name: name, Healthy: err == nil}
		if err != nil {
			st.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
