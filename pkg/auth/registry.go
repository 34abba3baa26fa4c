package auth

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rhuss/dynapi/pkg/catalog"
)

// Registry maps schemes to their validators. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	validators map[catalog.Scheme]Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[catalog.Scheme]Validator)}
}

// Register binds v to scheme. A scheme can be bound only once.
func (r *Registry) Register(scheme catalog.Scheme, v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.validators[scheme]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateScheme, scheme)
	}
	r.validators[scheme] = v
	return nil
}

// Lookup returns the validator bound to scheme.
func (r *Registry) Lookup(scheme catalog.Scheme) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[scheme]
	return v, ok
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []catalog.Scheme {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]catalog.Scheme, 0, len(r.validators))
	for s := range r.validators {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
