package query

import (
	"errors"
	"fmt"
	"sync"
)

// Registry holds the filter definitions of one resource, keyed by filter
// key, in registration order. Registration happens during resource
// declaration at startup; afterwards the registry is read-only, so
// concurrent request-time reads are safe. The mutex exists for the
// lazy-construction case where a resource set is built on first use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Filter
	order []string
}

// NewRegistry returns an empty filter registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Filter)}
}

// Register adds a definition. It fails with DuplicateKeyError when the key
// is taken and rejects definitions that could never resolve at request
// time, so a bad declaration surfaces at startup instead of mid-request.
func (r *Registry) Register(def *Filter) error {
	if def == nil || def.Key == "" {
		return errors.New("filter key is required")
	}
	if def.Apply == nil {
		return fmt.Errorf("filter %q has no apply function", def.Key)
	}
	if def.Kind == "" {
		def.Kind = KindGeneric
	}
	switch def.Kind {
	case KindSelect, KindBoolean:
		if len(def.Options) == 0 {
			return fmt.Errorf("%s filter %q requires options", def.Kind, def.Key)
		}
	}
	if def.Kind == KindBoolean {
		for _, opt := range def.Options {
			if _, ok := opt.Value.(string); !ok {
				return fmt.Errorf("boolean filter %q option %q must have a string value", def.Key, opt.Label)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Key]; exists {
		return &DuplicateKeyError{Key: def.Key}
	}
	for _, schema := range def.Rules {
		schema.PrecomputeMessages()
	}
	r.defs[def.Key] = def
	r.order = append(r.order, def.Key)
	return nil
}

// Lookup resolves a filter key.
func (r *Registry) Lookup(key string) (*Filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[key]
	if !ok {
		return nil, &UnknownFilterError{Key: key}
	}
	return def, nil
}

// List snapshots all definitions in registration order.
func (r *Registry) List() []*Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Filter, 0, len(r.order))
	for _, key := range r.order {
		defs = append(defs, r.defs[key])
	}
	return defs
}

// Keys returns the registered keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// SortRegistry holds the sort definitions of one resource, keyed by sort
// key, in registration order. Same locking discipline as Registry.
type SortRegistry struct {
	mu    sync.RWMutex
	defs  map[string]*Sort
	order []string
}

// NewSortRegistry returns an empty sort registry.
func NewSortRegistry() *SortRegistry {
	return &SortRegistry{defs: make(map[string]*Sort)}
}

// Register adds a definition, failing with DuplicateKeyError when the key
// is taken.
func (r *SortRegistry) Register(def *Sort) error {
	if def == nil || def.Key == "" {
		return errors.New("sort key is required")
	}
	if def.Relation != nil && (def.Relation.Join == "" || def.Relation.Column == "") {
		return fmt.Errorf("sort %q relation binding requires a join clause and a column", def.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Key]; exists {
		return &DuplicateKeyError{Key: def.Key}
	}
	r.defs[def.Key] = def
	r.order = append(r.order, def.Key)
	return nil
}

// Lookup resolves a sort key.
func (r *SortRegistry) Lookup(key string) (*Sort, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[key]
	if !ok {
		return nil, &UnknownSortError{Key: key}
	}
	return def, nil
}

// List snapshots all definitions in registration order.
func (r *SortRegistry) List() []*Sort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Sort, 0, len(r.order))
	for _, key := range r.order {
		defs = append(defs, r.defs[key])
	}
	return defs
}

// Keys returns the registered keys in registration order.
func (r *SortRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}
