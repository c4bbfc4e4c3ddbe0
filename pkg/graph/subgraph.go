package graph

import (
	"sort"
	"sync"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
)

// Fragment is a named, reusable piece of workflow: a stage sequence with
// a single entry (its first stage) and one or more exits. Fragments may
// reference other fragments; compositions must form a DAG.
type Fragment struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []models.Stage `json:"stages" yaml:"stages"`
}

// Registry holds the named graph fragments and decision predicates a
// builder may reference. It is safe for concurrent use and is injected
// into the builder rather than accessed as a global.
type Registry struct {
	mu         sync.RWMutex
	fragments  map[string]Fragment
	predicates map[string]Predicate
}

func NewRegistry() *Registry {
	return &Registry{
		fragments:  make(map[string]Fragment),
		predicates: make(map[string]Predicate),
	}
}

// RegisterFragment adds or replaces a fragment. Last write wins.
func (r *Registry) RegisterFragment(f Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments[f.Name] = f
}

// Fragment looks up a fragment by name.
func (r *Registry) Fragment(name string) (Fragment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fragments[name]
	return f, ok
}

// RegisterPredicate adds or replaces a named decision function.
func (r *Registry) RegisterPredicate(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// Predicate looks up a decision function by name.
func (r *Registry) Predicate(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// FragmentNames returns the registered fragment names, sorted.
func (r *Registry) FragmentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fragments))
	for name := range r.fragments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
