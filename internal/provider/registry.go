package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// Registry resolves provider adapters by name. It is built once at startup
// and read-only afterwards.
type Registry struct {
	adapters map[string]models.ProviderAdapter
}

// NewRegistry indexes adapters by their normalised Name(). Nil adapters are skipped.
func NewRegistry(adapters ...models.ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[string]models.ProviderAdapter)}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		name := Normalize(a.Name())
		if name == "" {
			continue
		}
		r.adapters[name] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (models.ProviderAdapter, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	a, ok := r.adapters[Normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Has reports whether an adapter is registered under name.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[Normalize(name)]
	return ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
