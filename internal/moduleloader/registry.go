package moduleloader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Registry is an in-process module source. It serves LoadChunk from
// modules registered at startup.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Module)}
}

// ValidateSpecifier checks that specifier is non-empty, has no whitespace
// and no parent-directory segments.
func ValidateSpecifier(specifier string) error {
	if strings.TrimSpace(specifier) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModule)
	}
	for _, r := range specifier {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidModule, specifier)
		}
	}
	if hasParentSegment(specifier) {
		return fmt.Errorf("%w: %q escapes its root", ErrInvalidModule, specifier)
	}
	return nil
}

// Register adds a module under specifier.
func (r *Registry) Register(specifier string, mod Module) error {
	if err := ValidateSpecifier(specifier); err != nil {
		return err
	}
	if mod == nil {
		return fmt.Errorf("%w: %q has no exports", ErrInvalidModule, specifier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[specifier]; ok {
		return fmt.Errorf("%w: %q", ErrModuleExists, specifier)
	}
	r.items[specifier] = mod
	return nil
}

// LoadChunk implements ChunkLoader.
func (r *Registry) LoadChunk(ctx context.Context, name string) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	return mod, nil
}

// List returns registered specifiers in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for id := range r.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
