package inspect

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/hydration"
	"github.com/danmuck/flightctl/internal/valuepath"
)

// Element is the frontend handle for an element in the tree. Cache records
// are keyed by the pointer, not the id: a re-created handle is a new key.
type Element struct {
	ID          int
	DisplayName string
	Type        string
	Key         string
}

func (e *Element) label() string {
	if e.DisplayName == "" {
		return fmt.Sprintf("Unknown (%d)", e.ID)
	}
	return fmt.Sprintf("%s (%d)", e.DisplayName, e.ID)
}

// Store maps elements to the renderer that owns them.
type Store interface {
	RendererIDForElement(id int) (int, bool)
	RendererIDs() []int
}

// MapStore is a Store backed by a map.
type MapStore struct {
	mu        sync.RWMutex
	renderers map[int]int
}

func NewMapStore() *MapStore {
	return &MapStore{renderers: make(map[int]int)}
}

func (s *MapStore) Set(elementID, rendererID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderers[elementID] = rendererID
}

func (s *MapStore) Delete(elementID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.renderers, elementID)
}

func (s *MapStore) RendererIDForElement(id int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rid, ok := s.renderers[id]
	return rid, ok
}

// RendererIDs lists each renderer once, in ascending order.
func (s *MapStore) RendererIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]struct{}, len(s.renderers))
	out := make([]int, 0, len(s.renderers))
	for _, rid := range s.renderers {
		if _, ok := seen[rid]; ok {
			continue
		}
		seen[rid] = struct{}{}
		out = append(out, rid)
	}
	sort.Ints(out)
	return out
}

// InspectedElement is an element with its sections hydrated. Stubbed
// subtrees are *hydration.Placeholder values that can be fetched by path.
type InspectedElement struct {
	ID                  int
	DisplayName         string
	Type                string
	Key                 string
	CanEditHooks        bool
	CanEditProps        bool
	CanToggleError      bool
	IsErrored           bool
	Owners              []bridge.SerializedElement
	Props               any
	State               any
	Hooks               any
	Context             any
	Errors              []bridge.MessageCount
	Warnings            []bridge.MessageCount
	RendererPackageName string
	RendererVersion     string
}

// Section returns the hydrated value of one section by name.
func (e *InspectedElement) Section(name string) (any, bool) {
	switch name {
	case bridge.SectionProps:
		return e.Props, true
	case bridge.SectionState:
		return e.State, true
	case bridge.SectionHooks:
		return e.Hooks, true
	case bridge.SectionContext:
		return e.Context, true
	default:
		return nil, false
	}
}

func (e *InspectedElement) sections() map[string]any {
	return map[string]any{
		bridge.SectionProps:   e.Props,
		bridge.SectionState:   e.State,
		bridge.SectionHooks:   e.Hooks,
		bridge.SectionContext: e.Context,
	}
}

func (e *InspectedElement) setSections(m map[string]any) {
	e.Props = m[bridge.SectionProps]
	e.State = m[bridge.SectionState]
	e.Hooks = m[bridge.SectionHooks]
	e.Context = m[bridge.SectionContext]
}

// ConvertBackendToFrontend hydrates every section of a backend payload.
// Sections are dehydrated with the section name as their base path, so
// placeholders carry absolute paths that can be passed to InspectPath.
func ConvertBackendToFrontend(b *bridge.InspectedElementBackend) *InspectedElement {
	if b == nil {
		return nil
	}
	el := &InspectedElement{
		ID:                  b.ID,
		DisplayName:         b.DisplayName,
		Type:                b.Type,
		Key:                 b.Key,
		CanEditHooks:        b.CanEditHooks,
		CanEditProps:        b.CanEditProps,
		CanToggleError:      b.CanToggleError,
		IsErrored:           b.IsErrored,
		Owners:              b.Owners,
		Errors:              b.Errors,
		Warnings:            b.Warnings,
		RendererPackageName: b.RendererPackageName,
		RendererVersion:     b.RendererVersion,
	}
	sections := make(map[string]any, 4)
	var cleaned, unserializable []valuepath.Path
	for name, d := range map[string]*hydration.Dehydrated{
		bridge.SectionProps:   b.Props,
		bridge.SectionState:   b.State,
		bridge.SectionHooks:   b.Hooks,
		bridge.SectionContext: b.Context,
	} {
		if d == nil {
			sections[name] = nil
			continue
		}
		sections[name] = d.Data
		cleaned = append(cleaned, d.Cleaned...)
		unserializable = append(unserializable, d.Unserializable...)
	}
	el.setSections(hydration.Hydrate(sections, cleaned, unserializable).(map[string]any))
	return el
}

// CloneInspectedElementWithPath returns a copy of prev with the subtree at
// path replaced by the hydrated raw payload. path starts with a section
// name. Paths recorded in raw must lie under path, otherwise the merge
// fails with hydration.ErrMergeMismatch and prev is left untouched.
func CloneInspectedElementWithPath(prev *InspectedElement, path valuepath.Path, raw *hydration.Dehydrated) (*InspectedElement, error) {
	path = valuepath.Normalize(path)
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty merge path", ErrBadResponse)
	}
	if _, ok := prev.Section(fmt.Sprint(path[0])); !ok {
		return nil, fmt.Errorf("%w: unknown section %v", ErrBadResponse, path[0])
	}
	if raw == nil {
		raw = &hydration.Dehydrated{}
	}
	current, err := valuepath.Get(prev.sections(), path)
	if err != nil {
		return nil, err
	}
	// Splice into a copy of the spine so prev keeps its own containers.
	sections, err := valuepath.CopyWithSet(prev.sections(), path, current)
	if err != nil {
		return nil, err
	}
	merged, err := hydration.FillInPath(sections, raw, path, raw.Data)
	if err != nil {
		return nil, err
	}
	clone := *prev
	clone.setSections(merged.(map[string]any))
	return &clone, nil
}
