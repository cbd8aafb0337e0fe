package inspect

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/thenable"
	"github.com/danmuck/flightctl/internal/valuepath"
)

// sourceResult is what a settled source read yields.
type sourceResult struct {
	element      *InspectedElement
	responseType string
}

// source remembers the last full element per id so partial responses can
// be merged and no-change answers served.
type source struct {
	mu       sync.Mutex
	elements map[int]*InspectedElement
}

func newSource() *source {
	return &source{elements: make(map[int]*InspectedElement)}
}

func (s *source) get(id int) (*InspectedElement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	return el, ok
}

func (s *source) put(el *InspectedElement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[el.ID] = el
}

func (s *source) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, id)
}

// inspectSource requests element and folds the answer into the source. The
// returned Thenable settles to a sourceResult. Full data is forced when no
// earlier element is known.
func (c *Cache) inspectSource(ctx context.Context, element *Element, path valuepath.Path, rendererID int, listenPause bool) *thenable.Thenable {
	_, known := c.source.get(element.ID)
	out := thenable.New()
	c.sendInspectElement(ctx, !known, element.ID, path, rendererID, listenPause).Then(
		func(v any) {
			res, err := c.applyResponse(element.ID, v.(*bridge.InspectedElementPayload))
			if err != nil {
				out.Reject(err)
				return
			}
			out.Resolve(res)
		},
		func(err error) { out.Reject(err) },
	)
	return out
}

func (c *Cache) applyResponse(id int, msg *bridge.InspectedElementPayload) (sourceResult, error) {
	switch msg.Type {
	case bridge.ResponseFullData:
		if msg.Element == nil {
			return sourceResult{}, fmt.Errorf("%w: full-data without element %d", ErrBadResponse, id)
		}
		el := ConvertBackendToFrontend(msg.Element)
		c.source.put(el)
		return sourceResult{element: el, responseType: msg.Type}, nil
	case bridge.ResponseHydratedPath:
		prev, ok := c.source.get(id)
		if !ok {
			return sourceResult{}, fmt.Errorf("%w: element %d", ErrNoBaseElement, id)
		}
		el, err := CloneInspectedElementWithPath(prev, msg.Path, msg.Value)
		if err != nil {
			return sourceResult{}, err
		}
		c.source.put(el)
		return sourceResult{element: el, responseType: msg.Type}, nil
	case bridge.ResponseNoChange:
		prev, ok := c.source.get(id)
		if !ok {
			return sourceResult{}, fmt.Errorf("%w: element %d", ErrNoBaseElement, id)
		}
		return sourceResult{element: prev, responseType: msg.Type}, nil
	case bridge.ResponseNotFound:
		c.source.forget(id)
		return sourceResult{}, fmt.Errorf("%w: %d", ErrElementNotFound, id)
	case bridge.ResponseError:
		return sourceResult{}, &BackendError{ElementID: id, Type: msg.ErrorType, Message: msg.Message, Stack: msg.Stack}
	default:
		return sourceResult{}, fmt.Errorf("%w: type %q", ErrBadResponse, msg.Type)
	}
}
