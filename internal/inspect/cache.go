package inspect

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/danmuck/flightctl/internal/thenable"
	"github.com/danmuck/flightctl/internal/valuepath"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = time.Second
)

var ErrMissingCollaborator = errors.New("inspect: bridge and store are required")

type Config struct {
	Bridge       bridge.Bridge
	Store        Store
	Timeout      time.Duration
	PollInterval time.Duration
	// Refresh is called with every generation the cache installs, so a
	// host can re-render against it.
	Refresh func(*Generation)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type record struct {
	status   thenable.Status
	value    *InspectedElement
	err      error
	wakeable *thenable.Thenable
}

// Generation holds the records of one render pass. Records are keyed
// weakly by *Element and dropped once the element is collected.
type Generation struct {
	mu      sync.Mutex
	records map[weak.Pointer[Element]]*record
}

func NewGeneration() *Generation {
	return &Generation{records: make(map[weak.Pointer[Element]]*record)}
}

// seedGeneration returns a generation that already holds el for element.
func seedGeneration(element *Element, el *InspectedElement) *Generation {
	g := NewGeneration()
	g.mu.Lock()
	g.insertLocked(element, &record{status: thenable.Fulfilled, value: el})
	g.mu.Unlock()
	return g
}

func (g *Generation) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// Cached returns the resolved element for element, if any.
func (g *Generation) Cached(element *Element) (*InspectedElement, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[weak.Make(element)]
	if !ok || rec.status != thenable.Fulfilled {
		return nil, false
	}
	return rec.value, true
}

func (g *Generation) insertLocked(element *Element, rec *record) {
	key := weak.Make(element)
	if _, ok := g.records[key]; !ok {
		runtime.AddCleanup(element, g.drop, key)
	}
	g.records[key] = rec
}

func (g *Generation) drop(key weak.Pointer[Element]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, key)
}

func (g *Generation) settle(rec *record, el *InspectedElement, err error) {
	g.mu.Lock()
	if rec.status != thenable.Pending {
		g.mu.Unlock()
		return
	}
	if err != nil {
		rec.status, rec.err = thenable.Rejected, err
	} else {
		rec.status, rec.value = thenable.Fulfilled, el
	}
	g.mu.Unlock()
	rec.wakeable.Resolve(nil)
}

// Cache correlates inspection requests with their responses and caches
// the results. Request ids and the storeAsGlobal counter belong to the
// Cache, so independent caches never share them.
type Cache struct {
	cfg        Config
	generation atomic.Pointer[Generation]
	source     *source
	outbox     *session.Outbox
	requestSeq atomic.Uint64
	globalSeq  atomic.Uint64
}

func New(cfg Config) (*Cache, error) {
	if cfg.Bridge == nil || cfg.Store == nil {
		return nil, ErrMissingCollaborator
	}
	c := &Cache{
		cfg:    cfg.withDefaults(),
		source: newSource(),
		outbox: session.NewOutbox(),
	}
	c.generation.Store(NewGeneration())
	return c, nil
}

// Generation returns the generation reads currently use.
func (c *Cache) Generation() *Generation {
	return c.generation.Load()
}

// InFlight lists the requests still waiting for an answer.
func (c *Cache) InFlight() []session.PendingRequest {
	return c.outbox.List()
}

func (c *Cache) refresh(g *Generation) {
	c.generation.Store(g)
	if c.cfg.Refresh != nil {
		c.cfg.Refresh(g)
	}
}

// Inspect returns the inspected element for element. A miss issues one
// request and returns a *SuspendedError; reads made while it is in flight
// return the same Wakeable. A failed request is cached as that failure
// until the generation is replaced.
func (c *Cache) Inspect(element *Element, path valuepath.Path) (*InspectedElement, error) {
	g := c.generation.Load()
	key := weak.Make(element)

	g.mu.Lock()
	rec, ok := g.records[key]
	if !ok {
		rendererID, found := c.cfg.Store.RendererIDForElement(element.ID)
		if !found {
			rec = &record{
				status: thenable.Rejected,
				err:    fmt.Errorf("%w: could not inspect element %d", ErrNoRenderer, element.ID),
			}
			g.insertLocked(element, rec)
			g.mu.Unlock()
			return nil, rec.err
		}
		rec = &record{status: thenable.Pending, wakeable: thenable.New()}
		g.insertLocked(element, rec)
		g.mu.Unlock()

		pending := rec
		c.inspectSource(context.Background(), element, path, rendererID, false).Then(
			func(v any) {
				g.settle(pending, v.(sourceResult).element, nil)
			},
			func(err error) {
				log.Error().Int("element", element.ID).Err(err).Msg("inspect: inspection failed")
				g.settle(pending, nil, err)
			},
		)
		g.mu.Lock()
	}
	defer g.mu.Unlock()

	switch rec.status {
	case thenable.Fulfilled:
		return rec.value, nil
	case thenable.Rejected:
		return nil, rec.err
	default:
		return nil, &SuspendedError{Element: element, Wakeable: rec.wakeable}
	}
}

// Await retries Inspect until it stops suspending or ctx ends.
func (c *Cache) Await(ctx context.Context, element *Element, path valuepath.Path) (*InspectedElement, error) {
	for {
		el, err := c.Inspect(element, path)
		var suspended *SuspendedError
		if !errors.As(err, &suspended) {
			return el, err
		}
		select {
		case <-suspended.Wakeable.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CheckForUpdate asks the backend whether element changed. Only a
// full-data answer installs a new generation seeded with the element; a
// no-change answer does nothing. It must not be called from a read path.
// The request also settles early when polling is paused.
func (c *Cache) CheckForUpdate(ctx context.Context, element *Element) error {
	rendererID, ok := c.cfg.Store.RendererIDForElement(element.ID)
	if !ok {
		return nil
	}
	v, err := c.inspectSource(ctx, element, nil, rendererID, true).Wait(ctx)
	if err != nil {
		return err
	}
	res := v.(sourceResult)
	if res.responseType == bridge.ResponseFullData {
		c.refresh(seedGeneration(element, res.element))
	}
	return nil
}

// InspectPath fetches the subtree at path in full and merges it into the
// known element, then installs a generation seeded with the result.
func (c *Cache) InspectPath(ctx context.Context, element *Element, path valuepath.Path) (*InspectedElement, error) {
	rendererID, ok := c.cfg.Store.RendererIDForElement(element.ID)
	if !ok {
		return nil, fmt.Errorf("%w: could not inspect element %d", ErrNoRenderer, element.ID)
	}
	v, err := c.inspectSource(ctx, element, path, rendererID, false).Wait(ctx)
	if err != nil {
		return nil, err
	}
	res := v.(sourceResult)
	if res.responseType != bridge.ResponseNoChange {
		c.refresh(seedGeneration(element, res.element))
	}
	return res.element, nil
}

// ClearCacheBecauseOfError drops every record by installing an empty
// generation.
func (c *Cache) ClearCacheBecauseOfError() {
	c.refresh(NewGeneration())
}
