package moduleloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/flightctl/internal/thenable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Module is a loaded module's export table.
type Module map[string]any

// ChunkLoader fetches module code. Chunk names and module specifiers share
// the same namespace.
type ChunkLoader interface {
	LoadChunk(ctx context.Context, name string) (Module, error)
}

// ChunkLoaderFunc adapts a function into a ChunkLoader.
type ChunkLoaderFunc func(ctx context.Context, name string) (Module, error)

func (f ChunkLoaderFunc) LoadChunk(ctx context.Context, name string) (Module, error) {
	return f(ctx, name)
}

// State is the load status of one module. Transitions only move forward.
type State int

const (
	Unrequested State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "pending"
	case Loaded:
		return "fulfilled"
	case Failed:
		return "rejected"
	default:
		return "unrequested"
	}
}

type Options struct {
	// Context bounds every load started by Preload.
	Context     context.Context
	LoadTimeout time.Duration
}

// Loader caches one load per module specifier.
type Loader struct {
	source  ChunkLoader
	ctx     context.Context
	timeout time.Duration

	mu      sync.Mutex
	modules map[string]*thenable.Thenable
	chunks  map[string]Module
	flight  singleflight.Group
}

func NewLoader(chunks ChunkLoader, opts Options) *Loader {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Loader{
		source:  chunks,
		ctx:     ctx,
		timeout: opts.LoadTimeout,
		modules: make(map[string]*thenable.Thenable),
		chunks:  make(map[string]Module),
	}
}

// Preload starts loading meta's module and its chunks. It returns nil when
// the module is already loaded, the in-flight Thenable when a load is
// running or failed, and never fails synchronously.
func (l *Loader) Preload(meta Metadata) *thenable.Thenable {
	l.mu.Lock()
	if existing, ok := l.modules[meta.Specifier]; ok {
		l.mu.Unlock()
		if existing.Status() == thenable.Fulfilled {
			return nil
		}
		return existing
	}
	pending := thenable.New()
	l.modules[meta.Specifier] = pending
	l.mu.Unlock()

	go l.load(meta, pending)
	return pending
}

func (l *Loader) load(meta Metadata, pending *thenable.Thenable) {
	ctx := l.ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	for _, chunk := range meta.Chunks {
		if _, err := l.loadOnce(ctx, chunk); err != nil {
			log.Warn().Str("chunk", chunk).Str("module", meta.Specifier).Err(err).Msg("moduleloader: chunk load failed")
			pending.Reject(err)
			return
		}
	}
	mod, err := l.loadOnce(ctx, meta.Specifier)
	if err != nil {
		log.Warn().Str("module", meta.Specifier).Err(err).Msg("moduleloader: module load failed")
		pending.Reject(err)
		return
	}
	pending.Resolve(mod)
}

// loadOnce fetches name at most once per Loader; concurrent callers share
// the in-flight fetch and failures are not cached.
func (l *Loader) loadOnce(ctx context.Context, name string) (Module, error) {
	l.mu.Lock()
	cached, ok := l.chunks[name]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}
	v, err, _ := l.flight.Do(name, func() (any, error) {
		l.mu.Lock()
		cached, ok := l.chunks[name]
		l.mu.Unlock()
		if ok {
			return cached, nil
		}
		mod, err := l.source.LoadChunk(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", name, err)
		}
		l.mu.Lock()
		l.chunks[name] = mod
		l.mu.Unlock()
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	mod, _ := v.(Module)
	return mod, nil
}

// Require returns the export named by meta. Preload must have settled
// first; otherwise ErrNotPreloaded is returned. A failed load returns its
// stored reason.
func (l *Loader) Require(meta Metadata) (any, error) {
	l.mu.Lock()
	th, ok := l.modules[meta.Specifier]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPreloaded, meta)
	}
	v, err := th.Value()
	if errors.Is(err, thenable.ErrNotReady) {
		return nil, fmt.Errorf("%w: %s", ErrNotPreloaded, meta)
	}
	if err != nil {
		return nil, err
	}
	mod, _ := v.(Module)
	if meta.Name == ExportAll {
		return mod, nil
	}
	export, ok := mod[meta.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, meta)
	}
	return export, nil
}

// Load preloads meta and waits for it before requiring it.
func (l *Loader) Load(ctx context.Context, meta Metadata) (any, error) {
	if pending := l.Preload(meta); pending != nil {
		if _, err := pending.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.Require(meta)
}

// State reports the load status of specifier.
func (l *Loader) State(specifier string) State {
	l.mu.Lock()
	th, ok := l.modules[specifier]
	l.mu.Unlock()
	if !ok {
		return Unrequested
	}
	switch th.Status() {
	case thenable.Fulfilled:
		return Loaded
	case thenable.Rejected:
		return Failed
	default:
		return Loading
	}
}

// Action is a server-invokable function.
type Action func(ctx context.Context, args []any) (any, error)

// LoadServerAction resolves id under baseURL, loads its module and returns
// the export as an Action.
func (l *Loader) LoadServerAction(ctx context.Context, baseURL, id string) (Action, error) {
	meta, err := ResolveServerReference(baseURL, id)
	if err != nil {
		return nil, err
	}
	export, err := l.Load(ctx, meta)
	if err != nil {
		return nil, err
	}
	switch fn := export.(type) {
	case Action:
		return fn, nil
	case func(context.Context, []any) (any, error):
		return fn, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrNotAction, meta, export)
	}
}
