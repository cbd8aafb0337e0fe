package moduleloader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/danmuck/flightctl/internal/thenable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveClientReferenceJoinsBase(t *testing.T) {
	testlog.Start(t)
	meta := ResolveClientReference("https://app.local/assets/", [2]string{"button.js", "Button"})
	assert.Equal(t, Metadata{Specifier: "https://app.local/assets/button.js", Name: "Button"}, meta)
}

func TestResolveServerReference(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		id      string
		want    Metadata
		wantErr error
	}{
		{"export", "file:///app/actions.js#save", Metadata{Specifier: "file:///app/actions.js", Name: "save"}, nil},
		{"last hash wins", "file:///app/a#b.js#run", Metadata{Specifier: "file:///app/a#b.js", Name: "run"}, nil},
		{"outside root", "file:///etc/passwd#x", Metadata{}, ErrPathViolation},
		{"parent escape", "file:///app/../etc/passwd#x", Metadata{}, ErrPathViolation},
	}
	for _, tc := range cases {
		got, err := ResolveServerReference("file:///app/", tc.id)
		if tc.wantErr != nil {
			require.ErrorIs(t, err, tc.wantErr, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestResolveServerReferenceStopsAtSegmentBoundary(t *testing.T) {
	testlog.Start(t)
	_, err := ResolveServerReference("file:///srv/app", "file:///srv/app2/actions.js#save")
	require.ErrorIs(t, err, ErrPathViolation)

	got, err := ResolveServerReference("file:///srv/app", "file:///srv/app/actions.js#save")
	require.NoError(t, err)
	assert.Equal(t, Metadata{Specifier: "file:///srv/app/actions.js", Name: "save"}, got)
}

func TestManifestResolution(t *testing.T) {
	testlog.Start(t)
	client := ClientManifest{
		"m1": {
			"Button": {ID: "chunk/button", Chunks: []string{"c1"}, Name: "Button"},
			"*":      {ID: "chunk/all", Chunks: []string{"c2"}},
		},
	}
	meta, err := client.Resolve("m1", "Button")
	require.NoError(t, err)
	assert.Equal(t, "chunk/button", meta.Specifier)
	meta, err = client.Resolve("m1", "Other")
	require.NoError(t, err)
	assert.Equal(t, Metadata{Specifier: "chunk/all", Name: "Other", Chunks: []string{"c2"}}, meta)
	_, err = client.Resolve("missing", "x")
	require.ErrorIs(t, err, ErrModuleNotFound)

	server := ServerManifest{"actions": {ID: "chunk/actions", Chunks: []string{"c3"}}}
	meta, err = server.Resolve("actions#save")
	require.NoError(t, err)
	assert.Equal(t, "save", meta.Name)
	_, err = server.Resolve("nope#save")
	require.ErrorIs(t, err, ErrModuleNotFound)
}

type countingSource struct {
	calls   atomic.Int32
	release chan struct{}
	mods    map[string]Module
	fail    map[string]error
}

func (c *countingSource) LoadChunk(ctx context.Context, name string) (Module, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := c.fail[name]; err != nil {
		return nil, err
	}
	return c.mods[name], nil
}

func TestPreloadStateMachine(t *testing.T) {
	testlog.Start(t)
	src := &countingSource{
		release: make(chan struct{}),
		mods:    map[string]Module{"app/button.js": {"Button": "btn"}},
	}
	l := NewLoader(src, Options{})
	meta := Metadata{Specifier: "app/button.js", Name: "Button"}

	assert.Equal(t, Unrequested, l.State(meta.Specifier))
	first := l.Preload(meta)
	require.NotNil(t, first)
	second := l.Preload(meta)
	assert.Same(t, first, second, "pending preload returns the same handle")
	assert.Equal(t, Loading, l.State(meta.Specifier))

	_, err := l.Require(meta)
	require.ErrorIs(t, err, ErrNotPreloaded)

	close(src.release)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)

	assert.Nil(t, l.Preload(meta), "fulfilled preload is a no-op")
	assert.Equal(t, Loaded, l.State(meta.Specifier))
	v, err := l.Require(meta)
	require.NoError(t, err)
	assert.Equal(t, "btn", v)
	assert.EqualValues(t, 1, src.calls.Load())

	all, err := l.Require(Metadata{Specifier: meta.Specifier, Name: ExportAll})
	require.NoError(t, err)
	assert.Equal(t, Module{"Button": "btn"}, all)

	_, err = l.Require(Metadata{Specifier: meta.Specifier, Name: "Missing"})
	require.ErrorIs(t, err, ErrExportNotFound)
}

func TestRequireRethrowsStoredReason(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("network down")
	src := &countingSource{fail: map[string]error{"app/x.js": boom}}
	l := NewLoader(src, Options{})
	meta := Metadata{Specifier: "app/x.js", Name: "X"}

	pending := l.Preload(meta)
	_, err := pending.Wait(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, thenable.Rejected, pending.Status())
	assert.Equal(t, Failed, l.State(meta.Specifier))

	_, err = l.Require(meta)
	require.ErrorIs(t, err, boom)
	assert.Same(t, pending, l.Preload(meta), "rejected state is never reset")
}

func TestChunksLoadOnceAcrossModules(t *testing.T) {
	testlog.Start(t)
	src := &countingSource{mods: map[string]Module{
		"shared": {},
		"a.js":   {"A": 1},
		"b.js":   {"B": 2},
	}}
	l := NewLoader(src, Options{})
	var wg sync.WaitGroup
	for _, meta := range []Metadata{
		{Specifier: "a.js", Name: "A", Chunks: []string{"shared"}},
		{Specifier: "b.js", Name: "B", Chunks: []string{"shared"}},
	} {
		wg.Add(1)
		go func(meta Metadata) {
			defer wg.Done()
			_, err := l.Load(context.Background(), meta)
			assert.NoError(t, err)
		}(meta)
	}
	wg.Wait()
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestLoadTimeoutRejects(t *testing.T) {
	testlog.Start(t)
	src := &countingSource{release: make(chan struct{})}
	l := NewLoader(src, Options{LoadTimeout: 10 * time.Millisecond})
	_, err := l.Load(context.Background(), Metadata{Specifier: "slow.js", Name: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadServerAction(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	require.NoError(t, reg.Register("file:///app/actions.js", Module{
		"echo": Action(func(_ context.Context, args []any) (any, error) {
			return args, nil
		}),
		"plain": func(_ context.Context, args []any) (any, error) { return len(args), nil },
		"value": 3,
	}))
	l := NewLoader(reg, Options{})

	echo, err := l.LoadServerAction(context.Background(), "file:///app/", "file:///app/actions.js#echo")
	require.NoError(t, err)
	out, err := echo(context.Background(), []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, []any{"hi"}, out)

	plain, err := l.LoadServerAction(context.Background(), "file:///app/", "file:///app/actions.js#plain")
	require.NoError(t, err)
	n, _ := plain(context.Background(), []any{1, 2})
	assert.Equal(t, 2, n)

	_, err = l.LoadServerAction(context.Background(), "file:///app/", "file:///app/actions.js#value")
	require.ErrorIs(t, err, ErrNotAction)

	_, err = l.LoadServerAction(context.Background(), "file:///app/", "file:///other/actions.js#echo")
	require.ErrorIs(t, err, ErrPathViolation)
}

func TestRegistryValidation(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	require.NoError(t, reg.Register("b.js", Module{}))
	require.NoError(t, reg.Register("a.js", Module{}))
	require.ErrorIs(t, reg.Register("a.js", Module{}), ErrModuleExists)
	require.ErrorIs(t, reg.Register("", Module{}), ErrInvalidModule)
	require.ErrorIs(t, reg.Register("a b.js", Module{}), ErrInvalidModule)
	require.ErrorIs(t, reg.Register("../x.js", Module{}), ErrInvalidModule)
	require.ErrorIs(t, reg.Register("c.js", nil), ErrInvalidModule)
	assert.Equal(t, []string{"a.js", "b.js"}, reg.List())

	_, err := reg.LoadChunk(context.Background(), "zzz.js")
	require.ErrorIs(t, err, ErrModuleNotFound)
}
