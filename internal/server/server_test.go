package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/flightctl/internal/auth"
	"github.com/danmuck/flightctl/internal/backend"
	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/config"
	"github.com/danmuck/flightctl/internal/flight"
	"github.com/danmuck/flightctl/internal/inspect"
	"github.com/danmuck/flightctl/internal/moduleloader"
	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/danmuck/flightctl/internal/testutil/tlstest"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.ServiceConfig {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultServiceConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.RequestTimeout = 2 * time.Second
	cfg.Bridge.HeartbeatInterval = 50 * time.Millisecond
	cfg.Bridge.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
	return cfg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func decodeBody(t *testing.T, body []byte) any {
	t.Helper()
	ctx := testContext(t)
	resp := flight.NewResponse(flight.ResponseOptions{})
	require.NoError(t, resp.ProcessStream(ctx, bytes.NewReader(body)))
	v, err := resp.Root().Wait(ctx)
	require.NoError(t, err)
	return v
}

func serve(t *testing.T, s *Server, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	s := New(testConfig())

	rr := serve(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = serve(t, s, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestFlightRouteStreamsModel(t *testing.T) {
	testlog.Start(t)
	s := New(testConfig())
	require.NoError(t, s.RegisterModel("greeting", func(_ context.Context, q url.Values) (any, error) {
		return map[string]any{"hello": q.Get("who"), "n": 3}, nil
	}))
	require.ErrorIs(t, s.RegisterModel("greeting", func(context.Context, url.Values) (any, error) { return nil, nil }), ErrModelExists)

	rr := serve(t, s, http.MethodGet, "/flight/greeting?who=world", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ContentType, rr.Header().Get("Content-Type"))
	got := decodeBody(t, rr.Body.Bytes()).(map[string]any)
	assert.Equal(t, "world", got["hello"])
	assert.Equal(t, int64(3), got["n"])

	rr = serve(t, s, http.MethodGet, "/flight", nil, nil)
	assert.JSONEq(t, `{"models":["greeting"]}`, rr.Body.String())

	rr = serve(t, s, http.MethodGet, "/flight/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFlightRouteReportsModelError(t *testing.T) {
	testlog.Start(t)
	s := New(testConfig())
	require.NoError(t, s.RegisterModel("broken", func(context.Context, url.Values) (any, error) {
		return nil, errors.New("no data")
	}))
	rr := serve(t, s, http.MethodGet, "/flight/broken", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "no data")
}

func TestActionRoute(t *testing.T) {
	testlog.Start(t)
	s := New(testConfig())
	require.NoError(t, s.RegisterModule("app/actions", moduleloader.Module{
		"echo": moduleloader.Action(func(_ context.Context, args []any) (any, error) {
			return args, nil
		}),
		"value": 1,
	}))

	body, err := flight.EncodeReply(testContext(t), []any{"hi"})
	require.NoError(t, err)

	rr := serve(t, s, http.MethodPost, "/actions", body, http.Header{ActionHeader: {"app/actions#echo"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []any{"hi"}, decodeBody(t, rr.Body.Bytes()))

	rr = serve(t, s, http.MethodPost, "/actions?id="+url.QueryEscape("app/actions#value"), body, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, s, http.MethodPost, "/actions", body, http.Header{ActionHeader: {"lib/secret#echo"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, s, http.MethodPost, "/actions", body, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, s, http.MethodGet, "/modules", nil, nil)
	assert.JSONEq(t, `{"modules":["app/actions"]}`, rr.Body.String())
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.AuthToken = "secret"
	s := New(cfg)

	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, s, http.MethodGet, "/flight", nil, nil).Code)

	h := http.Header{}
	auth.SetBearer(h, "secret")
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/flight", nil, h).Code)
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/flight?token=secret", nil, nil).Code)
}

func startServer(t *testing.T, s *Server) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return "ws://" + ln.Addr().String() + "/bridge", cancel, done
}

func TestBridgeSessionServesInspections(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.AuthToken = "secret"
	s := New(cfg)
	s.UpsertElement(backend.Element{
		ID:          7,
		RendererID:  1,
		DisplayName: "Panel",
		Props:       map[string]any{"title": "hi"},
	})
	wsURL, cancel, done := startServer(t, s)

	h := http.Header{}
	auth.SetBearer(h, "secret")
	down := make(chan struct{}, 1)
	sock, err := bridge.Dial(testContext(t), wsURL, bridge.DialOptions{
		Config: cfg.Session(),
		Peer:   "inspector",
		Header: h,
		Attach: func(s *bridge.Socket) {
			s.AddListener(bridge.EventShutdown, func([]byte) {
				select {
				case down <- struct{}{}:
				default:
				}
			})
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Sessions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	store := inspect.NewMapStore()
	store.Set(7, 1)
	cache, err := inspect.New(inspect.Config{Bridge: sock, Store: store, Timeout: 2 * time.Second})
	require.NoError(t, err)

	el, err := cache.Await(testContext(t), &inspect.Element{ID: 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Panel", el.DisplayName)
	assert.Equal(t, cfg.Name, el.RendererPackageName)
	props := el.Props.(map[string]any)
	assert.Equal(t, "hi", props["title"])

	// Elements published later reach live sessions.
	s.UpsertElement(backend.Element{ID: 8, RendererID: 1, DisplayName: "Late"})
	store.Set(8, 1)
	late, err := cache.Await(testContext(t), &inspect.Element{ID: 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Late", late.DisplayName)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatalf("inspector never saw shutdown")
	}
	<-sock.Done()
}

func TestBridgeRequiresToken(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.AuthToken = "secret"
	s := New(cfg)
	wsURL, _, _ := startServer(t, s)

	_, err := bridge.Dial(testContext(t), wsURL, bridge.DialOptions{Config: cfg.Session(), Peer: "anon"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad handshake") || strings.Contains(err.Error(), "401"), err.Error())
	assert.Empty(t, s.Sessions())
}

func TestBridgeOverMutualTLS(t *testing.T) {
	testlog.Start(t)
	m := tlstest.NewMaterials(t, "frontend.alpha")
	cfg := testConfig()
	cfg.TLS = session.TLSConfig{Enabled: true, Mutual: true, CAFile: m.CAFile, CertFile: m.ServerCert, KeyFile: m.ServerKey}
	s := New(cfg)
	s.UpsertElement(backend.Element{ID: 3, RendererID: 1, DisplayName: "Secure"})
	wsURL, _, _ := startServer(t, s)
	wssURL := "wss" + strings.TrimPrefix(wsURL, "ws")

	clientCfg := cfg.Session()
	clientCfg.TLS = session.TLSConfig{Enabled: true, Mutual: true, CAFile: m.CAFile, CertFile: m.ClientCert, KeyFile: m.ClientKey}
	sock, err := bridge.Dial(testContext(t), wssURL, bridge.DialOptions{Config: clientCfg, Peer: "announced"})
	require.NoError(t, err)
	defer sock.Close()

	require.Eventually(t, func() bool { return len(s.Sessions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	peer, ok := s.Peer(sock.SessionID())
	require.True(t, ok)
	assert.Equal(t, "frontend.alpha", peer)

	store := inspect.NewMapStore()
	store.Set(3, 1)
	cache, err := inspect.New(inspect.Config{Bridge: sock, Store: store, Timeout: 2 * time.Second})
	require.NoError(t, err)
	el, err := cache.Await(testContext(t), &inspect.Element{ID: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Secure", el.DisplayName)

	// Without a client certificate the handshake fails.
	plain := cfg.Session()
	plain.TLS = session.TLSConfig{Enabled: true, CAFile: m.CAFile}
	_, err = bridge.Dial(testContext(t), wssURL, bridge.DialOptions{Config: plain, Peer: "anon"})
	require.Error(t, err)
}
