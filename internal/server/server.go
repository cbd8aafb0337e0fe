// Package server hosts flight streams, server actions and the inspection
// bridge behind one gin router.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/flightctl/internal/auth"
	"github.com/danmuck/flightctl/internal/backend"
	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/config"
	"github.com/danmuck/flightctl/internal/moduleloader"
	"github.com/danmuck/flightctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

var (
	ErrModelNotFound = errors.New("server: model not found")
	ErrModelExists   = errors.New("server: model already registered")
)

// ModelFunc produces the model streamed for one request.
type ModelFunc func(ctx context.Context, query url.Values) (any, error)

type Server struct {
	cfg      config.ServiceConfig
	router   *gin.Engine
	registry *moduleloader.Registry
	loader   *moduleloader.Loader
	started  time.Time

	mu       sync.Mutex
	models   map[string]ModelFunc
	elements map[int]backend.Element
	peers    map[string]*peer
}

// peer is one connected inspector.
type peer struct {
	sock  *bridge.Socket
	agent *backend.Agent
}

func New(cfg config.ServiceConfig) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CorsOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	registry := moduleloader.NewRegistry()
	s := &Server{
		cfg:      cfg,
		router:   r,
		registry: registry,
		loader:   moduleloader.NewLoader(registry, moduleloader.Options{LoadTimeout: cfg.RequestTimeout}),
		started:  time.Now(),
		models:   make(map[string]ModelFunc),
		elements: make(map[int]backend.Element),
		peers:    make(map[string]*peer),
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Modules() *moduleloader.Registry {
	return s.registry
}

// RegisterModel exposes fn as GET /flight/<name>.
func (s *Server) RegisterModel(name string, fn ModelFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: model needs a name and a function", moduleloader.ErrInvalidModule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[name]; ok {
		return fmt.Errorf("%w: %q", ErrModelExists, name)
	}
	s.models[name] = fn
	return nil
}

// RegisterModule adds an in-process module whose exports back client
// references and server actions.
func (s *Server) RegisterModule(specifier string, mod moduleloader.Module) error {
	return s.registry.Register(specifier, mod)
}

func (s *Server) model(name string) (ModelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.models[name]
	return fn, ok
}

func (s *Server) modelNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.models))
	for name := range s.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UpsertElement publishes el to every connected inspector, and to every
// inspector that connects later.
func (s *Server) UpsertElement(el backend.Element) {
	s.mu.Lock()
	s.elements[el.ID] = el
	agents := s.agentList()
	s.mu.Unlock()
	for _, a := range agents {
		a.Upsert(el)
	}
}

func (s *Server) RemoveElement(id int) {
	s.mu.Lock()
	delete(s.elements, id)
	agents := s.agentList()
	s.mu.Unlock()
	for _, a := range agents {
		a.Remove(id)
	}
}

// Sessions lists the ids of connected bridge sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Peer returns the peer name of a session: the verified client certificate
// identity under mutual TLS, otherwise what the peer announced.
func (s *Server) Peer(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[sessionID]
	if !ok {
		return "", false
	}
	return p.sock.Peer(), true
}

// agentList must be called with mu held.
func (s *Server) agentList() []*backend.Agent {
	out := make([]*backend.Agent, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.agent)
	}
	return out
}

// attach builds the agent for a new socket before it starts reading.
func (s *Server) attach(sock *bridge.Socket) {
	agent := backend.NewAgent(sock, backend.Options{
		RendererPackageName: s.cfg.Name,
		RendererVersion:     Version,
	})
	s.mu.Lock()
	for _, el := range s.elements {
		agent.Upsert(el)
	}
	s.peers[sock.SessionID()] = &peer{sock: sock, agent: agent}
	s.mu.Unlock()

	go func() {
		<-sock.Done()
		s.mu.Lock()
		delete(s.peers, sock.SessionID())
		s.mu.Unlock()
		_ = agent.Close()
		log.Info().Str("session", sock.SessionID()).Msg("server: bridge session ended")
	}()
}

func (s *Server) validator() auth.Validator {
	if s.cfg.AuthToken == "" {
		return nil
	}
	return auth.StaticToken{Token: s.cfg.AuthToken}
}

// Run serves until ctx ends, then shuts the listener down and closes every
// bridge session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	tlsCfg, err := s.cfg.Session().ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.RequestTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().
		Str("name", s.cfg.Name).
		Str("addr", ln.Addr().String()).
		Bool("tls", tlsCfg != nil).
		Msg("server: listening")

	select {
	case err := <-errCh:
		s.closeSessions()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	s.closeSessions()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// closeSessions tells every inspector the backend is going away. Hijacked
// websocket connections are not covered by http.Server.Shutdown.
func (s *Server) closeSessions() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		if err := p.agent.Close(); err != nil {
			log.Warn().Err(err).Str("session", p.sock.SessionID()).Msg("server: close bridge agent")
		}
		_ = p.sock.Close()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
