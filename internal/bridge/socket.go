package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flightctl/internal/observability"
	"github.com/danmuck/flightctl/internal/protocol"
	"github.com/danmuck/flightctl/internal/protocol/frame"
	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Socket is a Bridge over one websocket connection. Each websocket binary
// message carries exactly one row. Losing the connection delivers a local
// shutdown event.
type Socket struct {
	conn      *websocket.Conn
	sessionID string
	peer      string
	version   string
	cfg       session.Config
	limits    frame.Limits
	ls        listeners

	writeMu      sync.Mutex
	seq          atomic.Uint64
	closed       atomic.Bool
	shutdownOnce sync.Once
	done         chan struct{}
}

// AcceptOptions configures the server side of a socket.
type AcceptOptions struct {
	Config     session.Config
	MinVersion string
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
	// Attach runs before the socket starts reading so no early event is
	// missed.
	Attach func(s *Socket)
}

// DialOptions configures the client side of a socket.
type DialOptions struct {
	Config  session.Config
	Version string
	Peer    string
	Header  http.Header
	Attach  func(s *Socket)
}

// Accept upgrades r and runs the hello handshake as the answering side.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Socket, error) {
	cfg := opts.Config.WithDefaults()
	minVersion := opts.MinVersion
	if minVersion == "" {
		minVersion = session.MinPeerVersion
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      check,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	row, err := readRow(conn, frame.DefaultLimits())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge: read hello: %w", err)
	}
	hello, err := session.DecodeHello(row)
	ack := session.Answer(hello, minVersion)
	if err != nil {
		ack = session.HelloAck{SessionID: uuid.NewString(), Version: session.ProtocolVersion, Status: session.AckStatusRejected, Message: err.Error()}
	}
	if werr := writeControl(conn, ack, cfg.WriteTimeout); werr != nil {
		_ = conn.Close()
		return nil, werr
	}
	if err := ack.Accepted(); err != nil {
		log.Warn().Str("session", ack.SessionID).Str("version", hello.Version).Err(err).Msg("bridge: hello rejected")
		_ = conn.Close()
		return nil, err
	}

	peer := hello.Peer
	if id := session.PeerIdentity(r.TLS); id != "" {
		peer = id
	}
	s := newSocket(conn, hello.SessionID, peer, hello.Version, cfg)
	if opts.Attach != nil {
		opts.Attach(s)
	}
	s.start()
	log.Info().Str("session", s.sessionID).Str("peer", peer).Str("version", hello.Version).Msg("bridge: session accepted")
	return s, nil
}

// Dial connects to rawURL and runs the hello handshake, retrying failed
// attempts with the configured backoff. A rejected hello is not retried.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Socket, error) {
	cfg := opts.Config.WithDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.ClientTLSConfig(u.Host)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	version := opts.Version
	if version == "" {
		version = session.ProtocolVersion
	}

	retrier := session.NewRetrier(cfg.Backoff, time.Now().UnixNano())
	for {
		s, err := dialOnce(ctx, &dialer, rawURL, opts, version, cfg)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, session.ErrHelloRejected) || retrier.Exhausted() {
			return nil, err
		}
		log.Warn().Str("url", rawURL).Int("attempt", retrier.Attempt()+1).Err(err).Msg("bridge: dial failed")
		if werr := retrier.Wait(ctx); werr != nil {
			return nil, errors.Join(err, werr)
		}
	}
}

func dialOnce(ctx context.Context, dialer *websocket.Dialer, rawURL string, opts DialOptions, version string, cfg session.Config) (*Socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, rawURL, opts.Header)
	if err != nil {
		return nil, err
	}
	hello := session.Hello{SessionID: uuid.NewString(), Version: version, Peer: opts.Peer}
	if err := writeControl(conn, hello, cfg.WriteTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	row, err := readRow(conn, frame.DefaultLimits())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge: read hello ack: %w", err)
	}
	ack, err := session.DecodeHelloAck(row)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ack.Accepted(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s := newSocket(conn, hello.SessionID, "", ack.Version, cfg)
	if opts.Attach != nil {
		opts.Attach(s)
	}
	s.start()
	return s, nil
}

func newSocket(conn *websocket.Conn, sessionID, peer, version string, cfg session.Config) *Socket {
	s := &Socket{
		conn:      conn,
		sessionID: sessionID,
		peer:      peer,
		version:   version,
		cfg:       cfg,
		limits:    frame.DefaultLimits(),
		done:      make(chan struct{}),
	}
	return s
}

func (s *Socket) start() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SessionDeadAfter))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.SessionDeadAfter))
	})
	go s.readLoop()
	go s.heartbeat()
}

func (s *Socket) SessionID() string {
	return s.sessionID
}

// Peer names the dialing side by certificate identity or its hello peer
// field. It is empty on the dialing side.
func (s *Socket) Peer() string {
	return s.peer
}

// Version is the protocol version the other side announced.
func (s *Socket) Version() string {
	return s.version
}

// Done is closed once the connection is gone.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) Send(event string, payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	b, err := session.EncodeEventRow(s.seq.Add(1), session.Event{Name: event, Payload: raw}, s.limits)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	observability.RecordBridgeMessage("send", event)
	return nil
}

func (s *Socket) AddListener(event string, h Handler) ListenerID {
	return s.ls.add(event, h)
}

func (s *Socket) RemoveListener(event string, id ListenerID) {
	s.ls.remove(event, id)
}

func (s *Socket) ListenerCount(event string) int {
	return s.ls.count(event)
}

// Close sends a close frame and tears down the connection. The local
// shutdown event fires once the read loop exits.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(s.cfg.WriteTimeout))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Socket) readLoop() {
	defer func() {
		s.closed.Store(true)
		_ = s.conn.Close()
		s.shutdownOnce.Do(func() {
			log.Info().Str("session", s.sessionID).Msg("bridge: session ended")
			s.ls.emit(EventShutdown, []byte("null"))
		})
		close(s.done)
	}()
	for {
		row, err := readRow(s.conn, s.limits)
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Str("session", s.sessionID).Err(err).Msg("bridge: read failed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SessionDeadAfter))
		ev, err := session.DecodeEventRow(row)
		if err != nil {
			log.Warn().Str("session", s.sessionID).Err(err).Msg("bridge: dropping malformed event")
			continue
		}
		observability.RecordBridgeMessage("receive", ev.Name)
		s.ls.emit(ev.Name, ev.Payload)
	}
}

func (s *Socket) heartbeat() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				log.Debug().Str("session", s.sessionID).Err(err).Msg("bridge: ping failed")
				return
			}
		}
	}
}

type controlMessage interface {
	session.Hello | session.HelloAck
}

func writeControl[T controlMessage](conn *websocket.Conn, msg T, timeout time.Duration) error {
	var (
		row protocol.Row
		err error
	)
	switch m := any(msg).(type) {
	case session.Hello:
		row, err = session.EncodeHello(m)
	case session.HelloAck:
		row, err = session.EncodeHelloAck(m)
	}
	if err != nil {
		return err
	}
	b, err := protocol.AppendRow(nil, row, frame.DefaultLimits())
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func readRow(conn *websocket.Conn, limits frame.Limits) (protocol.Row, error) {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Row{}, err
	}
	if mt != websocket.BinaryMessage {
		return protocol.Row{}, fmt.Errorf("bridge: unexpected websocket message type %d", mt)
	}
	return protocol.ReadRow(bytes.NewReader(data), limits)
}
