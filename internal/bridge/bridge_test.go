package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func TestPairDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	front, back := NewPair()
	defer front.Close()

	got := make(chan []byte, 16)
	id := back.AddListener("tick", func(p []byte) { got <- p })
	for i := 0; i < 10; i++ {
		require.NoError(t, front.Send("tick", map[string]int{"n": i}))
	}
	for i := 0; i < 10; i++ {
		var msg struct {
			N int `json:"n"`
		}
		require.NoError(t, Decode(receive(t, got), &msg))
		assert.Equal(t, i, msg.N)
	}

	back.RemoveListener("tick", id)
	assert.Equal(t, 0, back.ListenerCount("tick"))
	require.NoError(t, front.Send("tick", 1))
	select {
	case <-got:
		t.Fatalf("removed listener still called")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPairCloseShutsDownBothSides(t *testing.T) {
	testlog.Start(t)
	front, back := NewPair()
	frontDown := make(chan []byte, 1)
	backDown := make(chan []byte, 1)
	front.AddListener(EventShutdown, func(p []byte) { frontDown <- p })
	back.AddListener(EventShutdown, func(p []byte) { backDown <- p })

	require.NoError(t, front.Close())
	receive(t, frontDown)
	receive(t, backDown)
	require.ErrorIs(t, front.Send("x", nil), ErrClosed)
	require.NoError(t, front.Close())

	select {
	case <-front.Done():
	case <-time.After(time.Second):
		t.Fatalf("closed endpoint did not stop")
	}
	assert.Equal(t, []string{EventShutdown}, back.Events())
	require.NoError(t, back.Close())
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
	return cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	accepted := make(chan *Socket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Accept(w, r, AcceptOptions{
			Config: testConfig(),
			Attach: func(s *Socket) {
				s.AddListener("ping", func(p []byte) {
					_ = s.Send("pong", p)
				})
			},
		})
		if err != nil {
			return
		}
		accepted <- s
	}))
	defer srv.Close()

	pongs := make(chan []byte, 1)
	down := make(chan []byte, 1)
	client, err := Dial(context.Background(), wsURL(srv), DialOptions{
		Config: testConfig(),
		Peer:   "frontend",
		Attach: func(s *Socket) {
			s.AddListener("pong", func(p []byte) { pongs <- p })
			s.AddListener(EventShutdown, func(p []byte) { down <- p })
		},
	})
	require.NoError(t, err)
	assert.Equal(t, session.ProtocolVersion, client.Version())
	assert.NotEmpty(t, client.SessionID())

	server := <-accepted
	assert.Equal(t, "frontend", server.Peer())
	assert.Equal(t, client.SessionID(), server.SessionID())

	require.NoError(t, client.Send("ping", map[string]any{"id": 7}))
	var msg map[string]any
	require.NoError(t, Decode(receive(t, pongs), &msg))
	assert.Equal(t, float64(7), msg["id"])

	require.NoError(t, server.Close())
	receive(t, down)
	<-client.Done()
	require.ErrorIs(t, client.Send("ping", nil), ErrClosed)
}

func TestDialRejectedVersionIsNotRetried(t *testing.T) {
	testlog.Start(t)
	attempts := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts <- struct{}{}
		_, _ = Accept(w, r, AcceptOptions{Config: testConfig()})
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), DialOptions{Config: testConfig(), Version: "v2.0.0"})
	require.ErrorIs(t, err, session.ErrHelloRejected)
	assert.Len(t, attempts, 1)
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	start := time.Now()
	_, err := Dial(context.Background(), url, DialOptions{Config: testConfig()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
