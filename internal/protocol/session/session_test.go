package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/flightctl/internal/protocol"
	"github.com/danmuck/flightctl/internal/protocol/frame"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/danmuck/flightctl/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestRetrierStopsAtMaxAttempts(t *testing.T) {
	testlog.Start(t)
	r := NewRetrier(BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 2}, 1)
	ctx := context.Background()
	for !r.Exhausted() {
		if err := r.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if r.Attempt() != 2 {
		t.Fatalf("attempts=%d", r.Attempt())
	}
	r.Reset()
	if r.Exhausted() {
		t.Fatalf("reset retrier should not be exhausted")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	slow := NewRetrier(BackoffConfig{InitialDelay: time.Hour}, 1)
	if err := slow.Wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HandshakeTimeout: time.Second, SecurityMode: " Production "}.WithDefaults()
	if cfg.HandshakeTimeout != time.Second {
		t.Fatalf("explicit timeout overwritten: %v", cfg.HandshakeTimeout)
	}
	if cfg.ConnectTimeout != DefaultConfig().ConnectTimeout || cfg.Backoff.InitialDelay == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SecurityMode != SecurityModeProduction {
		t.Fatalf("security mode not normalized: %q", cfg.SecurityMode)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(PendingRequest{RequestID: 2, Event: "inspectElement", Subject: "7", SentAt: now, DeadlineAt: now.Add(10 * time.Second)})
	o.Upsert(PendingRequest{RequestID: 1, Event: "inspectElement", Subject: "3", SentAt: now, DeadlineAt: now.Add(time.Second)})

	if o.Len() != 2 {
		t.Fatalf("len=%d", o.Len())
	}
	list := o.List()
	if list[0].RequestID != 1 || list[1].RequestID != 2 {
		t.Fatalf("unexpected order: %+v", list)
	}
	overdue := o.Overdue(now.Add(5 * time.Second))
	if len(overdue) != 1 || overdue[0].RequestID != 1 {
		t.Fatalf("unexpected overdue: %+v", overdue)
	}
	if !o.Remove(1) {
		t.Fatalf("expected request 1 to be in flight")
	}
	if o.Remove(1) {
		t.Fatalf("request 1 removed twice")
	}
	if _, ok := o.Get(2); !ok {
		t.Fatalf("expected request 2")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	row, err := EncodeHello(Hello{SessionID: "s-1", Version: ProtocolVersion, Peer: "frontend"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	var buf bytes.Buffer
	if err := protocol.WriteRow(&buf, row, frame.DefaultLimits()); err != nil {
		t.Fatalf("write row: %v", err)
	}
	read, err := protocol.ReadRow(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	got, err := DecodeHello(read)
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if got.SessionID != "s-1" || got.Version != ProtocolVersion || got.Peer != "frontend" {
		t.Fatalf("unexpected hello: %+v", got)
	}
	if _, err := DecodeHelloAck(read); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck for hello row, got %v", err)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := Answer(Hello{SessionID: "s-2", Version: "v1.0.3"}, MinPeerVersion)
	row, err := EncodeHelloAck(ack)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	got, err := DecodeHelloAck(row)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Status != AckStatusAccepted || got.SessionID != "s-2" || got.Version != ProtocolVersion {
		t.Fatalf("unexpected ack: %+v", got)
	}
	if err := got.Accepted(); err != nil {
		t.Fatalf("accepted ack reported %v", err)
	}
}

func TestAnswerRejectsIncompatibleVersions(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		version string
		want    error
	}{
		{"v0.9.0", ErrVersionMismatch},
		{"v2.0.0", ErrVersionMismatch},
		{"1.0.0", ErrInvalidVersion},
	}
	for _, tc := range cases {
		ack := Answer(Hello{SessionID: "s", Version: tc.version}, MinPeerVersion)
		if ack.Status != AckStatusRejected {
			t.Fatalf("%s: expected rejection, got %+v", tc.version, ack)
		}
		if err := ack.Accepted(); !errors.Is(err, ErrHelloRejected) {
			t.Fatalf("%s: expected ErrHelloRejected, got %v", tc.version, err)
		}
		if tc.version != "1.0.0" {
			if err := CheckVersion(tc.version, MinPeerVersion); !errors.Is(err, tc.want) {
				t.Fatalf("%s: expected %v, got %v", tc.version, tc.want, err)
			}
		}
	}
	if err := CheckVersion("v1.0.0", "v1.1.0"); !errors.Is(err, ErrVersionTooOld) {
		t.Fatalf("expected ErrVersionTooOld, got %v", err)
	}
	if !VersionGTE("v1.1.0", "v1.1.0") || VersionGT("v1.1.0", "v1.1.0") || !VersionGT("v1.2.0", "v1.1.9") {
		t.Fatalf("version comparison mismatch")
	}
}

func TestEncodeDecodeEventRow(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeEventRow(42, Event{Name: "inspectElement", Payload: []byte(`{"id":7}`)}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode event row: %v", err)
	}
	row, err := protocol.ReadRow(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if row.ID != 42 {
		t.Fatalf("unexpected seq %d", row.ID)
	}
	got, err := DecodeEventRow(row)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Name != "inspectElement" || string(got.Payload) != `{"id":7}` {
		t.Fatalf("unexpected event: %+v", got)
	}
	if _, err := EncodeEventRow(1, Event{}, frame.DefaultLimits()); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestTLSConfigBuilders(t *testing.T) {
	testlog.Start(t)
	m := tlstest.NewMaterials(t, "frontend.alpha")

	cfg := DefaultConfig()
	if tlsCfg, err := cfg.ClientTLSConfig("127.0.0.1:9000"); err != nil || tlsCfg != nil {
		t.Fatalf("disabled tls should yield nil config, got %v %v", tlsCfg, err)
	}

	cfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   m.CAFile,
		CertFile: m.ServerCert,
		KeyFile:  m.ServerKey,
	}
	server, err := cfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	if server.ClientCAs == nil || len(server.Certificates) != 1 {
		t.Fatalf("server tls config missing material: %+v", server)
	}

	cfg.TLS.CertFile = m.ClientCert
	cfg.TLS.KeyFile = m.ClientKey
	client, err := cfg.ClientTLSConfig("localhost:9000")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if client.ServerName != "localhost" || client.RootCAs == nil || len(client.Certificates) != 1 {
		t.Fatalf("client tls config missing material: %+v", client)
	}
	if PeerIdentity(nil) != "" {
		t.Fatalf("nil state should have no identity")
	}
}
