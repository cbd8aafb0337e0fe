package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flightctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServiceConfigOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
addr = ":9999"
poll_interval = "250ms"
cors_origins = [" http://a ", ""]

[bridge]
heartbeat_interval = "2s"
`)
	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)

	def := DefaultServiceConfig()
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, def.Name, cfg.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, def.RequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, []string{"http://a"}, cfg.CorsOrigins)
	assert.Equal(t, 2*time.Second, cfg.Bridge.HeartbeatInterval)
	assert.Equal(t, def.Bridge.SessionDeadAfter, cfg.Bridge.SessionDeadAfter)
	assert.Equal(t, def.MaxFrameBytes, cfg.Limits().MaxPayloadBytes)
}

func TestLoadServiceConfigRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	_, err := LoadServiceConfig(writeFile(t, `request_timeout = "soon"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_timeout")
}

func TestLoadServiceConfigEnforcesProductionTLS(t *testing.T) {
	testlog.Start(t)
	_, err := LoadServiceConfig(writeFile(t, `
[bridge]
security_mode = "production"
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := LoadServiceConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	serverPath := filepath.Join(dir, "server.toml")
	require.NoError(t, WriteTemplate(serverPath, KindServer, false))
	svc, err := LoadServiceConfig(serverPath)
	require.NoError(t, err)
	assert.Equal(t, "flightctl", svc.Name)
	assert.Equal(t, session.SecurityModeDevelopment, svc.Bridge.SecurityMode)

	clientPath := filepath.Join(dir, "client.toml")
	require.NoError(t, WriteTemplate(clientPath, KindClient, false))
	cli, err := LoadClientConfig(clientPath)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9400/bridge", cli.URL)
	assert.Equal(t, 5, cli.Bridge.Backoff.MaxAttempts)

	require.Error(t, WriteTemplate(serverPath, KindServer, false))
	require.NoError(t, WriteTemplate(serverPath, KindClient, true))
}

func TestTemplateUnknownKind(t *testing.T) {
	testlog.Start(t)
	_, err := Template("agent")
	require.Error(t, err)
}

func TestLoadClientConfigRejectsHTTPURL(t *testing.T) {
	testlog.Start(t)
	_, err := LoadClientConfig(writeFile(t, `url = "http://localhost:9400"`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestMarshalRoundTripsThroughLoader(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Addr = ":7000"
	cfg.PollInterval = 3 * time.Second
	cfg.AuthToken = "secret"

	out, err := Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")

	loaded, err := LoadServiceConfig(writeFile(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, ":7000", loaded.Addr)
	assert.Equal(t, 3*time.Second, loaded.PollInterval)
	assert.Equal(t, cfg.Bridge.HeartbeatInterval, loaded.Bridge.HeartbeatInterval)
}

func TestSessionCarriesTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultClientConfig()
	cfg.TLS = session.TLSConfig{Enabled: true, InsecureSkipVerify: true}
	assert.True(t, cfg.Session().TLS.Enabled)
	require.NoError(t, ValidateClientConfig(cfg))
}
