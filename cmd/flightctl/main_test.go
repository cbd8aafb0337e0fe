package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/flightctl/internal/config"
	"github.com/danmuck/flightctl/internal/server"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func startBuiltins(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultServiceConfig()
	cfg.RequestTimeout = 2 * time.Second
	s := server.New(cfg)
	require.NoError(t, registerBuiltins(s, cfg))
	srv := httptest.NewServer(s.HTTPRouter())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge"
}

func TestConfigInitShowValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "server.toml")

	out, err := run(t, "config", "init", "--kind", "server", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, "config", "init", "--kind", "server", "-o", path)
	require.Error(t, err)

	out, err = run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "validated server config")

	out, err = run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "addr")
	assert.Contains(t, out, ":9400")

	_, err = run(t, "config", "show", "--kind", "agent")
	require.Error(t, err)
}

func TestFetchStatusModel(t *testing.T) {
	testlog.Start(t)
	url := startBuiltins(t)

	out, err := run(t, "fetch", "status", "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "flightctl"`)
	assert.Contains(t, out, "app/builtin")

	_, err = run(t, "fetch", "missing", "--url", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCallBuiltinAction(t *testing.T) {
	testlog.Start(t)
	url := startBuiltins(t)

	out, err := run(t, "call", "app/builtin#echo", `["hi", 2]`, "--url", url)
	require.NoError(t, err)
	assert.JSONEq(t, `["hi", 2]`, out)

	_, err = run(t, "call", "app/builtin#missing", "--url", url)
	require.Error(t, err)

	_, err = run(t, "call", "app/builtin#echo", `{"not":"a list"}`, "--url", url)
	require.Error(t, err)
}

func TestInspectBuiltinElement(t *testing.T) {
	testlog.Start(t)
	url := startBuiltins(t)

	out, err := run(t, "inspect", "1", "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"DisplayName": "Server"`)

	out, err = run(t, "inspect", "1", "--path", "props.limits", "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "max_frame_bytes")

	_, err = run(t, "inspect", "abc", "--url", url)
	require.Error(t, err)
}
