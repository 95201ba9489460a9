package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/portico/pkg/adapter"
	"github.com/marmos91/portico/pkg/config"
	"github.com/marmos91/portico/pkg/connector"
	"github.com/marmos91/portico/pkg/registry"
	"github.com/marmos91/portico/pkg/server"
	"github.com/marmos91/portico/pkg/valves"
)

func startSample(t *testing.T) string {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.Engine.Valves = []config.ValveConfig{{Type: "requestid"}, {Type: "errorreport"}}

	var endpoints []*connector.Endpoint
	reg := registry.NewRegistry()
	require.NoError(t, valves.RegisterBuiltins(reg))
	require.NoError(t, registerHandlers(reg, func() []*connector.Endpoint { return endpoints }))

	engine, err := config.BuildEngine(cfg.Engine, reg)
	require.NoError(t, err)

	srv := server.New(engine, adapter.New(engine, adapter.Config{}))
	cc := cfg.Connectors[0]
	cc.Address = "127.0.0.1"
	cc.Port = 0
	cc.MetricsLogInterval = -1
	ep := connector.New(cc, nil)
	require.NoError(t, srv.AddConnector(ep))
	endpoints = append(endpoints, ep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-ep.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("connector did not start")
	}
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(ep.Port()))
}

func get(t *testing.T, c *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := c.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestDemoHandlers(t *testing.T) {
	base := startSample(t)
	client := &http.Client{Timeout: 5 * time.Second}
	defer client.CloseIdleConnections()

	t.Run("hello", func(t *testing.T) {
		resp, body := get(t, client, base+"/anything")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "Hello from localhost/anything\n", body)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	})

	t.Run("echo", func(t *testing.T) {
		resp, err := client.Post(base+"/echo", "text/plain", strings.NewReader("round trip"))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "round trip", string(body))
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	})

	t.Run("async", func(t *testing.T) {
		resp, body := get(t, client, base+"/async/job?delay=20ms")
		assert.Equal(t, 200, resp.StatusCode)
		assert.True(t, strings.HasPrefix(body, "completed after "), body)
	})

	t.Run("async bad delay", func(t *testing.T) {
		resp, _ := get(t, client, base+"/async/job?delay=soon")
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("status", func(t *testing.T) {
		resp, body := get(t, client, base+"/status")
		assert.Equal(t, 200, resp.StatusCode)

		var out []connectorStatus
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "http", out[0].Name)
		assert.Equal(t, "HTTP", out[0].Protocol)
		assert.GreaterOrEqual(t, out[0].ActiveConnections, int32(1))
	})
}
