package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func startBackend(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		switch string(ctx.Path()) {
		case "/api/jobs/j1":
			ctx.SetBodyString(`{"success":true,"data":{"id":"j1","title":"Paint the fence","createdAt":"2026-05-01T08:00:00Z"}}`)
		case "/api/reviews/w1":
			ctx.SetBodyString(`{"success":true,"data":[{"id":"r1","rating":5},{"id":"r2","rating":4}]}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString(`{"success":false,"error":"Not found"}`)
		}
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return "http://" + ln.Addr().String()
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	body := "client:\n  base_url: " + baseURL + "\n  retries: 0\nlogger:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	out := &bytes.Buffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsGet(t *testing.T) {
	cfg := writeConfig(t, startBackend(t))

	out, err := run(t, "--config", cfg, "jobs", "get", "j1")
	require.NoError(t, err)
	assert.Contains(t, out, `"title":"Paint the fence"`)
}

func TestReviewsSummary(t *testing.T) {
	cfg := writeConfig(t, startBackend(t))

	out, err := run(t, "--config", cfg, "reviews", "summary", "w1")
	require.NoError(t, err)
	assert.Contains(t, out, `"average":4.5`)
	assert.Contains(t, out, `"count":2`)
}

func TestBackendErrorIsReturned(t *testing.T) {
	cfg := writeConfig(t, startBackend(t))

	_, err := run(t, "--config", cfg, "jobs", "get", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not found")
}

func TestLoginNeedsSecret(t *testing.T) {
	cfg := writeConfig(t, startBackend(t))

	_, err := run(t, "--config", cfg, "login", "tok")
	assert.Error(t, err)
}

func TestArgsValidated(t *testing.T) {
	_, err := run(t, "jobs", "get")
	assert.Error(t, err)

	_, err = run(t, "messages", "send", "c1", "hello")
	assert.Error(t, err)
}
