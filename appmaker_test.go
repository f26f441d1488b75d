package appmaker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmaker/internal/llm"
	"github.com/loykin/appmaker/internal/provision"
)

type fixedGen struct{}

func (fixedGen) Generate(_ context.Context, req llm.Request) (llm.Result, error) {
	return llm.Result{Files: map[string]string{"main.py": "print('" + req.Prompt + "')"}}, nil
}

func (fixedGen) Options() map[string][]string { return map[string][]string{"openai": {"gpt-4o"}} }

type noopProv struct{}

func (noopProv) Ensure(_ context.Context, dir string) (provision.Environment, error) {
	return provision.Environment{Interpreter: "python3", Dir: dir}, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Projects.Dir = t.TempDir()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Log.Color = false
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	app, err := New(cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithGenerator(fixedGen{}),
		WithProvisioner(noopProv{}),
		WithLogOutput(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestAppServesProjectLifecycle(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/projects", "application/json", strings.NewReader(`{"prompt":"hello window"}`))
	require.NoError(t, err)
	var created struct {
		ProjectID string            `json:"project_id"`
		Name      string            `json:"name"`
		Files     map[string]string `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "hello window", created.Name)
	assert.Equal(t, "print('hello window')", created.Files["main.py"])

	list, err := app.Store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ProjectID, list[0].ID)

	resp, err = http.Get(srv.URL + "/api/runner/status")
	require.NoError(t, err)
	var st RunStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	assert.False(t, st.Running)

	resp, err = http.Get(srv.URL + "/api/llm_options")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "gpt-4o")
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Listen = ""
	_, err := New(cfg, WithLogOutput(io.Discard))
	require.Error(t, err)
}

func TestAppLogsToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	app, err := New(cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithGenerator(fixedGen{}),
		WithProvisioner(noopProv{}),
		WithLogOutput(&buf))
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Contains(t, buf.String(), "listening")
}

func TestCloseIsIdempotent(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
}
