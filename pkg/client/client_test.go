package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"project_id":"p1","name":"Clock"}]`))
	})
	mux.HandleFunc("POST /api/projects", func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"prompt must not be empty"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"project_id":"p2","name":"` + req.Prompt + `","files":{"main.py":"x"}}`))
	})
	mux.HandleFunc("POST /api/runner/run", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["project_id"] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"project not found: missing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"application started","project_id":"` + req["project_id"] + `","pid":77}`))
	})
	mux.HandleFunc("POST /api/runner/stop", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"stopped":false,"message":"no application is running","status":"no_app_running"}`))
	})
	mux.HandleFunc("GET /api/runner/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"idle","running":false}`))
	})
	mux.HandleFunc("GET /api/projects/p1/problem_status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"problem":{"type":"runtime_error","message":"boom"}}`))
	})
	mux.HandleFunc("GET /api/get_logs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"logs":["a","b"]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrips(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api/"})
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("expected reachable")
	}
	list, err := c.ListProjects(ctx)
	if err != nil || len(list) != 1 || list[0].ProjectID != "p1" {
		t.Fatalf("list = %+v, %v", list, err)
	}
	p, err := c.CreateProject(ctx, GenerateRequest{Prompt: "timer"})
	if err != nil || p.ProjectID != "p2" || p.Files["main.py"] != "x" {
		t.Fatalf("create = %+v, %v", p, err)
	}
	run, err := c.Run(ctx, "p2")
	if err != nil || run.PID != 77 {
		t.Fatalf("run = %+v, %v", run, err)
	}
	stop, err := c.Stop(ctx)
	if err != nil || stop.Stopped || stop.Status != "no_app_running" {
		t.Fatalf("stop = %+v, %v", stop, err)
	}
	prob, err := c.Problem(ctx, "p1")
	if err != nil || prob == nil || prob.Type != "runtime_error" {
		t.Fatalf("problem = %+v, %v", prob, err)
	}
	logs, err := c.Logs(ctx)
	if err != nil || len(logs) != 2 {
		t.Fatalf("logs = %v, %v", logs, err)
	}
}

func TestClientErrors(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	_, err := c.Run(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "project not found: missing" {
		t.Fatalf("err = %v", err)
	}
	_, err = c.CreateProject(ctx, GenerateRequest{})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.GetProject(ctx, "nope"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}

	down := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	if down.IsReachable(ctx) {
		t.Fatal("expected unreachable")
	}
}
