package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrel-edge/sentryd/internal/breaker"
	"github.com/kestrel-edge/sentryd/internal/orchestrator"
)

type fakeQueueDepther struct{ depth int }

func (f fakeQueueDepther) QueueDepth(ctx context.Context) (int, error) { return f.depth, nil }

func newTestRouter(t *testing.T) (*Router, *orchestrator.Orchestrator) {
	t.Helper()
	orch := orchestrator.New(orchestrator.Config{
		WatchdogInterval: time.Hour,
		MaxRestarts:      5,
	}, nil, nil)
	br := breaker.New(breaker.Config{Name: "test", FailureThreshold: 3, Timeout: time.Second})
	return NewRouter(orch, br, fakeQueueDepther{depth: 7}, "/admin"), orch
}

func TestHealthzReturnsOK(t *testing.T) {
	r, _ := newTestRouter(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusListsRegisteredWorkers(t *testing.T) {
	r, orch := newTestRouter(t)
	if err := orch.Register(orchestrator.WorkerSpec{Name: "demo", Command: "sleep 5"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body statusResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.QueueDepth != 7 {
		t.Fatalf("expected queue_depth 7, got %d", body.QueueDepth)
	}
}

func TestPauseUnknownWorkerReturns404(t *testing.T) {
	r, _ := newTestRouter(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/workers/ghost/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
