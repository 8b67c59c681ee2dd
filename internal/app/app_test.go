package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

const testAdminToken = "admin-secret"

func newTestApp(t *testing.T) (*App, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Redis.Addr = mr.Addr()
	cfg.Auth.Mode = "jwt"
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Admin.Token = testAdminToken

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)
	return a, mr
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestApp_HealthRoutes(t *testing.T) {
	a, mr := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if code, _ := get(t, srv, "/healthz"); code != http.StatusOK {
		t.Fatalf("/healthz=%d", code)
	}
	if code, body := get(t, srv, "/readyz"); code != http.StatusOK {
		t.Fatalf("/readyz=%d body=%s", code, body)
	}

	code, body := get(t, srv, "/debug/health")
	if code != http.StatusOK {
		t.Fatalf("/debug/health=%d", code)
	}
	var snap struct {
		Healthy bool `json:"healthy"`
		Gateway struct {
			Status            string `json:"status"`
			ActiveConnections int64  `json:"active_connections"`
		} `json:"gateway"`
		Reconcile struct {
			Status string `json:"status"`
		} `json:"reconcile"`
	}
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, body)
	}
	if !snap.Healthy || snap.Gateway.Status != "healthy" || snap.Reconcile.Status != "healthy" {
		t.Fatalf("unexpected snapshot: %s", body)
	}

	code, body = get(t, srv, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics=%d", code)
	}
	for _, name := range []string{
		"parley_gateway_active_connections",
		"parley_store_up",
		"parley_reconcile_cycles_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("/metrics missing %s", name)
		}
	}

	mr.Close()
	if code, _ := get(t, srv, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz with store down=%d", code)
	}
}

func TestApp_AdminReconcile(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	post := func(token string) int {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/reconcile", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Fatalf("without token=%d", code)
	}
	if code := post("wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token=%d", code)
	}
	// Run is not started, so the first request stays queued.
	if code := post(testAdminToken); code != http.StatusAccepted {
		t.Fatalf("first trigger=%d", code)
	}
	if code := post(testAdminToken); code != http.StatusConflict {
		t.Fatalf("second trigger=%d", code)
	}

	if code, _ := get(t, srv, "/admin/reconcile"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /admin/reconcile=%d", code)
	}
}

func TestApp_WebSocketRequiresToken(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	req.Header.Set("Origin", "http://localhost")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/ws without token=%d", resp.StatusCode)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, _ := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNew_RejectsBadAuthConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Redis.Addr = mr.Addr()
	cfg.Auth.Mode = "jwt"
	cfg.Auth.JWTSecret = "short"

	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for a short jwt secret")
	}
}
