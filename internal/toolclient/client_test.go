package toolclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"planforge/internal/config"
	"planforge/internal/toolclient"
)

func testRetry() config.Retry {
	return config.Retry{
		MaxRetries:     2,
		InitialBackoff: config.Duration(time.Millisecond),
		MaxBackoff:     config.Duration(5 * time.Millisecond),
		Multiplier:     2,
	}
}

func newClient(baseURL string) *toolclient.Client {
	providers := map[string]config.Provider{
		"tracker": {BaseURL: baseURL, Timeout: config.Duration(2 * time.Second)},
	}
	return toolclient.New(providers, testRetry(), nil)
}

func TestInvokeRetriesTransientFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]string{"repo_url": "http://git/x"}})
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	data, err := c.Invoke(context.Background(), "tracker", "create_repository", map[string]any{"name": "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil || out["repo_url"] != "http://git/x" {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestInvokeExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	_, err := c.Invoke(context.Background(), "tracker", "create_repository", map[string]any{"name": "x"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (initial + 2 retries), got %d", calls)
	}
	var te *toolclient.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToolError, got %T", err)
	}
	if !te.Retryable() {
		t.Fatal("exhausted transient failure should still read as retryable")
	}
	if te.Attempts != 3 {
		t.Fatalf("expected Attempts=3, got %d", te.Attempts)
	}
}

func TestInvokeRejectionNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "repository already exists"})
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	_, err := c.Invoke(context.Background(), "tracker", "create_repository", map[string]any{"name": "x"})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if calls != 1 {
		t.Fatalf("rejection must not be retried, got %d calls", calls)
	}
	var te *toolclient.ToolError
	if !errors.As(err, &te) || te.Retryable() {
		t.Fatalf("expected non-retryable ToolError, got %v", err)
	}
}

func TestInvokeMissingArgumentFailsLocally(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	_, err := c.Invoke(context.Background(), "tracker", "create_issue", map[string]any{"repo_name": "x"})
	if err == nil {
		t.Fatal("expected missing-argument error")
	}
	if calls != 0 {
		t.Fatalf("validation must happen before any network call, got %d calls", calls)
	}
}

func TestInvokeLogsSequenceAndDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]string{}})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	providers := map[string]config.Provider{
		"tracker": {BaseURL: srv.URL, Timeout: config.Duration(2 * time.Second)},
	}
	c := toolclient.New(providers, testRetry(), log)

	for i := 0; i < 2; i++ {
		if _, err := c.Invoke(context.Background(), "tracker", "create_repository", map[string]any{"name": "x"}); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	out := buf.String()
	for _, want := range []string{"req=1", "req=2", "duration=", "provider=tracker", "operation=create_repository"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestInvokeUnknownProvider(t *testing.T) {
	c := newClient("http://unused")
	_, err := c.Invoke(context.Background(), "mailer", "send", nil)
	if err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	if err := c.Health(context.Background(), "tracker"); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := c.Health(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
