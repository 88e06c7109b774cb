package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/loopengine/loopagent/internal/graph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPClient_Compatible_Success(t *testing.T) {
	var receivedAuth, receivedSide, receivedThreshold, receivedPath, requestID string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		receivedPath = r.URL.Path
		receivedAuth = r.Header.Get("Authorization")
		receivedSide = r.URL.Query().Get("side")
		receivedThreshold = r.URL.Query().Get("threshold")
		requestID = r.Header.Get("X-Request-Id")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query_node_id":"a","query_side":"right","compatible":[{"node_id":"b","side":"left","score":0.91}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "test-token", testLogger())

	got, err := client.Compatible(context.Background(), "a", graph.SideLast, 0.8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedPath != "/api/similarity/compatible/a" {
		t.Errorf("path = %q", receivedPath)
	}
	if receivedAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", receivedAuth, "Bearer test-token")
	}
	if receivedSide != "right" {
		t.Errorf("side = %q, want right", receivedSide)
	}
	if receivedThreshold != "0.8" {
		t.Errorf("threshold = %q, want 0.8", receivedThreshold)
	}
	if requestID == "" {
		t.Error("expected X-Request-Id header")
	}

	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}
	if got[0].NodeID != "b" || got[0].Side != graph.SideFirst || got[0].Score != 0.91 {
		t.Errorf("result = %+v", got[0])
	}
}

func TestHTTPClient_Compatible_FirstSide(t *testing.T) {
	var receivedSide string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSide = r.URL.Query().Get("side")
		w.Write([]byte(`{"compatible":[]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", testLogger())
	if _, err := client.Compatible(context.Background(), "a", graph.SideFirst, 0.75); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedSide != "left" {
		t.Errorf("side = %q, want left", receivedSide)
	}
}

func TestHTTPClient_Compatible_InvalidSide(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "", testLogger())
	_, err := client.Compatible(context.Background(), "a", graph.Side("up"), 0.75)
	if !errors.Is(err, graph.ErrInvalidSide) {
		t.Fatalf("err = %v, want ErrInvalidSide", err)
	}
}

func TestHTTPClient_Matrix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/similarity/matrix" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]map[string]float64{
			"a": {"b": 0.8, "c": 1.4},
			"b": {},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", testLogger())
	m, err := client.Matrix(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s, ok := m.Score("a", "b"); !ok || s != 0.8 {
		t.Errorf("score a->b = %v, %v", s, ok)
	}
	if s, _ := m.Score("a", "c"); s != 1 {
		t.Errorf("score a->c = %v, want clamped 1", s)
	}
	if !m.Has("b") {
		t.Error("expected empty row b to be kept")
	}
}

func TestHTTPClient_Returns_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"unknown node"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", testLogger())
	_, err := client.Compatible(context.Background(), "a", graph.SideLast, 0.75)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if svcErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("status_code = %d, want %d", svcErr.StatusCode, http.StatusBadRequest)
	}
	if !strings.Contains(svcErr.Body, "unknown node") {
		t.Fatalf("body = %q, want to contain unknown node", svcErr.Body)
	}
}

func TestServiceError_IsRetryable(t *testing.T) {
	if !(&ServiceError{StatusCode: http.StatusBadGateway}).IsRetryable() {
		t.Fatal("expected 5xx error to be retryable")
	}
	if (&ServiceError{StatusCode: http.StatusUnauthorized}).IsRetryable() {
		t.Fatal("expected 4xx error to be permanent")
	}
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Matrix(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestScorerImplementations(t *testing.T) {
	var _ Scorer = (*HTTPClient)(nil)
	var _ Scorer = (*Local)(nil)
	var _ Registry = (*Local)(nil)
}
