package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/observability/metrics"
)

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestAPIKeyAuth(t *testing.T) {
	clients := map[string]string{"k1": "pharmacy-portal"}

	var seen string
	h := APIKeyAuth(clients)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClientID(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"invalid", "X-API-Key", "nope", http.StatusUnauthorized},
		{"header", "X-API-Key", "k1", http.StatusOK},
		{"bearer", "Authorization", "Bearer k1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && seen != "pharmacy-portal" {
				t.Errorf("client id = %q", seen)
			}
		})
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("request id = %q, header = %q", got, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" || got == "abc" {
		t.Errorf("expected generated request id, got %q", got)
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	h := rl.Middleware(http.HandlerFunc(ok))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, code)
		}
	}
	if code := do("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", code)
	}
	if code := do("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("other client: status = %d", code)
	}
}

func TestRateLimiterPrune(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.get("a", now.Add(-time.Hour))
	rl.get("b", now)

	if n := rl.Prune(now); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New(nil)
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/patients/{id}", ok)

	for _, id := range []string{"p1", "p2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/patients/"+id, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/patients/{id}", "200"))
	if got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
