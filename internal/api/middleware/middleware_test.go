package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-dispensary/internal/api/middleware"
	"github.com/drfirst/go-dispensary/internal/auth"
)

type httpRecorder struct {
	mu     sync.Mutex
	routes []string
	codes  []int
}

func (r *httpRecorder) HTTPRequest(method, route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, method+" "+route)
	r.codes = append(r.codes, status)
}

func TestRequestID(t *testing.T) {
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(middleware.GetRequestID(r.Context())))
	}))

	// An incoming id is kept
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	// A missing one is generated
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecover(t *testing.T) {
	h := middleware.Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestMetricsAndAccessLog(t *testing.T) {
	// GIVEN a router with the access log, auth and metrics middleware
	core, logs := observer.New(zap.InfoLevel)
	metrics := &httpRecorder{}

	r := chi.NewRouter()
	r.Use(middleware.Logger(zap.New(core)))
	r.Use(middleware.Metrics(metrics))
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Authenticate("secret"))
		r.Use(middleware.LogIdentity)
		r.Get("/medicines/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})

	token, err := auth.IssueToken("secret", auth.Identity{UserID: "nurse-1", Role: auth.RoleNurse}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/medicines/m-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	// WHEN a request is served
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// THEN the metric uses the route pattern and the log names the caller
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, []string{"GET /api/medicines/{id}"}, metrics.routes)
	assert.Equal(t, []int{http.StatusTeapot}, metrics.codes)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "nurse-1", fields["user_id"])
	assert.Equal(t, auth.RoleNurse, fields["role"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
}

func TestCORS(t *testing.T) {
	h := middleware.CORS([]string{"https://clinic.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/api/medicines", nil)
	req.Header.Set("Origin", "https://clinic.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://clinic.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
