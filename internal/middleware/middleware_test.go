package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/metrics"
	internalRedis "dispatchd/internal/redis"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]*internalRedis.CachedResponse
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]*internalRedis.CachedResponse)}
}

func (s *memoryStore) Get(_ context.Context, key string) (*internalRedis.CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.data[key], nil
}

func (s *memoryStore) Set(_ context.Context, key string, resp *internalRedis.CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = resp
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func countingRouter(store ResponseStore, status int) (*gin.Engine, *int) {
	calls := 0
	r := gin.New()
	r.Use(Idempotency(store, zerolog.Nop()))
	handler := func(c *gin.Context) {
		calls++
		c.JSON(status, gin.H{"call": calls})
	}
	r.POST("/v1/requests", handler)
	r.POST("/v1/requests/:id/cancel", handler)
	return r, &calls
}

func post(r http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{}`))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	r, calls := countingRouter(newMemoryStore(), http.StatusCreated)

	first := post(r, "/v1/requests", "abc")
	second := post(r, "/v1/requests", "abc")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestIdempotencyKeyScopedToRoute(t *testing.T) {
	r, calls := countingRouter(newMemoryStore(), http.StatusOK)

	post(r, "/v1/requests", "abc")
	post(r, "/v1/requests/r1/cancel", "abc")
	assert.Equal(t, 2, *calls)
}

func TestIdempotencyWithoutKeyOrStore(t *testing.T) {
	r, calls := countingRouter(newMemoryStore(), http.StatusOK)
	post(r, "/v1/requests", "")
	post(r, "/v1/requests", "")
	assert.Equal(t, 2, *calls)

	r, calls = countingRouter(nil, http.StatusOK)
	post(r, "/v1/requests", "abc")
	post(r, "/v1/requests", "abc")
	assert.Equal(t, 2, *calls)
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	r, calls := countingRouter(newMemoryStore(), http.StatusInternalServerError)
	post(r, "/v1/requests", "abc")
	post(r, "/v1/requests", "abc")
	assert.Equal(t, 2, *calls)
}

func TestIdempotencyFailsOpen(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("redis down")
	r, calls := countingRouter(store, http.StatusOK)

	w := post(r, "/v1/requests", "abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, *calls)
}

func TestRequestLoggerRecordsMetrics(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(Recovery(zerolog.Nop()), RequestLogger(zerolog.New(&buf), m))
	r.GET("/boom", func(*gin.Context) { panic("boom") })
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Contains(t, buf.String(), `"route":"/ok"`)
	assert.Contains(t, buf.String(), `"status":204`)
}
