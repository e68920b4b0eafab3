package middleware

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	internalRedis "dispatchd/internal/redis"
)

const idempotencyHeader = "Idempotency-Key"

// ResponseStore keeps responses for replay. Get returns nil on a miss.
type ResponseStore interface {
	Get(ctx context.Context, key string) (*internalRedis.CachedResponse, error)
	Set(ctx context.Context, key string, resp *internalRedis.CachedResponse) error
}

// responseWriter wraps gin.ResponseWriter to capture the response.
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// mutating requests. Keys are scoped to the route, so one key reused on a
// different endpoint is a different call. A nil store disables replay.
func Idempotency(store ResponseStore, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil || !mutating(c.Request.Method) {
			c.Next()
			return
		}

		key := c.GetHeader(idempotencyHeader)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		cacheKey := c.Request.Method + ":" + c.Request.URL.Path + ":" + key

		cached, err := store.Get(ctx, cacheKey)
		if err != nil {
			// Store unavailable - proceed without idempotency.
			log.Warn().Err(err).Str("key", key).Msg("idempotency lookup failed")
			c.Next()
			return
		}

		if cached != nil {
			for k, v := range cached.Headers {
				for _, val := range v {
					c.Header(k, val)
				}
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(cached.StatusCode, "application/json", cached.Body)
			c.Abort()
			return
		}

		w := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
		}
		c.Writer = w

		c.Next()

		// 5xx responses are not stored so the caller can retry.
		if status := c.Writer.Status(); status >= 200 && status < 500 {
			resp := &internalRedis.CachedResponse{
				StatusCode: status,
				Body:       w.body.Bytes(),
				Headers:    extractResponseHeaders(c),
			}
			if err := store.Set(context.WithoutCancel(ctx), cacheKey, resp); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("idempotency store failed")
			}
		}
	}
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// extractResponseHeaders extracts headers to cache.
func extractResponseHeaders(c *gin.Context) http.Header {
	headers := make(http.Header)
	if ct := c.Writer.Header().Get("Content-Type"); ct != "" {
		headers.Set("Content-Type", ct)
	}
	return headers
}
