package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/response"
)

// TimeoutMiddleware bounds each request with a deadline. Handlers observe it
// through the request context; a handler that returns after the deadline
// without writing gets a 504.
func TimeoutMiddleware(timeout time.Duration, m *metrics.Metrics, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}

		m.RecordHTTPTimeout(c.Request.Method, c.FullPath())
		log.Warn("Request timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("duration", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))

		if !c.Writer.Written() {
			response.Error(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timeout")
			c.Abort()
		}
	}
}
