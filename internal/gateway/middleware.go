package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// accessLog assigns a request id and logs one record per request.
// The liveness check is not logged.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeader, requestID)

		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if c.Request.Method == http.MethodGet && c.Request.URL.Path == "/ping" {
			return
		}

		s.logger.WithContext(ctx).Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"duration", time.Since(start).String())
	}
}
