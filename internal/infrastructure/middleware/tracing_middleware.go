package middleware

import (
	"time"

	"duocall/internal/core/domain"
	"duocall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CallIDKey is the gin context key under which handlers publish the call a
// request created or acted on.
const CallIDKey = "call_id"

// TracingMiddleware opens one span per API request, tagged with the local
// user and, once known, the call.
func TracingMiddleware(self domain.UserID) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			tracing.UserIDKey.String(string(self)),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.CallIDKey.String(id))
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// Call and Answer only learn the id while handling.
		if id := c.GetString(CallIDKey); id != "" && id != c.Param("id") {
			span.SetAttributes(tracing.CallIDKey.String(id))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)

		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
