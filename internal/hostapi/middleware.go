package hostapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/geoanchor/internal/logging"
)

// RequestIDHeader carries the request ID in and out of the API.
const RequestIDHeader = "X-Request-ID"

// requestLogger attaches a request_id to the request context, echoes it in
// the response and logs each request once it completes.
func requestLogger(base logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := c.GetHeader(RequestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, id := logging.EnsureRequestID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, id)

		start := time.Now()
		c.Next()

		logging.FromContext(ctx, base).Debug(ctx, "host api request",
			logging.String("method", c.Request.Method),
			logging.String("route", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
	}
}
