package log

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// GinMiddleware puts a request-scoped logger into the request context and
// logs one line per request once the handler returns. The request id is
// taken from X-Request-ID or generated, and echoed back.
//
// Requests to quietPaths (probes, scrapes) are logged at debug level.
// A websocket upgrade completes when the session starts, not when it ends.
func GinMiddleware(logger zerolog.Logger, quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		reqID := c.GetHeader(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(headerRequestID, reqID)

		child := logger.With().
			Str(FieldRequestID, reqID).
			Str(FieldMethod, c.Request.Method).
			Str(FieldPath, path).
			Str(FieldClientIP, c.ClientIP()).
			Logger()
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), child))

		upgrade := c.IsWebsocket()
		c.Next()

		level := zerolog.InfoLevel
		switch {
		case quiet[path]:
			level = zerolog.DebugLevel
		case c.Writer.Status() >= 500:
			level = zerolog.ErrorLevel
		}

		evt := child.WithLevel(level).
			Int(FieldStatus, c.Writer.Status()).
			Float64(FieldLatency, float64(time.Since(start).Microseconds())/1000)
		// The auth middleware stores the actor during c.Next().
		if userID := c.GetString(FieldUserID); userID != "" {
			evt = evt.Str(FieldUserID, userID)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}

		if upgrade {
			evt.Msg("websocket upgrade handled")
			return
		}
		evt.Msg("request completed")
	}
}
