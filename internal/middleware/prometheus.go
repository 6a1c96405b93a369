package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/counsel-signaling/internal/metrics"
)

// Metrics records request counts and latencies by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTP(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
