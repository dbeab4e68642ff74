// Package statusapi exposes a read-only HTTP view of a device's
// replication state: /healthz for liveness and /status for the fuller
// snapshot. It is deliberately not a control channel — attaching or
// detaching peers, submitting I/O, and bumping generation counters stay
// out of this package's reach; they are available only in-process,
// through Device's exported methods, and drbdadm does not offer them
// either. Grounded on godkv's internal/api,
// rebuilt around one Device instead of a Store/Replicator/Membership trio.
package statusapi

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gin-gonic/gin"
)

// Logger logs every request the same way godkv's internal/api.Logger
// does, swapped onto logrus so the HTTP access log matches the
// structured log lines the rest of this module emits.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"component": "statusapi",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"client_ip": c.ClientIP(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start),
		}).Info("request")
	}
}

// Recovery mirrors godkv's internal/api.Recovery: it turns a panic in a
// handler into a 500 response instead of taking the whole process down.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithField("component", "statusapi").Errorf("panic recovered: %v", err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
