package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cloudcode-dev/antigravity-proxy/internal/util"
)

// GinLogrusLogger returns a Gin middleware that logs each HTTP request
// through logrus with method, path, status, latency and client address.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		rawQuery := util.MaskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := c.Request.Header.Get("X-Request-Id")
		if strings.TrimSpace(requestID) == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", requestID)

		c.Next()

		if rawQuery != "" {
			path = path + "?" + rawQuery
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":     statusCode,
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"request_id": requestID,
		})

		line := fmt.Sprintf("%3d | %13v | %-7s %s", statusCode, latency, c.Request.Method, path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			line = line + " | " + errs
		}

		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(line)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Debug(line)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware that recovers from panics,
// logs the stack and responds with a 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
