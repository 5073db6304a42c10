package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cloudcode-dev/antigravity-proxy/internal/executor"
	"github.com/cloudcode-dev/antigravity-proxy/internal/quota"
)

// errorType maps an HTTP status to the Anthropic error taxonomy.
func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == 529:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType(status),
			"message": message,
		},
	})
}

// writeStatusErr renders an executor failure, including Retry-After for
// rate limits.
func writeStatusErr(c *gin.Context, statusErr *executor.StatusErr) {
	if statusErr.Code == http.StatusTooManyRequests && statusErr.RetryAfter > 0 {
		c.Header("Retry-After", quota.FormatRetryAfter(statusErr.RetryAfter))
	}
	writeError(c, statusErr.Code, statusErr.Message)
}
