package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/admission"
	"chat-gateway/internal/observability"
)

type RateLimiter interface {
	Admit(clientID string) bool
	RetryAfter(clientID string) time.Duration
	Limit() int
	Remaining(clientID string) int
}

// AdmissionMiddleware throttles per authenticated user, or per client IP
// when it runs ahead of authentication.
func AdmissionMiddleware(limiter RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := admission.ClientID(c.GetString("userID"), observability.IPFromRequest(c.Request))
		allowed := limiter.Admit(clientID)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(clientID)))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(admission.RetryAfterSeconds(limiter.RetryAfter(clientID))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": admission.ErrThrottled.Error()})
			return
		}
		c.Next()
	}
}
