package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kneutral-org/leaselock/internal/logging"
)

// RequestID makes sure every request carries an X-Request-ID, generating one when the
// client did not send it, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(logging.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(logging.RequestIDHeader, id)
		}
		c.Writer.Header().Set(logging.RequestIDHeader, id)
		c.Next()
	}
}
