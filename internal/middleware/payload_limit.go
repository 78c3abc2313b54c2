// Package middleware provides HTTP middleware for the lease API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PayloadTooLargeResponse is the 413 body returned for oversized requests.
type PayloadTooLargeResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	MaxBytes int64  `json:"maxBytes"`
}

// PayloadLimit returns a middleware that caps the request body at maxBytes.
//
// Requests that declare a larger Content-Length are rejected before the handler runs.
// Other bodies are wrapped with http.MaxBytesReader; if the handler records the
// resulting *http.MaxBytesError with c.Error, the response is replaced with a 413.
// A non-positive maxBytes disables the limit.
func PayloadLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 || c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logOversizedRequest(logger, c, c.Request.ContentLength, maxBytes)
			respondPayloadTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		c.Next()

		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if errors.As(ginErr.Err, &maxBytesErr) {
				logOversizedRequest(logger, c, -1, maxBytesErr.Limit)
				c.Errors = c.Errors[:0]
				if !c.Writer.Written() {
					respondPayloadTooLarge(c, maxBytesErr.Limit)
				}
				return
			}
		}
	}
}

// IsPayloadTooLarge reports whether err came from reading past the body limit.
func IsPayloadTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func logOversizedRequest(logger zerolog.Logger, c *gin.Context, declaredSize, maxBytes int64) {
	event := logger.Warn().
		Str("clientIP", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("maxBytes", maxBytes)
	if declaredSize >= 0 {
		event = event.Int64("declaredSize", declaredSize)
	}
	event.Msg("oversized request rejected")
}

func respondPayloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, PayloadTooLargeResponse{
		Error:    "payloadTooLarge",
		Message:  "request body exceeds the maximum allowed size",
		MaxBytes: maxBytes,
	})
}
