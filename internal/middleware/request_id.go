// Package middleware provides HTTP middleware for the Helene server's
// HTTP POST and SSE transports.
// This file implements request ID generation and correlation.
//
// Every inbound HTTP request gets a correlation id, stamped into the
// gin context and echoed back as a response header, so a single
// request can be traced across the structured logger and any
// downstream dispatcher logging. An id supplied by the client is
// preserved rather than replaced, so a caller that already tags its
// own requests keeps its id end to end.
//
// Usage:
//
//	router.Use(middleware.RequestID())
//
//	func handler(c *gin.Context) {
//	    requestID := middleware.GetRequestID(c)
//	}
//
//	// curl -H "X-Request-ID: my-trace-id" https://helene.example.com/__h
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/heleneproject/helene/internal/wire"
)

const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context key for request ID
	RequestIDKey = "request_id"
)

// RequestID middleware generates or extracts a correlation ID for each request
// This enables request tracing across distributed systems and log correlation
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get request ID from header first (for distributed tracing)
		requestID := c.GetHeader(RequestIDHeader)

		// If not provided, generate a new id
		if requestID == "" {
			requestID = wire.NewID()
		}

		// Store in context for use by handlers
		c.Set(RequestIDKey, requestID)

		// Set response header so client can reference this request
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from the Gin context
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
