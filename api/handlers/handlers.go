// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
)

// userKey is the gin context key of the authenticated user.
const userKey = "user"

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Authenticate resolves the request's bearer token through the gateway's
// authenticator. Rejected credentials abort with 401; anonymous requests
// continue without a user.
func Authenticate(a realtime.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.Next()
			return
		}
		user, err := a.Authenticate(c.Request.Context(), auth.CredentialFromHeader(c.GetHeader("Authorization")))
		if err != nil {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credential")
			c.Abort()
			return
		}
		if user != nil {
			c.Set(userKey, user)
		}
		c.Next()
	}
}

// currentUser returns the authenticated user, or nil.
func currentUser(c *gin.Context) *model.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(*model.User); ok {
			return u
		}
	}
	return nil
}
