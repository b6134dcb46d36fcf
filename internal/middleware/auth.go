package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/utils"
	"github.com/rupaya/backend/pkg/response"
)

const (
	ContextUserID   = "user_id"
	ContextDeviceID = "device_id"
	ContextRole     = "role"
)

// invalidTokenMessage is the single 401 body for every bearer failure, so
// callers cannot tell a forged token from an expired one.
const invalidTokenMessage = "invalid or expired token"

// AccessVerifier checks an access token and returns its claims.
type AccessVerifier interface {
	VerifyAccess(token string) (*utils.Claims, error)
}

// AuthRequired is a middleware that checks for a valid bearer token
func AuthRequired(tokens AccessVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Abort(c, response.NewUnauthorized(invalidTokenMessage))
			return
		}

		claims, err := tokens.VerifyAccess(token)
		if err != nil {
			response.Abort(c, response.NewUnauthorized(invalidTokenMessage).Wrap(err))
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDeviceID, claims.DeviceID)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// bearerToken extracts the token from "Bearer <token>".
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// AdminRequired is a middleware that checks for admin role
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != models.RoleAdmin {
			response.Abort(c, response.NewForbidden("admin access required"))
			return
		}
		c.Next()
	}
}

// GetUserID gets the current user ID from context
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func GetDeviceID(c *gin.Context) string {
	return c.GetString(ContextDeviceID)
}

// GetRole gets the current user role from context
func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
