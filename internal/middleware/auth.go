package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/utils"
	"github.com/huangang/featurehub/pkg/response"
)

// Context keys set by AuthRequired.
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
	ContextRole     = "role"
)

// AuthRequired accepts a bearer JWT and stores the caller's identity on the
// context. Failures abort with a 401 envelope.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, response.NewUnauthorized("authorization header required"))
			return
		}
		token, ok := bearerToken(header)
		if !ok {
			abort(c, response.NewUnauthorized("invalid authorization header format"))
			return
		}

		claims, err := utils.ParseToken(token)
		if err != nil || claims.UserID == 0 {
			abort(c, response.NewUnauthorized("invalid or expired token"))
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// AdminRequired must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			abort(c, response.NewForbidden("admin access required"))
			return
		}
		c.Next()
	}
}

// bearerToken extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abort(c *gin.Context, err *response.AppError) {
	response.Error(c, err)
	c.Abort()
}

func GetUserID(c *gin.Context) uint {
	return c.GetUint(ContextUserID)
}

func GetUsername(c *gin.Context) string {
	return c.GetString(ContextUsername)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}

// IsAdmin reports whether the authenticated caller is an administrator.
// Admins may edit or delete any comment and manage integrations.
func IsAdmin(c *gin.Context) bool {
	return GetRole(c) == models.RoleAdmin
}
