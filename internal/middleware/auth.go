package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/response"
)

// Context keys set by the auth middlewares
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
	ContextRole     = "role"
	ContextCallID   = "call_id"
)

// RevocationChecker reports whether a token id has been revoked
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMiddleware validates the Bearer access token and stores the caller's
// identity in the gin context. revocation may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocation RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if isRevoked(c.Request.Context(), revocation, claims.ID) {
			response.Unauthorized(c, "Token revoked")
			c.Abort()
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

// WebSocketAuth authenticates a signaling upgrade. Browsers cannot set headers
// on WebSocket requests, so the access token may also arrive as the token
// query parameter, or a call-scoped token as signaling_token.
func WebSocketAuth(jwtManager *jwt.JWTManager, revocation RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString := c.Query("signaling_token"); tokenString != "" {
			claims, err := jwtManager.ValidateSignalingToken(tokenString)
			if err != nil {
				response.Unauthorized(c, "Invalid signaling token")
				c.Abort()
				return
			}
			c.Set(ContextUserID, claims.UserID)
			c.Set(ContextCallID, claims.CallID)
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			response.Unauthorized(c, "Authentication required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if isRevoked(c.Request.Context(), revocation, claims.ID) {
			response.Unauthorized(c, "Token revoked")
			c.Abort()
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

// GetUserID returns the authenticated user id
func GetUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := v.(uuid.UUID)
	return userID, ok && userID != uuid.Nil
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// isRevoked fails open: a revocation store outage must not lock everyone out
func isRevoked(ctx context.Context, revocation RevocationChecker, tokenID string) bool {
	if revocation == nil || tokenID == "" {
		return false
	}
	revoked, err := revocation.IsTokenRevoked(ctx, tokenID)
	return err == nil && revoked
}

func setIdentity(c *gin.Context, claims *jwt.Claims) {
	c.Set(ContextUserID, claims.UserID)
	c.Set(ContextUsername, claims.Username)
	c.Set(ContextRole, claims.Role)
}
