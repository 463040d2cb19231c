package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/identity"
	"messenger-service/internal/observability"
)

const (
	UserIDKey   = "userID"
	IdentityKey = "identity"
)

// IdentityObserver is told about every verified caller, e.g. to keep the user directory fresh.
type IdentityObserver interface {
	Observe(ctx context.Context, id identity.Identity)
}

// BearerToken extracts the credential from the Authorization header, falling back to the token query parameter.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthMiddleware validates the Authorization header using the configured identity provider.
func AuthMiddleware(provider identity.Provider, observer IdentityObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		token, ok := BearerToken(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		id, err := provider.Verify(c.Request.Context(), token)
		if err != nil {
			observability.LoggerFromContext(c.Request.Context()).Debug("token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if observer != nil {
			observer.Observe(c.Request.Context(), id)
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(IdentityKey, id)
		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// CurrentIdentity returns the caller installed by AuthMiddleware.
func CurrentIdentity(c *gin.Context) (identity.Identity, bool) {
	val, ok := c.Get(IdentityKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := val.(identity.Identity)
	return id, ok
}
