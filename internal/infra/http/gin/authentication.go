package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	appchat "chatsync/internal/app/chat"
)

const principalContextKey = "chatsync.principal"

// ErrUnknownToken is returned by resolvers for tokens they do not know.
var ErrUnknownToken = errors.New("auth: unknown token")

// TokenResolver maps a bearer token issued elsewhere to a user id.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (string, error)
}

// StaticTokens is a fixed token to user id table.
type StaticTokens map[string]string

func (t StaticTokens) ResolveToken(_ context.Context, token string) (string, error) {
	if id, ok := t[token]; ok && id != "" {
		return id, nil
	}
	return "", ErrUnknownToken
}

// PrincipalMiddleware identifies the caller. Bearer tokens go through
// Resolver; with TrustHeader the X-User-ID header (or user_id query value,
// for browser websockets) set by an upstream gateway is accepted as is.
type PrincipalMiddleware struct {
	Resolver    TokenResolver
	TrustHeader bool
	Logger      *slog.Logger
}

func (m PrincipalMiddleware) Handle(c *gin.Context) {
	if token := extractBearerToken(c.GetHeader("Authorization")); token != "" && m.Resolver != nil {
		id, err := m.Resolver.ResolveToken(c.Request.Context(), token)
		if err == nil {
			setPrincipal(c, id)
			c.Next()
			return
		}
		if !errors.Is(err, ErrUnknownToken) && m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
	}
	if m.TrustHeader {
		id := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if id == "" {
			id = strings.TrimSpace(c.Query("user_id"))
		}
		if id != "" {
			setPrincipal(c, id)
		}
	}
	c.Next()
}

func setPrincipal(c *gin.Context, userID string) {
	c.Set(principalContextKey, appchat.Session{UserID: userID})
	c.Set("user_id", userID)
}

func currentPrincipal(c *gin.Context) (appchat.Session, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return appchat.Session{}, false
	}
	s, ok := val.(appchat.Session)
	return s, ok && s.UserID != ""
}

func requirePrincipal(c *gin.Context) (appchat.Session, bool) {
	s, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return appchat.Session{}, false
	}
	return s, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
