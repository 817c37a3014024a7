package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"todo-pipeline/internal/errs"
	"todo-pipeline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ScopeTodosWrite authorizes every mutating todo endpoint.
	ScopeTodosWrite = "todos:write"

	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"

	subjectKey = "subject"
)

// Claims are the JWT claims the api accepts. Scope is a space-separated list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// AbortWithError writes the client-safe rendering of err and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errs.StatusCode(err), gin.H{"error": errs.Message(err)})
}

// RequestLogger tags the request context with a request id and logs each
// request once it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logger.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, id)

		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error(ctx, "Request failed", args...)
		case status >= http.StatusBadRequest:
			logger.Warn(ctx, "Request rejected", args...)
		default:
			logger.Info(ctx, "Request completed", args...)
		}
	}
}

// Auth requires a bearer HS256 token signed with secret that grants scope.
// Missing or invalid tokens get 401, tokens without the scope 403.
func Auth(secret []byte, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if auth == "" || !strings.HasPrefix(auth, prefix) {
			logger.Debug(ctx, "Missing or invalid Authorization header")
			AbortWithError(c, errs.ErrUnauthorized)
			return
		}
		tokenStr := strings.TrimSpace(auth[len(prefix):])

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			logger.Debug(ctx, "JWT parse failed", "error", err)
			AbortWithError(c, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err))
			return
		}
		if !claims.HasScope(scope) {
			logger.Debug(ctx, "JWT lacks required scope", "scope", scope, "granted", claims.Scope)
			AbortWithError(c, errs.ErrForbidden)
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// Subject returns the authenticated token subject, if any.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}

// ErrMissingSecret is returned by NewToken for an empty secret.
var ErrMissingSecret = errors.New("jwt secret is empty")

// NewToken signs an HS256 token for subject granting scopes, valid for ttl.
func NewToken(secret []byte, subject string, scopes []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	now := time.Now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
