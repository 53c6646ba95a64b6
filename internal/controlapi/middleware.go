package controlapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RequestIDMiddleware stamps every request with a correlation id, echoed
// back in the response header so the desktop shell can match log lines.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// TimeoutMiddleware aborts a handler that runs longer than d, returning 503
// rather than letting a stuck handler hold the loopback listener open.
func TimeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		finished := make(chan struct{})
		panicChan := make(chan any, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			close(finished)
		}()

		select {
		case p := <-panicChan:
			panic(p)
		case <-finished:
		case <-time.After(d):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "request timed out"})
		}
	}
}

// claims is the process-lifetime control token's payload. Unlike the
// teacher's UserClaims there is no user id: the loopback token authenticates
// the desktop shell process, not an account.
type claims struct {
	jwt.RegisteredClaims
}

// MintToken signs a bearer token valid for the given lifetime, using secret
// as the HMAC key. The agent mints one at startup and writes it to a local
// file the desktop shell reads once.
func MintToken(secret string, lifetime time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "saturn-copier-control",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*claims, error) {
	c := &claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return c, nil
}

// AuthMiddleware checks a single process-lifetime bearer token rather than
// the teacher's per-user login; the loopback bind address is the actual
// trust boundary here, this is defense in depth against other local
// processes on the same machine.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if _, err := parseToken(parts[1], secret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}
