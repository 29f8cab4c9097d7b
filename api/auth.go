package api

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// HeaderExecutorKey carries the shared executor key on callback routes.
const HeaderExecutorKey = "X-Executor-Key"

// clientIDKey is the gin context key holding the authenticated client ID.
const clientIDKey = "conductor.client_id"

// clientAuth validates the bearer token and stores its subject as the
// client ID. Browsers cannot set headers on EventSource or websocket
// requests, so an access_token query parameter is accepted as well.
func (a *API) clientAuth() gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return a.jwtSecret, nil }

	return func(c *gin.Context) {
		if len(a.jwtSecret) == 0 {
			abortUnauthorized(c, "client authentication is not configured")
			return
		}
		raw := extractBearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("access_token")
		}
		if raw == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		var claims jwt.RegisteredClaims
		token, err := parser.ParseWithClaims(raw, &claims, keyFunc)
		if err != nil || !token.Valid {
			abortUnauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}
		c.Set(clientIDKey, claims.Subject)
		c.Next()
	}
}

// executorAuth checks the executor key against the configured bcrypt hash.
func (a *API) executorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderExecutorKey)
		if key == "" {
			abortUnauthorized(c, "missing executor key")
			return
		}
		if !a.keys.verify(a.executorKeyHash, key) {
			abortUnauthorized(c, "invalid executor key")
			return
		}
		c.Next()
	}
}

func clientID(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: msg, Kind: "unauthorized"})
}

// keyCache remembers digests of keys that already passed the bcrypt check,
// so progress callbacks do not pay the hashing cost on every request.
type keyCache struct {
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

func newKeyCache() *keyCache {
	return &keyCache{verified: make(map[[sha256.Size]byte]struct{})}
}

func (k *keyCache) verify(hash []byte, key string) bool {
	sum := sha256.Sum256([]byte(key))

	k.mu.RLock()
	_, ok := k.verified[sum]
	k.mu.RUnlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
		return false
	}
	k.mu.Lock()
	k.verified[sum] = struct{}{}
	k.mu.Unlock()
	return true
}
