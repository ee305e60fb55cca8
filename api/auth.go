package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// HashKey returns the hex sha256 digest of a raw API key. Only hashes are
// held at rest.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new raw API key in the "key_" + 64 hex chars format.
func GenerateKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "key_" + hex.EncodeToString(b)
}

// Keyring maps API-key hashes to principal ids.
type Keyring struct {
	mu     sync.RWMutex
	byHash map[string]string
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{byHash: make(map[string]string)}
}

// Add registers a raw key for a principal.
func (k *Keyring) Add(rawKey, principalID string) {
	k.mu.Lock()
	k.byHash[HashKey(rawKey)] = principalID
	k.mu.Unlock()
}

// Lookup resolves a raw key to its principal.
func (k *Keyring) Lookup(rawKey string) (string, bool) {
	k.mu.RLock()
	p, ok := k.byHash[HashKey(rawKey)]
	k.mu.RUnlock()
	return p, ok
}

const principalKey = "principal"

// requireAuth resolves the bearer token to a principal or aborts with 401.
func (s *Server) requireAuth(c *gin.Context) {
	raw := bearerToken(c)
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
		return
	}
	principal, ok := s.keyring.Lookup(raw)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}
	c.Set(principalKey, principal)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func principalOf(c *gin.Context) string {
	return c.GetString(principalKey)
}
