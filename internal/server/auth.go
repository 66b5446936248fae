package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

// authCacheTTL bounds how long a verified key is trusted without a fresh
// database lookup, keeping the hot auth path off the database for
// bursty traffic while still picking up revocations quickly.
const authCacheTTL = 60 * time.Second

type authCacheEntry struct {
	rec     apiKeyRecord
	expires time.Time
}

// authCache is keyed by secret hash, the only thing a Bearer token
// authenticates with. Revocation only ever has a keyID (§6 never hands
// the plaintext secret back out), so a secondary keyID->hash index is
// kept alongside the entries map purely to make invalidateByKeyID
// possible without a linear scan.
type authCache struct {
	mu        sync.Mutex
	entries   map[string]authCacheEntry
	hashByKey map[string]string
}

func newAuthCache() *authCache {
	return &authCache{
		entries:   make(map[string]authCacheEntry),
		hashByKey: make(map[string]string),
	}
}

func (c *authCache) get(hash string) (apiKeyRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok || time.Now().After(e.expires) {
		return apiKeyRecord{}, false
	}
	return e.rec, true
}

func (c *authCache) put(hash string, rec apiKeyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = authCacheEntry{rec: rec, expires: time.Now().Add(authCacheTTL)}
	c.hashByKey[rec.ID] = hash
}

func (c *authCache) invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
}

// invalidateByKeyID drops the cached entry for keyID, if any is known.
// Called on revocation (§5, §9) so a just-revoked key stops
// authenticating from the cache instead of surviving the remainder of
// its 60s TTL.
func (c *authCache) invalidateByKeyID(keyID string) {
	c.mu.Lock()
	hash, ok := c.hashByKey[keyID]
	delete(c.hashByKey, keyID)
	c.mu.Unlock()
	if ok {
		c.invalidate(hash)
	}
}

func hashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the Bearer token on r into an apiKeyRecord, using
// the 60s TTL cache ahead of a database lookup. Unknown or revoked keys
// are KindAuth failures (§7); the key's last-used timestamp is
// refreshed asynchronously on a cache miss.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (apiKeyRecord, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return apiKeyRecord{}, errAuthMissing
	}
	secret := strings.TrimPrefix(authz, prefix)
	if secret == "" {
		return apiKeyRecord{}, errAuthMissing
	}
	hash := hashAPIKey(secret)

	if rec, ok := s.authCache.get(hash); ok {
		if rec.RevokedAt != nil {
			return apiKeyRecord{}, errAuthRevoked
		}
		return rec, nil
	}

	rec, ok, err := s.db.lookupKeyByHash(ctx, hash)
	if err != nil {
		return apiKeyRecord{}, err
	}
	if !ok {
		return apiKeyRecord{}, errAuthUnknown
	}
	if rec.RevokedAt != nil {
		s.authCache.put(hash, rec)
		return apiKeyRecord{}, errAuthRevoked
	}
	s.authCache.put(hash, rec)
	go s.db.touchKeyLastUsed(context.Background(), rec.ID)
	return rec, nil
}
