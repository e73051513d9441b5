package cognito

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache defaults.
const (
	DefaultJWKSTTL     = time.Hour
	DefaultHTTPTimeout = 15 * time.Second
	maxJWKSBytes       = 1 << 20
)

// ErrJWKSFetch wraps every failed key set download.
var ErrJWKSFetch = errors.New("jwks fetch failed")

// CacheOptions configures a JWKSCache.
type CacheOptions struct {
	TTL        time.Duration
	HTTPClient *http.Client
	// URL overrides the location of a pool's key set; defaults to JWKSURL.
	URL func(region, poolID string) string
	Now func() time.Time
}

// JWKSCache holds user pool key sets for a fixed TTL. Failed fetches are
// never cached.
type JWKSCache struct {
	ttl    time.Duration
	client *http.Client
	url    func(region, poolID string) string
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]jwksEntry
	group   singleflight.Group
}

type jwksEntry struct {
	set     JWKS
	expires time.Time
}

// NewJWKSCache creates a cache with a 1 hour TTL and 15s fetch timeout
// unless overridden.
func NewJWKSCache(opts CacheOptions) *JWKSCache {
	c := &JWKSCache{
		ttl:     opts.TTL,
		client:  opts.HTTPClient,
		url:     opts.URL,
		now:     opts.Now,
		entries: make(map[string]jwksEntry),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultJWKSTTL
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.url == nil {
		c.url = JWKSURL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Get returns the pool's key set, fetching it when absent or stale.
func (c *JWKSCache) Get(ctx context.Context, poolID, region string) (JWKS, error) {
	key := cacheKey(poolID)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.set, nil
	}

	// The shared fetch outlives any one caller; the client timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		set, err := c.fetch(fetchCtx, c.url(region, poolID))
		if err != nil {
			return JWKS{}, err
		}
		c.mu.Lock()
		c.entries[key] = jwksEntry{set: set, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return set, nil
	})
	select {
	case <-ctx.Done():
		return JWKS{}, fmt.Errorf("%w: %v", ErrJWKSFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return JWKS{}, res.Err
		}
		return res.Val.(JWKS), nil
	}
}

// Invalidate drops the cached key set for a pool.
func (c *JWKSCache) Invalidate(poolID string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(poolID))
	c.mu.Unlock()
}

func (c *JWKSCache) fetch(ctx context.Context, url string) (JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JWKS{}, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return JWKS{}, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JWKS{}, fmt.Errorf("%w: %s", ErrJWKSFetch, resp.Status)
	}

	var doc struct {
		Keys *[]JWK `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&doc); err != nil {
		return JWKS{}, fmt.Errorf("%w: decode: %v", ErrJWKSFetch, err)
	}
	if doc.Keys == nil {
		return JWKS{}, fmt.Errorf("%w: keys missing", ErrJWKSFetch)
	}
	return JWKS{Keys: *doc.Keys}, nil
}

func cacheKey(poolID string) string {
	sum := sha256.Sum256([]byte(poolID))
	return hex.EncodeToString(sum[:])
}
