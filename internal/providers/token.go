package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is a bearer token and the instant the provider stops accepting it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher performs the provider's credential exchange.
type TokenFetcher func(ctx context.Context) (Token, error)

// TokenCache holds one adapter's access token. A cached token is reused until
// it is within margin of expiry; concurrent callers that find it stale share
// a single refresh.
type TokenCache struct {
	mu     sync.RWMutex
	token  Token
	margin time.Duration
	fetch  TokenFetcher
	group  singleflight.Group
	now    func() time.Time
}

func NewTokenCache(margin time.Duration, fetch TokenFetcher) *TokenCache {
	return &TokenCache{margin: margin, fetch: fetch, now: time.Now}
}

func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.valid() {
		token := c.token.Value
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		c.mu.RLock()
		if c.valid() {
			token := c.token.Value
			c.mu.RUnlock()
			return token, nil
		}
		c.mu.RUnlock()

		tok, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

// valid must be called with mu held.
func (c *TokenCache) valid() bool {
	return c.token.Value != "" && c.now().Add(c.margin).Before(c.token.ExpiresAt)
}
