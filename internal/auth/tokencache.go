// Package auth implements the Keycloak client-credentials token cache
// shared by all upload workers.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// minRemaining is the minimum lifetime a cached token must have left
// to be returned without a refresh.
const minRemaining = 60 * time.Second

// refreshTimeout bounds a single OAuth2 token exchange.
const refreshTimeout = 30 * time.Second

// Cache holds a cached bearer token and refreshes it on demand.
// Anonymous mode (empty client secret) makes Acquire a no-op that
// always returns ("", false) without any network I/O.
type Cache struct {
	cfg       clientcredentials.Config
	anonymous bool

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New builds a Cache for the given Keycloak realm and client
// credentials. issuer is the Keycloak base URL (e.g.
// "https://idp.example.com"); realm is the realm name.
func New(issuer, realm, clientID, clientSecret string) *Cache {
	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", issuer, realm)
	return &Cache{
		anonymous: clientSecret == "",
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		},
	}
}

// Acquire returns a bearer token with at least minRemaining lifetime,
// refreshing it first if necessary. Returns ("", false) in anonymous
// mode, or if the refresh attempt fails — callers degrade to
// unauthenticated upload rather than treating this as fatal.
func (c *Cache) Acquire(ctx context.Context) (string, bool) {
	if c.anonymous {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.expires) >= minRemaining {
		return c.token, true
	}

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	token, err := c.cfg.Token(refreshCtx)
	if err != nil || token == nil || token.AccessToken == "" {
		return "", false
	}

	c.token = token.AccessToken
	c.expires = expiryOf(token)
	return c.token, true
}

// expiryOf derives an absolute expiry from an oauth2.Token, defaulting
// to "already expired" when the provider omits expires_in so a caller
// never reuses a token of unknown lifetime.
func expiryOf(token *oauth2.Token) time.Time {
	if token.Expiry.IsZero() {
		return time.Now()
	}
	return token.Expiry
}
