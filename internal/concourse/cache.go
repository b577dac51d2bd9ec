package concourse

import (
	"context"
	"strings"
	"sync"
	"time"

	"ci-replicator/internal/config"

	"github.com/patrickmn/go-cache"
)

// Factory builds a team-scoped client
type Factory func(ctx context.Context, backend config.Backend, team string, cred config.TeamCredential) (Client, error)

// RESTFactory returns a Factory creating RESTClients with opts
func RESTFactory(opts ClientOptions) Factory {
	return func(ctx context.Context, backend config.Backend, team string, cred config.TeamCredential) (Client, error) {
		return NewRESTClient(ctx, backend, team, cred, opts)
	}
}

// ClientCache memoizes clients by backend URL, team and credential fingerprint. Rotated
// credentials produce a new key; Invalidate drops everything after a config reload.
type ClientCache struct {
	factory Factory
	clients *cache.Cache
	mu      sync.Mutex
}

// NewClientCache creates a cache; idle clients expire after ttl
func NewClientCache(factory Factory, ttl time.Duration) *ClientCache {
	return &ClientCache{
		factory: factory,
		clients: cache.New(ttl, 2*ttl),
	}
}

func cacheKey(backend config.Backend, team string, cred config.TeamCredential) string {
	return strings.Join([]string{backend.URL, team, cred.Fingerprint()}, "|")
}

// Get returns the client for team on backend, creating it on first use
func (c *ClientCache) Get(ctx context.Context, backend config.Backend, team string, cred config.TeamCredential) (Client, error) {
	key := cacheKey(backend, team, cred)
	if cl, ok := c.clients.Get(key); ok {
		return cl.(Client), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients.Get(key); ok {
		return cl.(Client), nil
	}
	cl, err := c.factory(ctx, backend, team, cred)
	if err != nil {
		return nil, err
	}
	c.clients.SetDefault(key, cl)
	return cl, nil
}

// ForTarget resolves backend and credential for team from cfg
func (c *ClientCache) ForTarget(ctx context.Context, cfg *config.CIConfig, backendName, team string) (Client, error) {
	backend, err := cfg.Backend(backendName)
	if err != nil {
		return nil, err
	}
	cred, err := cfg.Credential(backendName, team)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, backend, team, cred)
}

// Invalidate drops all cached clients
func (c *ClientCache) Invalidate() {
	c.clients.Flush()
}

// Len returns the number of cached clients
func (c *ClientCache) Len() int {
	return c.clients.ItemCount()
}
