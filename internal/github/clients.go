package github

import (
	"strings"
	"sync"

	"ci-replicator/internal/config"
)

// Clients hands out one client per GitHub host configured in the CI config
type Clients struct {
	store   *config.Store
	factory func(config.GitHubHost) Client
	mu      sync.Mutex
	clients map[string]Client
}

// NewClients builds clients lazily from the hosts in store; clients are dropped on reload
func NewClients(store *config.Store, factory func(config.GitHubHost) Client) *Clients {
	c := &Clients{store: store, factory: factory, clients: make(map[string]Client)}
	store.OnReload(func(*config.CIConfig) { c.Invalidate() })
	return c
}

// For returns the client for host; an empty host means the public GitHub
func (c *Clients) For(host string) (Client, error) {
	if host == "" {
		host = PublicHost
	}
	key := strings.ToLower(host)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	h, err := c.store.Current().GitHubHost(host)
	if err != nil {
		return nil, err
	}
	cl := c.factory(h)
	c.clients[key] = cl
	return cl, nil
}

// Invalidate drops all clients
func (c *Clients) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = make(map[string]Client)
}
