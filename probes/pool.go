// Package probes manages the fleet of scan engines and decides which one
// gets the next scan.
package probes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/gvm"
)

// Pool holds one engine client per configured probe, keyed by probe name.
type Pool struct {
	clients map[string]*gvm.Client
	names   []string
}

// NewPool builds a client for every probe config. Names must be unique and
// non-empty. An empty config list is allowed: the API still serves reads
// with zero probes, and submission fails in the selector instead. No
// connections are made here; clients dial lazily.
func NewPool(configs []gvm.Config) (*Pool, error) {
	clients := make(map[string]*gvm.Client, len(configs))
	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("probe with host %q has no name", cfg.Host)
		}
		if _, exists := clients[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate probe name %q", cfg.Name)
		}
		clients[cfg.Name] = gvm.NewClient(cfg)
		names = append(names, cfg.Name)
	}
	sort.Strings(names)

	return &Pool{clients: clients, names: names}, nil
}

// Names returns the probe names in sorted order.
func (p *Pool) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Get returns the client for a probe name.
func (p *Pool) Get(name string) (*gvm.Client, bool) {
	client, ok := p.clients[name]
	return client, ok
}

// Size returns the number of configured probes.
func (p *Pool) Size() int {
	return len(p.names)
}

// Ping checks every probe concurrently. The result has one entry per probe;
// a nil value means the engine answered.
func (p *Pool) Ping(ctx context.Context) map[string]error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string]error, len(p.clients))

	for name, client := range p.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := client.Ping(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// Close drops all engine connections.
func (p *Pool) Close() {
	for _, client := range p.clients {
		_ = client.Close()
	}
}
