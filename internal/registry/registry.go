// Package registry provides the config-backed buffer registry and access
// control used by conduitd. Access grants are a static snapshot of the
// configuration; buffers seed from it but can be registered at runtime
// through the admin API.
package registry

import (
	"fmt"
	"sync"

	"conduit/internal/conduit"
	"conduit/internal/config"
)

// Buffers maps domains to their external buffer accounts.
type Buffers struct {
	mu       sync.RWMutex
	byDomain map[string]string
}

func NewBuffers(domains []config.Domain) *Buffers {
	m := make(map[string]string, len(domains))
	for _, d := range domains {
		m[d.Name] = d.Buffer
	}
	return &Buffers{byDomain: m}
}

func (b *Buffers) BufferOf(domain string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addr, ok := b.byDomain[domain]
	if !ok || addr == "" {
		return "", fmt.Errorf("no buffer registered for domain %s", domain)
	}
	return addr, nil
}

// SetBuffer registers or replaces the buffer account for a domain.
func (b *Buffers) SetBuffer(domain, buffer string) error {
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	if buffer == "" {
		return fmt.Errorf("buffer account is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byDomain[domain] = buffer
	return nil
}

// Access grants callers operations per domain. An empty operation list in
// the config grants every operation.
type Access struct {
	grants map[string]map[string]map[conduit.Operation]bool // domain -> caller -> ops
	allOps map[string]map[string]bool                       // domain -> caller -> all granted
}

func NewAccess(perms []config.Permission) *Access {
	a := &Access{
		grants: make(map[string]map[string]map[conduit.Operation]bool),
		allOps: make(map[string]map[string]bool),
	}
	for _, p := range perms {
		for _, caller := range p.Callers {
			if len(p.Operations) == 0 {
				if a.allOps[p.Domain] == nil {
					a.allOps[p.Domain] = make(map[string]bool)
				}
				a.allOps[p.Domain][caller] = true
				continue
			}
			if a.grants[p.Domain] == nil {
				a.grants[p.Domain] = make(map[string]map[conduit.Operation]bool)
			}
			if a.grants[p.Domain][caller] == nil {
				a.grants[p.Domain][caller] = make(map[conduit.Operation]bool)
			}
			for _, op := range p.Operations {
				a.grants[p.Domain][caller][conduit.Operation(op)] = true
			}
		}
	}
	return a
}

func (a *Access) CanAct(domain, caller string, op conduit.Operation) bool {
	if a.allOps[domain][caller] {
		return true
	}
	return a.grants[domain][caller][op]
}
