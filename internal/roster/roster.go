// Package roster resolves a scope reference (class section, group) to the
// set of identities expected to verify.
package roster

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrScopeNotFound indicates the scope reference resolves to nothing.
var ErrScopeNotFound = errors.New("roster: scope not found")

// Resolver maps a scope reference to an ordered list of recipient ids.
type Resolver interface {
	Resolve(ctx context.Context, scopeRef string) ([]string, error)
}

// Static is an in-memory resolver used in tests and development.
type Static struct {
	mu     sync.RWMutex
	scopes map[string][]string
}

var _ Resolver = (*Static)(nil)

// NewStatic creates an empty resolver.
func NewStatic() *Static {
	return &Static{scopes: make(map[string][]string)}
}

// Set registers recipients for a scope, replacing any previous list.
func (s *Static) Set(scopeRef string, recipients []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(recipients))
	copy(cp, recipients)
	s.scopes[strings.TrimSpace(scopeRef)] = cp
}

func (s *Static) Resolve(ctx context.Context, scopeRef string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.scopes[strings.TrimSpace(scopeRef)]
	if !ok {
		return nil, ErrScopeNotFound
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}
