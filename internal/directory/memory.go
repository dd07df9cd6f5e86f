// Package directory maps participant identities to the inbox topic their
// invites are published on.
package directory

import (
	"context"
	"fmt"
	"sync"

	"duocall/native/internal/domain"
)

// Memory is an in-process directory. With Strict unset, unknown identities
// resolve to their default inbox topic.
type Memory struct {
	Strict bool

	mu     sync.RWMutex
	routes map[string]domain.Route
}

func NewMemory() *Memory {
	return &Memory{routes: make(map[string]domain.Route)}
}

func (m *Memory) Register(ctx context.Context, route domain.Route) error {
	if route.Identity == "" {
		return fmt.Errorf("register: empty identity")
	}
	if route.Inbox == "" {
		route.Inbox = domain.InboxTopic(route.Identity)
	}

	m.mu.Lock()
	m.routes[route.Identity] = route
	m.mu.Unlock()
	return nil
}

func (m *Memory) Resolve(ctx context.Context, identity string) (domain.Route, error) {
	m.mu.RLock()
	route, ok := m.routes[identity]
	m.mu.RUnlock()

	if ok {
		return route, nil
	}
	if m.Strict || identity == "" {
		return domain.Route{}, fmt.Errorf("%w: %q", domain.ErrUnknownParticipant, identity)
	}
	return domain.Route{Identity: identity, Inbox: domain.InboxTopic(identity)}, nil
}
