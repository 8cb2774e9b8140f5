package repository

import (
	"context"
	"sort"
	"sync"
)

// InMemoryWebhookStore is the default WebhookStore. Registrations live for
// the process lifetime only.
type InMemoryWebhookStore struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewInMemoryWebhookStore creates an empty in-memory store.
func NewInMemoryWebhookStore() *InMemoryWebhookStore {
	return &InMemoryWebhookStore{regs: make(map[string]*Registration)}
}

// Save stores a new registration.
func (s *InMemoryWebhookStore) Save(ctx context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *reg
	s.regs[reg.ID] = &cp
	return nil
}

// Get retrieves a registration by id.
func (s *InMemoryWebhookStore) Get(ctx context.Context, id string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	cp := *reg
	return &cp, nil
}

// List returns all registrations, oldest first.
func (s *InMemoryWebhookStore) List(ctx context.Context) ([]*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Registration, 0, len(s.regs))
	for _, reg := range s.regs {
		cp := *reg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update overwrites an existing registration.
func (s *InMemoryWebhookStore) Update(ctx context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[reg.ID]; !ok {
		return ErrWebhookNotFound
	}
	cp := *reg
	s.regs[reg.ID] = &cp
	return nil
}

// Delete removes a registration, reporting whether it existed.
func (s *InMemoryWebhookStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[id]; !ok {
		return false, nil
	}
	delete(s.regs, id)
	return true, nil
}
