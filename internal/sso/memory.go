package sso

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"lmsbridge.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	clients  map[string]ClientCredential
	logs     []AccessLogEntry
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		clients:  make(map[string]ClientCredential),
		now:      time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Lookup(_ context.Context, uniqueID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[uniqueID]
	if !ok || !acct.Active {
		return nil, ErrNotFound
	}
	return &acct, nil
}

func (s *MemoryStore) Exists(_ context.Context, uniqueID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[uniqueID]
	return ok, nil
}

func (s *MemoryStore) Upsert(_ context.Context, acct *Account) error {
	if acct == nil || strings.TrimSpace(acct.UniqueID) == "" || strings.TrimSpace(acct.SubaccountID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	rec := *acct
	if prev, ok := s.accounts[acct.UniqueID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.accounts[acct.UniqueID] = rec
	acct.CreatedAt, acct.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindClient(_ context.Context, clientID string) (*ClientCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) FindClientByName(_ context.Context, name string) (*ClientCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Name == name {
			c := c
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ActiveClients(context.Context) ([]*ClientCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ClientCredential
	for _, c := range s.clients {
		if !c.Active {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *MemoryStore) CreateClient(_ context.Context, c *ClientCredential) error {
	if c == nil || c.ClientID == "" || c.Secret == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.clients[c.ClientID] = *c
	return nil
}

func (s *MemoryStore) UpdateClientSecret(_ context.Context, clientID, secret string) error {
	if clientID == "" || secret == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	c.Secret = secret
	s.clients[clientID] = c
	return nil
}

func (s *MemoryStore) Append(_ context.Context, entry *AccessLogEntry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*AccessLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.logs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*AccessLogEntry, 0, n)
	for i := len(s.logs) - 1; i >= 0 && len(out) < n; i-- {
		e := s.logs[i]
		out = append(out, &e)
	}
	return out, nil
}
