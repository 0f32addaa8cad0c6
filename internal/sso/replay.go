package sso

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultReplayCapacity = 100_000

// ReplayGuard remembers token signatures for one TTL so each token is
// accepted at most once per process.
type ReplayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewReplayGuard returns a guard whose entries expire after ttl.
func NewReplayGuard(capacity int, ttl time.Duration) *ReplayGuard {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &ReplayGuard{seen: expirable.NewLRU[string, struct{}](capacity, nil, ttl)}
}

// Use marks signature as consumed. It returns false if it was already used.
func (g *ReplayGuard) Use(signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(signature) {
		return false
	}
	g.seen.Add(signature, struct{}{})
	return true
}
