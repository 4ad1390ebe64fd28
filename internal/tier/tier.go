// Package tier resolves a user's access tier (premium or free) and owns the
// per-tier concurrency policy. Tier data lives with an external
// collaborator; the dispatcher consults it through the Resolver boundary,
// with an LRU+TTL cache in front so dispatch stays cheap.
package tier

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tier is a user's access class.
type Tier string

const (
	Free    Tier = "free"
	Premium Tier = "premium"
)

func (t Tier) String() string { return string(t) }

// Resolver looks up a user's tier. Implementations are expected to be safe
// for concurrent use.
type Resolver interface {
	Lookup(ctx context.Context, userID int64) (Tier, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, userID int64) (Tier, error)

func (f ResolverFunc) Lookup(ctx context.Context, userID int64) (Tier, error) {
	return f(ctx, userID)
}

// StaticResolver grants premium to a fixed user set, everyone else is free.
type StaticResolver struct {
	mu      sync.RWMutex
	premium map[int64]struct{}
}

func NewStaticResolver(premiumUsers []int64) *StaticResolver {
	set := make(map[int64]struct{}, len(premiumUsers))
	for _, id := range premiumUsers {
		set[id] = struct{}{}
	}
	return &StaticResolver{premium: set}
}

func (r *StaticResolver) Lookup(_ context.Context, userID int64) (Tier, error) {
	r.mu.RLock()
	_, ok := r.premium[userID]
	r.mu.RUnlock()
	if ok {
		return Premium, nil
	}
	return Free, nil
}

// SetPremium flips a single user's premium flag at runtime.
func (r *StaticResolver) SetPremium(userID int64, premium bool) {
	r.mu.Lock()
	if premium {
		r.premium[userID] = struct{}{}
	} else {
		delete(r.premium, userID)
	}
	r.mu.Unlock()
}

type cachedTier struct {
	tier      Tier
	expiresAt time.Time
}

// CachedResolver memoizes lookups from an inner resolver for a TTL.
type CachedResolver struct {
	inner Resolver
	cache *lru.Cache[int64, cachedTier]
	ttl   time.Duration
	now   func() time.Time
}

func NewCachedResolver(inner Resolver, size int, ttl time.Duration) (*CachedResolver, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[int64, cachedTier](size)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResolver{inner: inner, cache: cache, ttl: ttl, now: time.Now}, nil
}

func (r *CachedResolver) Lookup(ctx context.Context, userID int64) (Tier, error) {
	if entry, ok := r.cache.Get(userID); ok {
		if r.now().Before(entry.expiresAt) {
			return entry.tier, nil
		}
		r.cache.Remove(userID)
	}
	t, err := r.inner.Lookup(ctx, userID)
	if err != nil {
		return Free, err
	}
	r.cache.Add(userID, cachedTier{tier: t, expiresAt: r.now().Add(r.ttl)})
	return t, nil
}

// Policy is the single place per-tier concurrency ceilings are decided.
type Policy struct {
	// FreeActivePerUser bounds running jobs per free user; <=0 means one.
	FreeActivePerUser int
	// PremiumActivePerUser bounds running jobs per premium user; <=0 means
	// unbounded (the global ceiling still applies).
	PremiumActivePerUser int
}

// MaxActive returns the per-user running-job ceiling for a tier. Zero means
// no per-user bound.
func (p Policy) MaxActive(t Tier) int {
	switch t {
	case Premium:
		if p.PremiumActivePerUser <= 0 {
			return 0
		}
		return p.PremiumActivePerUser
	default:
		if p.FreeActivePerUser <= 0 {
			return 1
		}
		return p.FreeActivePerUser
	}
}
