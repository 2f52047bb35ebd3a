package profile

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = time.Minute
)

// Resolver fronts a Repository with an expiring LRU so the hot path does not
// hit PostgreSQL on every authenticated frame. Entries age out after the TTL;
// profile mutations call Invalidate to drop them early.
type Resolver struct {
	repo  Repository
	cache *expirable.LRU[int64, *Profile]
	log   zerolog.Logger
}

// NewResolver creates a resolver with the default cache size and TTL.
func NewResolver(repo Repository, logger zerolog.Logger) *Resolver {
	return NewResolverSize(repo, logger, defaultCacheSize, defaultCacheTTL)
}

// NewResolverSize creates a resolver with an explicit cache size and TTL.
func NewResolverSize(repo Repository, logger zerolog.Logger, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Resolver{
		repo:  repo,
		cache: expirable.NewLRU[int64, *Profile](size, nil, ttl),
		log:   logger,
	}
}

// Resolve returns the profile for the given id, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, id int64) (*Profile, error) {
	if p, ok := r.cache.Get(id); ok {
		return p, nil
	}

	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, p)
	return p, nil
}

// Invalidate drops the cached profile so the next Resolve reloads it.
func (r *Resolver) Invalidate(id int64) {
	r.cache.Remove(id)
}

// Flush empties the cache. Config reloads call this so role changes picked
// up by the new route table are not masked by stale entries.
func (r *Resolver) Flush() {
	r.cache.Purge()
}

// CacheLen reports how many profiles are currently cached.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
