package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const (
	defaultCacheSize = 2048
	defaultCacheTTL  = 2 * time.Minute
)

// Cached memoizes profiles for a short TTL and collapses concurrent
// lookups for the same phone into one upstream call. Errors are not
// cached.
type Cached struct {
	next   Directory
	cache  *expirable.LRU[string, Profile]
	group  singleflight.Group
	logger *logging.Logger
}

func NewCached(next Directory, size int, ttl time.Duration, logger *logging.Logger) *Cached {
	if next == nil {
		panic("directory: upstream directory required")
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cached{
		next:   next,
		cache:  expirable.NewLRU[string, Profile](size, nil, ttl),
		logger: logger.Component("directory"),
	}
}

func (c *Cached) Lookup(ctx context.Context, phone string) (Profile, error) {
	key := messaging.NormalizeE164(phone)
	if key == "" {
		return Profile{}, nil
	}
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		p, err := c.next.Lookup(ctx, key)
		if err != nil {
			return Profile{}, err
		}
		c.cache.Add(key, p)
		return p, nil
	})
	if err != nil {
		c.logger.Warn("directory lookup failed", "error", err, "shared", shared)
		return Profile{}, err
	}
	return v.(Profile), nil
}

// Invalidate drops any cached profile for phone.
func (c *Cached) Invalidate(phone string) {
	c.cache.Remove(messaging.NormalizeE164(phone))
}
