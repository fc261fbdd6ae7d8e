package cache

import (
	"context"
	"time"

	"github.com/torale/torale/internal/domain/user"
)

type UserSource interface {
	GetByID(ctx context.Context, id string) (user.User, error)
	AddVerifiedEmail(ctx context.Context, userID, email string) error
}

// CachedUsers fronts the users repo with a short TTL. The mailer resolves
// the same user once per channel per execution; a stale verified-email set
// for a few minutes is acceptable.
type CachedUsers struct {
	source UserSource
	cache  *Cache
}

func NewCachedUsers(source UserSource, ttl time.Duration) *CachedUsers {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &CachedUsers{source: source, cache: New(ttl)}
}

func (c *CachedUsers) GetByID(ctx context.Context, id string) (user.User, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.(user.User), nil
	}

	u, err := c.source.GetByID(ctx, id)
	if err != nil {
		return user.User{}, err
	}

	c.cache.Set(id, u)
	return u, nil
}

// AddVerifiedEmail writes through and drops the cached projection so the
// next send sees the new verified-email set immediately.
func (c *CachedUsers) AddVerifiedEmail(ctx context.Context, userID, email string) error {
	if err := c.source.AddVerifiedEmail(ctx, userID, email); err != nil {
		return err
	}

	c.Invalidate(userID)
	return nil
}

// Invalidate drops the cached projection.
func (c *CachedUsers) Invalidate(id string) {
	c.cache.Delete(id)
}
