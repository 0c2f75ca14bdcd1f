package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/cache"
)

// ErrLeaseHeld is returned when another rating run holds the period lease.
var ErrLeaseHeld = errors.New("rating lease already held for this customer and period")

// releaseScript deletes the lease only if the caller still owns it, so an
// expired lease taken over by another run is never released from under it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lease enforces at-most-one-concurrent rating per (customer, period) via a
// Redis SET NX PX key. The TTL bounds how long a crashed run can block the
// period.
type Lease struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewLease creates a rating lease manager.
func NewLease(c *cache.Cache, ttl time.Duration) *Lease {
	return &Lease{cache: c, ttl: ttl}
}

func leaseKey(customerID uuid.UUID, periodStart time.Time) string {
	return fmt.Sprintf("rating:lease:%s:%s", customerID, periodStart.UTC().Format("2006-01-02"))
}

// Acquire takes the lease, returning an owner token for Release.
func (l *Lease) Acquire(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (string, error) {
	token := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, leaseKey(customerID, periodStart), token, l.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to acquire rating lease: %w", err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}
	return token, nil
}

// Release gives the lease back if the token still owns it.
func (l *Lease) Release(ctx context.Context, customerID uuid.UUID, periodStart time.Time, token string) error {
	_, err := l.cache.Eval(ctx, releaseScript, []string{leaseKey(customerID, periodStart)}, token)
	if err != nil {
		return fmt.Errorf("failed to release rating lease: %w", err)
	}
	return nil
}
