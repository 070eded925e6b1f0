package ledger

import (
	"context"
	"sync"
	"time"

	"workyield/internal/domain"
)

// SnapshotCache holds the last known ledger balances. Reads between
// refreshes may be stale; the redemption sufficiency check refreshes
// first so a doomed transaction is never submitted.
type SnapshotCache struct {
	Gateway Gateway
	Now     func() time.Time

	mu   sync.Mutex
	last map[string]domain.Snapshot
}

func NewSnapshotCache(gw Gateway) *SnapshotCache {
	return &SnapshotCache{Gateway: gw, Now: time.Now, last: map[string]domain.Snapshot{}}
}

// Refresh pulls supply and holder balance from the gateway and caches
// the result.
func (c *SnapshotCache) Refresh(ctx context.Context, holder string) (domain.Snapshot, error) {
	supply, err := c.Gateway.AvailableSupply(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var balance float64
	if holder != "" {
		balance, err = c.Gateway.BalanceOf(ctx, holder)
		if err != nil {
			return domain.Snapshot{}, err
		}
	}
	snap := domain.Snapshot{
		AvailableSupply: supply,
		Balance:         balance,
		Holder:          holder,
		RefreshedAt:     c.now().UTC().Format(time.RFC3339),
	}
	c.mu.Lock()
	c.last[holder] = snap
	c.mu.Unlock()
	return snap, nil
}

// Cached returns the last snapshot for a holder without touching the
// gateway.
func (c *SnapshotCache) Cached(holder string) (domain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.last[holder]
	return snap, ok
}

func (c *SnapshotCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
