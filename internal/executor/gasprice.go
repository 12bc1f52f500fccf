package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

type gasPriceEntry struct {
	price      uint64
	expiration time.Time
}

// gasPriceCache holds the reference gas price until shortly before the
// epoch it was read in is expected to end.
type gasPriceCache struct {
	client ledger.Client
	window time.Duration
	clock  mclock.Clock
	now    func() time.Time
	log    log.Logger

	mu    sync.Mutex
	entry *gasPriceEntry
}

func newGasPriceCache(client ledger.Client, window time.Duration, clock mclock.Clock, now func() time.Time, logger log.Logger) *gasPriceCache {
	return &gasPriceCache{client: client, window: window, clock: clock, now: now, log: logger}
}

// price returns the cached price while it is safely inside its epoch.
// Past that point it waits until just after the expected epoch change and
// reads the new price.
func (g *gasPriceCache) price(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	entry := g.entry
	g.mu.Unlock()

	if entry != nil {
		now := g.now()
		if now.Before(entry.expiration.Add(-g.window)) {
			return entry.price, nil
		}
		wait := max(entry.expiration.Add(g.window).Sub(now), minEpochWait)
		g.log.Debug("Waiting for epoch boundary before refreshing gas price", "wait", wait)
		select {
		case <-g.clock.After(wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	state, err := g.client.GetCurrentSystemState(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch system state: %w", err)
	}
	entry = &gasPriceEntry{
		price:      state.ReferenceGasPrice,
		expiration: time.UnixMilli(int64(state.EpochStartTimestampMs + state.EpochDurationMs)),
	}

	g.mu.Lock()
	g.entry = entry
	g.mu.Unlock()

	g.log.Debug("Refreshed gas price", "epoch", state.Epoch, "price", entry.price, "expires", entry.expiration)
	return entry.price, nil
}

func (g *gasPriceCache) reset() {
	g.mu.Lock()
	g.entry = nil
	g.mu.Unlock()
}

func (g *gasPriceCache) snapshot() (uint64, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entry == nil {
		return 0, time.Time{}
	}
	return g.entry.price, g.entry.expiration
}
