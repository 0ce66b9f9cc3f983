// Package poscache keeps the latest GPS fix per mesh node in memory, with
// write-through persistence so the cache survives restarts.
package poscache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/store"
)

// Fix age bands. A fix older than MaxAge is unusable; one between GoodAge and
// MaxAge is admissible but marked approximate.
const (
	GoodAge = 15 * time.Second
	MaxAge  = 120 * time.Second
)

// Fix is a cached position.
type Fix struct {
	Lat        float64
	Lon        float64
	ReceivedAt time.Time
	SeenCount  int64
}

// Freshness grades a fix by age.
type Freshness int

const (
	Fresh Freshness = iota
	Approximate
	Stale
)

// Grade classifies an age into its freshness band.
func Grade(age time.Duration) Freshness {
	switch {
	case age <= GoodAge:
		return Fresh
	case age <= MaxAge:
		return Approximate
	default:
		return Stale
	}
}

// ValidCoords reports whether a coordinate pair is usable: within WGS84
// bounds and not the (0,0) null island a GPS without a fix emits.
func ValidCoords(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Cache maps node ids to their latest fix. Writers serialize on a mutex and
// write through to the store; the lock is never held across store I/O.
type Cache struct {
	store *store.Store
	now   func() time.Time

	mu    sync.RWMutex
	fixes map[string]Fix
}

// New creates an empty cache backed by st.
func New(st *store.Store) *Cache {
	return &Cache{
		store: st,
		now:   time.Now,
		fixes: make(map[string]Fix),
	}
}

// Rehydrate loads all persisted positions into memory. Called once at boot.
func (c *Cache) Rehydrate(ctx context.Context) error {
	positions, err := c.store.ListAllPositions(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for _, p := range positions {
		if !ValidCoords(p.Lat, p.Lon) {
			continue
		}
		loaded++
		c.fixes[p.NodeID] = Fix{
			Lat:        p.Lat,
			Lon:        p.Lon,
			ReceivedAt: time.Unix(p.ReceivedAt, 0).UTC(),
			SeenCount:  p.SeenCount,
		}
	}
	log.Info().Int("nodes", loaded).Msg("position cache rehydrated")
	return nil
}

// Update records a new fix for a node, persisting it first. Fixes with
// unusable coordinates are dropped so the cache never serves them.
func (c *Cache) Update(ctx context.Context, nodeID string, lat, lon float64) error {
	if !ValidCoords(lat, lon) {
		log.Debug().Str("node", nodeID).
			Float64("lat", lat).Float64("lon", lon).
			Msg("dropping fix with unusable coordinates")
		return nil
	}
	now := c.now()
	if err := c.store.UpsertPosition(ctx, nodeID, lat, lon, now); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fix := c.fixes[nodeID]
	c.fixes[nodeID] = Fix{
		Lat:        lat,
		Lon:        lon,
		ReceivedAt: now,
		SeenCount:  fix.SeenCount + 1,
	}
	return nil
}

// Get returns a snapshot of the latest fix for a node.
func (c *Cache) Get(nodeID string) (Fix, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fix, ok := c.fixes[nodeID]
	return fix, ok
}

// Age returns the age of a node's latest fix, or false if none is cached.
func (c *Cache) Age(nodeID string) (time.Duration, bool) {
	fix, ok := c.Get(nodeID)
	if !ok {
		return 0, false
	}
	return c.now().Sub(fix.ReceivedAt), true
}

// Evict drops a node's fix from memory. Used after the store purge removes
// rows older than the retention window.
func (c *Cache) Evict(olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, fix := range c.fixes {
		if fix.ReceivedAt.Before(cutoff) {
			delete(c.fixes, id)
			evicted++
		}
	}
	return evicted
}

// SetNowFunc overrides the clock. Test hook.
func (c *Cache) SetNowFunc(now func() time.Time) {
	c.now = now
}
