// Package unitstate derives the dashboard state of a unit and keeps a small
// TTL cache of it, plus the sweep that downgrades silent units to offline.
package unitstate

import (
	"sync"
	"time"

	"github.com/coldsense/backend/internal/store"
)

// DashboardState is the four-value rollup shown to operators.
type DashboardState string

const (
	StateNormal   DashboardState = "normal"
	StateWarning  DashboardState = "warning"
	StateCritical DashboardState = "critical"
	StateOffline  DashboardState = "offline"
)

const (
	// OfflineTimeout is how long a unit may stay silent before it
	// presents as offline.
	OfflineTimeout = 10 * time.Minute
	// NeverReportedGrace applies to units that have never sent a reading.
	NeverReportedGrace = 15 * time.Minute

	cacheTTL     = 30 * time.Second
	cacheMaxSize = 10000
	evictSweep   = time.Minute
)

// DeriveState maps unit status and staleness to a dashboard state.
// Staleness wins over status: a silent unit is offline whatever its FSM
// state says.
func DeriveState(status store.UnitStatus, lastReadingAt *time.Time, statusChangedAt, now time.Time) DashboardState {
	if lastReadingAt == nil {
		if now.Sub(statusChangedAt) > NeverReportedGrace {
			return StateOffline
		}
	} else if now.Sub(*lastReadingAt) > OfflineTimeout {
		return StateOffline
	}

	switch status {
	case store.UnitOK, store.UnitRestoring:
		return StateNormal
	case store.UnitExcursion, store.UnitManualRequired:
		return StateWarning
	case store.UnitAlarmActive:
		return StateCritical
	case store.UnitMonitoringInterrupted, store.UnitOffline:
		return StateOffline
	}
	return StateNormal
}

// Entry is one cached unit snapshot.
type Entry struct {
	TenantID      string
	UnitID        string
	State         DashboardState
	LastReadingAt *time.Time
	LastTemp      *int
	expiresAt     time.Time
}

// cacheKey scopes every entry to its tenant, so a hit can never serve
// another tenant's unit.
type cacheKey struct {
	tenantID string
	unitID   string
}

// Cache is a process-local TTL cache with a hard size cap. Losing it on
// restart is harmless; the database remains authoritative.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]Entry
	stopCh  chan struct{}
	doneCh  chan struct{}
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[cacheKey]Entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Get returns the cached entry if present, fresh, and owned by the tenant.
func (c *Cache) Get(tenantID, unitID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{tenantID: tenantID, unitID: unitID}]
	if !ok || c.now().After(e.expiresAt) {
		return Entry{}, false
	}
	return e, true
}

// Put stores a snapshot. At the size cap, expired entries are evicted
// first; if none are expired the write is dropped rather than growing the
// map unboundedly.
func (c *Cache) Put(e Entry) {
	key := cacheKey{tenantID: e.TenantID, unitID: e.UnitID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= cacheMaxSize {
		c.evictExpiredLocked()
		if len(c.entries) >= cacheMaxSize {
			return
		}
	}
	e.expiresAt = c.now().Add(cacheTTL)
	c.entries[key] = e
}

// Invalidate removes one unit's entry, used after a status transition.
func (c *Cache) Invalidate(tenantID, unitID string) {
	c.mu.Lock()
	delete(c.entries, cacheKey{tenantID: tenantID, unitID: unitID})
	c.mu.Unlock()
}

func (c *Cache) evictExpiredLocked() {
	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Start launches the periodic eviction loop.
func (c *Cache) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(evictSweep)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.evictExpiredLocked()
				c.mu.Unlock()
			}
		}
	}()
}

func (c *Cache) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
