package unitstate

import (
	"context"
	"log"
	"time"

	"github.com/coldsense/backend/internal/metrics"
	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/stream"
)

// sweepInterval is how often silent units are downgraded.
const sweepInterval = time.Minute

type staleUnitStore interface {
	ListStale(ctx context.Context, q store.Querier, offlineCutoff, graceCutoff time.Time) ([]store.StaleUnit, error)
	UpdateStatus(ctx context.Context, q store.Querier, unitID string, status store.UnitStatus, at time.Time, restoreStreak int) error
}

type stateEventSink interface {
	UnitStateChanged(tenantID, unitID string, p stream.StateChangePayload)
}

// Sweeper periodically marks silent units offline and notifies subscribers.
type Sweeper struct {
	q      store.Querier
	units  staleUnitStore
	cache  *Cache
	events stateEventSink
	logger *log.Logger
	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

func NewSweeper(q store.Querier, units staleUnitStore, cache *Cache, events stateEventSink) *Sweeper {
	return &Sweeper{
		q:      q,
		units:  units,
		cache:  cache,
		events: events,
		logger: log.New(log.Writer(), "[OFFLINE-SWEEP] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SweepOnce(context.Background())
			}
		}
	}()
	s.logger.Printf("Offline sweep started (timeout %s, grace %s)", OfflineTimeout, NeverReportedGrace)
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// SweepOnce downgrades every stale unit to offline. Per-unit best-effort.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.now()
	stale, err := s.units.ListStale(ctx, s.q, now.Add(-OfflineTimeout), now.Add(-NeverReportedGrace))
	if err != nil {
		s.logger.Printf("Stale unit query failed: %v", err)
		return
	}
	downgraded := 0
	for _, su := range stale {
		if err := s.units.UpdateStatus(ctx, s.q, su.UnitID, store.UnitOffline, now, 0); err != nil {
			s.logger.Printf("Downgrade of unit %s failed: %v", su.UnitID, err)
			continue
		}
		downgraded++
		s.cache.Invalidate(su.TenantID, su.UnitID)
		if s.events != nil {
			// Previous state from status alone; the unit was not yet
			// past the staleness cutoff when last derived.
			prev := DeriveState(su.Status, &now, now, now)
			s.events.UnitStateChanged(su.TenantID, su.UnitID, stream.StateChangePayload{
				UnitID:        su.UnitID,
				PreviousState: string(prev),
				NewState:      string(StateOffline),
				Reason:        "no readings received",
				Timestamp:     now,
			})
		}
	}
	if downgraded > 0 {
		metrics.UnitsMarkedOffline.Add(float64(downgraded))
		s.logger.Printf("Downgraded %d silent units to offline", downgraded)
	}
}
