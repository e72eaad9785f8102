package stream

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coldsense/backend/internal/metrics"
)

const (
	// perKeyCap bounds each (tenant, unit) FIFO; oldest entries trim first.
	perKeyCap = 1024
	// defaultFlushInterval is the drain tick.
	defaultFlushInterval = time.Second
)

// Emitter is where flushed batches go. The Hub satisfies it.
type Emitter interface {
	Emit(room, event string, payload interface{})
}

type bufferKey struct {
	tenantID string
	unitID   string
}

// Buffer accumulates readings between flush ticks and caches the latest
// reading per unit for late subscribers. All emission happens outside the
// lock; the ticker never blocks on a slow consumer.
type Buffer struct {
	mu      sync.Mutex
	pending map[bufferKey][]ReadingPayload
	latest  map[string]ReadingPayload

	emitter  Emitter
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewBuffer(emitter Emitter, flushInterval time.Duration) *Buffer {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Buffer{
		pending:  make(map[bufferKey][]ReadingPayload),
		latest:   make(map[string]ReadingPayload),
		emitter:  emitter,
		interval: flushInterval,
		logger:   log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Add appends a reading for the next flush and refreshes the latest cache.
func (b *Buffer) Add(tenantID string, r ReadingPayload) {
	key := bufferKey{tenantID: tenantID, unitID: r.UnitID}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := append(b.pending[key], r)
	if len(buf) > perKeyCap {
		buf = buf[len(buf)-perKeyCap:]
	}
	b.pending[key] = buf

	if cur, ok := b.latest[r.UnitID]; !ok || !r.RecordedAt.Before(cur.RecordedAt) {
		b.latest[r.UnitID] = r
	}
}

// Latest returns the most recent reading seen for a unit, if any. Survives
// flushes; contents do not survive a restart.
func (b *Buffer) Latest(unitID string) (ReadingPayload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.latest[unitID]
	return r, ok
}

// Start launches the flush ticker.
func (b *Buffer) Start() {
	go b.run()
	b.logger.Printf("Stream buffer started (flush every %s, cap %d/key)", b.interval, perKeyCap)
}

// Stop halts the ticker. Readings buffered but not yet flushed are dropped;
// they remain persisted and the stream is best-effort.
func (b *Buffer) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Buffer) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Flush drains every non-empty buffer and emits one time-ordered batch per
// (tenant, unit) to the tenant room and the unit room.
func (b *Buffer) Flush() {
	b.mu.Lock()
	drained := b.pending
	b.pending = make(map[bufferKey][]ReadingPayload)
	b.mu.Unlock()

	for key, readings := range drained {
		if len(readings) == 0 {
			continue
		}
		sort.Slice(readings, func(i, j int) bool {
			return readings[i].RecordedAt.Before(readings[j].RecordedAt)
		})
		payload := BatchPayload{
			UnitID:   key.unitID,
			Count:    len(readings),
			Readings: readings,
		}
		b.emitter.Emit(RoomTenant(key.tenantID), EventReadingsBatch, payload)
		b.emitter.Emit(RoomUnit(key.tenantID, key.unitID), EventReadingsBatch, payload)
		metrics.StreamBatchesEmitted.Inc()
	}
}
