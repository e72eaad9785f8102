package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEmit struct {
	room    string
	event   string
	payload interface{}
}

type fakeEmitter struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (f *fakeEmitter) Emit(room, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, recordedEmit{room: room, event: event, payload: payload})
}

func (f *fakeEmitter) byRoom(room string) []recordedEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEmit
	for _, e := range f.emits {
		if e.room == room {
			out = append(out, e)
		}
	}
	return out
}

func reading(unitID string, temp int, at time.Time) ReadingPayload {
	return ReadingPayload{
		ReadingID:   fmt.Sprintf("%s-%d", unitID, at.UnixNano()),
		UnitID:      unitID,
		Temperature: temp,
		RecordedAt:  at,
	}
}

func TestFlushFanOutPerUnit(t *testing.T) {
	emitter := &fakeEmitter{}
	buf := NewBuffer(emitter, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Five readings for U interleaved with three for V, one tenant.
	for i := 0; i < 5; i++ {
		buf.Add("T", reading("U", 350+i, base.Add(time.Duration(i)*100*time.Millisecond)))
		if i < 3 {
			buf.Add("T", reading("V", 340+i, base.Add(time.Duration(i)*110*time.Millisecond)))
		}
	}
	buf.Flush()

	tenantEmits := emitter.byRoom(RoomTenant("T"))
	require.Len(t, tenantEmits, 2) // one batch per unit
	for _, e := range tenantEmits {
		assert.Equal(t, EventReadingsBatch, e.event)
	}

	uEmits := emitter.byRoom(RoomUnit("T", "U"))
	require.Len(t, uEmits, 1)
	uBatch := uEmits[0].payload.(BatchPayload)
	assert.Equal(t, 5, uBatch.Count)

	vEmits := emitter.byRoom(RoomUnit("T", "V"))
	require.Len(t, vEmits, 1)
	assert.Equal(t, 3, vEmits[0].payload.(BatchPayload).Count)
}

func TestFlushTimeOrdersBatch(t *testing.T) {
	emitter := &fakeEmitter{}
	buf := NewBuffer(emitter, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Out of order arrival.
	buf.Add("T", reading("U", 352, base.Add(2*time.Second)))
	buf.Add("T", reading("U", 350, base))
	buf.Add("T", reading("U", 351, base.Add(time.Second)))
	buf.Flush()

	emits := emitter.byRoom(RoomUnit("T", "U"))
	require.Len(t, emits, 1)
	batch := emits[0].payload.(BatchPayload)
	require.Equal(t, 3, batch.Count)
	assert.Equal(t, 350, batch.Readings[0].Temperature)
	assert.Equal(t, 351, batch.Readings[1].Temperature)
	assert.Equal(t, 352, batch.Readings[2].Temperature)
}

func TestFlushClearsPendingKeepsLatest(t *testing.T) {
	emitter := &fakeEmitter{}
	buf := NewBuffer(emitter, time.Second)
	now := time.Now()

	buf.Add("T", reading("U", 350, now))
	buf.Flush()
	buf.Flush() // nothing new

	assert.Len(t, emitter.byRoom(RoomUnit("T", "U")), 1)

	latest, ok := buf.Latest("U")
	require.True(t, ok)
	assert.Equal(t, 350, latest.Temperature)
}

func TestBufferCapTrimsOldest(t *testing.T) {
	emitter := &fakeEmitter{}
	buf := NewBuffer(emitter, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < perKeyCap+10; i++ {
		buf.Add("T", reading("U", i, base.Add(time.Duration(i)*time.Millisecond)))
	}
	buf.Flush()

	emits := emitter.byRoom(RoomUnit("T", "U"))
	require.Len(t, emits, 1)
	batch := emits[0].payload.(BatchPayload)
	assert.Equal(t, perKeyCap, batch.Count)
	// The oldest ten were trimmed.
	assert.Equal(t, 10, batch.Readings[0].Temperature)
}

func TestLatestIgnoresStaleReading(t *testing.T) {
	buf := NewBuffer(&fakeEmitter{}, time.Second)
	now := time.Now()

	buf.Add("T", reading("U", 360, now))
	buf.Add("T", reading("U", 340, now.Add(-time.Minute)))

	latest, ok := buf.Latest("U")
	require.True(t, ok)
	assert.Equal(t, 360, latest.Temperature)
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "tenant:T", RoomTenant("T"))
	assert.Equal(t, "tenant:T:site:S", RoomSite("T", "S"))
	assert.Equal(t, "tenant:T:unit:U", RoomUnit("T", "U"))
}
