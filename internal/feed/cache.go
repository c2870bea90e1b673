// Package feed keeps the live tick cache synchronized with the market data feed.
package feed

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

// Entry is a cached record together with the time it was last written.
type Entry struct {
	Record    models.TickRecord
	UpdatedAt time.Time
	// Seeded marks fields whose value came from a snapshot and has not been
	// overwritten by the live feed since.
	Seeded models.Field
}

// live returns the fields the feed itself has written.
func (e Entry) live() models.Field {
	return e.Record.Set &^ e.Seeded
}

// Reader is the read side of the tick cache handed to projectors and validators.
type Reader interface {
	Get(key string) (Entry, bool)
}

// TickCache holds the latest record per instrument.
//
// Each key owns an atomic pointer to an immutable Entry. Readers load the
// pointer and never wait on a merge; the map lock is only taken exclusively
// when a key is seen for the first time.
type TickCache struct {
	mu      sync.RWMutex
	entries map[string]*atomic.Pointer[Entry]
	now     func() time.Time
}

// NewTickCache creates an empty cache.
func NewTickCache() *TickCache {
	return &TickCache{
		entries: make(map[string]*atomic.Pointer[Entry]),
		now:     time.Now,
	}
}

// Get returns the entry for key.
func (c *TickCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	slot, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e := slot.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Apply merges a live update onto the cached record.
func (c *TickCache) Apply(update models.TickRecord) models.TickRecord {
	return c.update(update.InstrumentKey, func(cur Entry) (models.TickRecord, models.Field) {
		return cur.Record.Merge(update), cur.Seeded &^ update.Set
	}, true)
}

// Seed writes snapshot fields the live feed has not written. A later
// snapshot replaces the values an earlier one seeded.
func (c *TickCache) Seed(snapshot models.TickRecord) models.TickRecord {
	return c.update(snapshot.InstrumentKey, func(cur Entry) (models.TickRecord, models.Field) {
		live := cur.live()
		return cur.Record.Refresh(snapshot, live), cur.Seeded | snapshot.Set&^live
	}, false)
}

func (c *TickCache) update(key string, fn func(Entry) (models.TickRecord, models.Field), touch bool) models.TickRecord {
	slot := c.slot(key)
	for {
		old := slot.Load()
		var cur Entry
		if old != nil {
			cur = *old
		}
		next, seeded := fn(cur)
		next.InstrumentKey = key
		updatedAt := cur.UpdatedAt
		if touch || old == nil {
			updatedAt = c.now()
		}
		if slot.CompareAndSwap(old, &Entry{Record: next, UpdatedAt: updatedAt, Seeded: seeded}) {
			return next
		}
	}
}

func (c *TickCache) slot(key string) *atomic.Pointer[Entry] {
	c.mu.RLock()
	slot, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return slot
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok = c.entries[key]; ok {
		return slot
	}
	slot = new(atomic.Pointer[Entry])
	c.entries[key] = slot
	return slot
}

// Age returns how long ago key was written. A missing key reports a
// StaleDataError with Missing set.
func (c *TickCache) Age(key string) (time.Duration, error) {
	e, ok := c.Get(key)
	if !ok {
		return 0, &apperrors.StaleDataError{InstrumentKey: key, Missing: true}
	}
	return c.now().Sub(e.UpdatedAt), nil
}

// CheckFresh returns a StaleDataError when key is missing or older than maxAge.
func (c *TickCache) CheckFresh(key string, maxAge time.Duration) error {
	age, err := c.Age(key)
	if err != nil {
		return err
	}
	if maxAge > 0 && age > maxAge {
		return &apperrors.StaleDataError{InstrumentKey: key, Age: age}
	}
	return nil
}

// Keys returns the cached instrument keys in sorted order.
func (c *TickCache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k, slot := range c.entries {
		if slot.Load() != nil {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached instruments.
func (c *TickCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LTP returns the last traded price for key and whether it is known.
func (c *TickCache) LTP(key string) (float64, bool) {
	e, ok := c.Get(key)
	if !ok || !e.Record.Has(models.FieldLTP) || e.Record.LTP <= 0 {
		return 0, false
	}
	return e.Record.LTP, true
}
