package cache

import (
	"sync"
	"time"

	"payment-otp-service/internal/model"
)

// CodeCache is the process-local store of active code records. It keeps
// two maps: the records themselves, and a residue of security counters
// that outlives record eviction. The residue is what lets a lookup that
// fell through to the durable mirror re-apply failures the mirror never
// saw, instead of handing an attacker a fresh attempt budget.
type CodeCache struct {
	mu         sync.Mutex
	records    map[string]*model.CodeRecord
	counters   map[string]counterEntry
	residueTTL time.Duration
}

type counterEntry struct {
	counters  model.SecurityCounters
	expiresAt time.Time
}

func New(residueTTL time.Duration) *CodeCache {
	return &CodeCache{
		records:    make(map[string]*model.CodeRecord),
		counters:   make(map[string]counterEntry),
		residueTTL: residueTTL,
	}
}

// Get returns a copy of the cached record, if present and not expired.
func (c *CodeCache) Get(transactionID string, now time.Time) (*model.CodeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[transactionID]
	if !ok || rec.Expired(now) {
		return nil, false
	}
	return rec.Clone(), true
}

// Put stores a record and aligns the counter residue with it. Issuing a
// fresh code therefore resets the residue along with the record.
func (c *CodeCache) Put(record *model.CodeRecord, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(record, now)
}

// Update applies fn to the current record under the cache lock, storing
// the result. This is the serialization point for counter mutations:
// two concurrent attempts against the same transaction cannot both
// observe the same attempt count. fn receives a private copy and returns
// the record to store. Returns false when no record exists.
func (c *CodeCache) Update(transactionID string, now time.Time, fn func(*model.CodeRecord) *model.CodeRecord) (*model.CodeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[transactionID]
	if !ok {
		return nil, false
	}

	updated := fn(rec.Clone())
	if updated == nil {
		return nil, false
	}
	c.store(updated, now)
	return updated.Clone(), true
}

// Delete evicts the record but keeps its counters as residue, so a
// subsequent rehydration from the mirror still sees the failure state.
func (c *CodeCache) Delete(transactionID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[transactionID]; ok {
		c.counters[transactionID] = counterEntry{
			counters:  rec.SecurityCounters,
			expiresAt: now.Add(c.residueTTL),
		}
		delete(c.records, transactionID)
	}
}

// Forget removes the record and its counter residue. Used when the code
// was verified or the payment cancelled and the counters are moot.
func (c *CodeCache) Forget(transactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.records, transactionID)
	delete(c.counters, transactionID)
}

// Residue returns any counter state still held for a transaction whose
// record is no longer cached.
func (c *CodeCache) Residue(transactionID string, now time.Time) (model.SecurityCounters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[transactionID]; ok {
		return rec.SecurityCounters, true
	}
	entry, ok := c.counters[transactionID]
	if !ok || now.After(entry.expiresAt) {
		return model.SecurityCounters{}, false
	}
	return entry.counters, true
}

// SweepExpired evicts expired records (moving their counters to residue)
// and drops stale residue entries. Cheap enough to run opportunistically
// on the verification hot path.
func (c *CodeCache) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	swept := 0
	for id, rec := range c.records {
		if rec.Expired(now) {
			c.counters[id] = counterEntry{
				counters:  rec.SecurityCounters,
				expiresAt: now.Add(c.residueTTL),
			}
			delete(c.records, id)
			swept++
		}
	}
	for id, entry := range c.counters {
		if now.After(entry.expiresAt) {
			delete(c.counters, id)
		}
	}
	return swept
}

// Len returns the number of cached records.
func (c *CodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *CodeCache) store(record *model.CodeRecord, now time.Time) {
	rec := record.Clone()
	c.records[rec.TransactionID] = rec
	c.counters[rec.TransactionID] = counterEntry{
		counters:  rec.SecurityCounters,
		expiresAt: now.Add(c.residueTTL),
	}
}
