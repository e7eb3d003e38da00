// Package state holds the cached pool and account state and keeps it in sync with the chain.
package state

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"miniamm/internal/model"
)

// Entry is one consistent read of the cache.
type Entry struct {
	Snapshot model.PoolSnapshot
	Position model.AccountPosition
	Baseline model.Baseline
	View     View
	// Stale is set when the last refresh failed; values are the last good ones.
	Stale     bool
	LastError string
	Version   uint64
}

func (e Entry) clone() Entry {
	e.Snapshot = e.Snapshot.Clone()
	e.Position = e.Position.Clone()
	return e
}

// Cache is the shared pool state. Reads return copies; writes replace the whole entry.
// Only the Synchronizer writes it.
type Cache struct {
	mu    sync.RWMutex
	entry Entry
	subs  map[int]chan Entry
	next  int
}

// NewCache starts empty and stale.
func NewCache(account common.Address) *Cache {
	snap := model.EmptySnapshot()
	pos := model.EmptyPosition(account)
	return &Cache{
		entry: Entry{
			Snapshot: snap,
			Position: pos,
			View:     ComputeView(snap, pos, model.Baseline{}),
			Stale:    true,
		},
		subs: make(map[int]chan Entry),
	}
}

func (c *Cache) Entry() Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry.clone()
}

// PoolSnapshot returns a copy of the cached snapshot.
func (c *Cache) PoolSnapshot() model.PoolSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry.Snapshot.Clone()
}

// Position returns a copy of the cached account position.
func (c *Cache) Position() model.AccountPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry.Position.Clone()
}

// Subscribe delivers every new entry. Slow subscribers miss intermediate entries
// rather than blocking writers. Call cancel to unsubscribe.
func (c *Cache) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// replace installs a fresh snapshot and position and reports whether it was applied.
// Snapshots older than the cached block are dropped.
func (c *Cache) replace(snap model.PoolSnapshot, pos model.AccountPosition, baseline model.Baseline) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry.Snapshot.Fetched() && snap.BlockNumber < c.entry.Snapshot.BlockNumber {
		return c.entry.clone(), false
	}
	c.entry = Entry{
		Snapshot: snap,
		Position: pos,
		Baseline: baseline,
		View:     ComputeView(snap, pos, baseline),
		Version:  c.entry.Version + 1,
	}
	c.publishLocked()
	return c.entry.clone(), true
}

// setBaseline recomputes the view under a new baseline.
func (c *Cache) setBaseline(baseline model.Baseline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.entry
	next.Baseline = baseline
	next.View = ComputeView(next.Snapshot, next.Position, baseline)
	next.Version++
	c.entry = next
	c.publishLocked()
}

func (c *Cache) markStale(err error, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.entry
	next.Stale = true
	next.LastError = at.UTC().Format(time.RFC3339) + " " + err.Error()
	next.Version++
	c.entry = next
	c.publishLocked()
}

func (c *Cache) publishLocked() {
	for _, ch := range c.subs {
		select {
		case ch <- c.entry.clone():
		default:
		}
	}
}
