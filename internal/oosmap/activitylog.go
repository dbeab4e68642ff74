package oosmap

import (
	"container/list"
	"sync"
)

// ActivityLog bounds the window of blocks that could be silently
// out-of-sync after a crash mid-write: a block stays "active" (pinned,
// not evicted) for as long as a write to it is outstanding. The AL is
// held in memory only: it is not persisted and nothing replays it on
// restart. BeginIO never blocks; when every tracked extent is pinned it
// tracks the new one beyond capacity. al_begin_io / al_complete_io in
// spec.md's vocabulary.
type ActivityLog struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used extent
	elems    map[uint64]*list.Element
	refs     map[uint64]int
}

// NewActivityLog creates a log that pins at most capacity distinct
// extents at once.
func NewActivityLog(capacity int) *ActivityLog {
	return &ActivityLog{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[uint64]*list.Element),
		refs:     make(map[uint64]int),
	}
}

// BeginIO pins extentNr as active for the duration of one write,
// moving it to the front of the LRU order. If activating this extent
// requires evicting a different one (capacity exceeded and no other
// writes are pinning the victim), BeginIO returns the evicted extent
// number and ok=true so the caller can flush its bitmap state before
// reusing the slot.
func (a *ActivityLog) BeginIO(extentNr uint64) (evicted uint64, evictedOK bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.elems[extentNr]; ok {
		a.order.MoveToFront(e)
		a.refs[extentNr]++
		return 0, false
	}

	if a.capacity > 0 && len(a.elems) >= a.capacity {
		for back := a.order.Back(); back != nil; back = back.Prev() {
			victim := back.Value.(uint64)
			if a.refs[victim] == 0 {
				a.order.Remove(back)
				delete(a.elems, victim)
				evicted, evictedOK = victim, true
				break
			}
		}
	}

	e := a.order.PushFront(extentNr)
	a.elems[extentNr] = e
	a.refs[extentNr] = 1
	return evicted, evictedOK
}

// CompleteIO releases one pin on extentNr taken by BeginIO. The extent
// stays in the LRU (eligible for eviction later) until a future
// BeginIO needs the slot.
func (a *ActivityLog) CompleteIO(extentNr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs[extentNr] > 0 {
		a.refs[extentNr]--
	}
}

// Active reports whether extentNr currently has an outstanding write
// pinning it.
func (a *ActivityLog) Active(extentNr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[extentNr] > 0
}

// Len reports the number of distinct extents currently tracked.
func (a *ActivityLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.order.Len()
}
