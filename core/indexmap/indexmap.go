// Package indexmap implements the Index Map (spec.md §4.A): a bounded,
// LRU-managed cache of open memory-mapped index environments that
// coordinates resizing, eviction and deletion under concurrent readers.
//
// Grounded on original_source/crates/index-scheduler/src/index_mapper/index_map.rs,
// re-expressed in the teacher's idiom (explicit mutex, waiter-list style
// borrowed from indexer/storage_manager.go's snapshotWaiter pattern).
package indexmap

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/scoutdb/scout/core/logging"
)

// StatusKind is the Index Status state-machine's discriminant (spec.md §3).
type StatusKind int

const (
	Missing StatusKind = iota
	Available
	Closing
	BeingDeleted
)

func (s StatusKind) String() string {
	switch s {
	case Missing:
		return "Missing"
	case Available:
		return "Available"
	case Closing:
		return "Closing"
	case BeingDeleted:
		return "BeingDeleted"
	default:
		return "Unknown"
	}
}

// Status is the result of Get: the current state plus whatever payload
// that state carries.
type Status struct {
	Kind       StatusKind
	Ref        *Ref        // set iff Kind == Available
	Generation uint64      // set iff Kind == Closing
	CloseEvent *CloseEvent // set iff Kind == Closing
}

type closingEntry struct {
	newMapSize int64
	generation uint64
	event      *CloseEvent
}

// unavailableEntry is nil for BeingDeleted, non-nil for Closing — the
// same Option<ClosingIndex> split as the original Rust implementation.
type unavailableEntry struct {
	closing *closingEntry
}

// IndexMap owns uuid -> IndexStatus (spec.md §4.A). All state changes
// happen under mu; mu must never be held across a CloseEvent wait
// (spec.md §4.A, §5).
type IndexMap struct {
	mu sync.Mutex

	capacity int
	lru      *list.List               // list.Element.Value == *lruEntry, front = most-recently-used
	byUUID   map[string]*list.Element // available entries only

	unavailable map[string]*unavailableEntry

	generation uint64

	// pathFor maps uuid -> filesystem path, recorded by Create and read
	// by Reopen to reopen a closed entry at the same path (no
	// back-pointer to the Task Queue, per spec.md §9 "Cyclic ownership").
	pathFor map[string]string
}

type lruEntry struct {
	uuid   string
	handle *Handle
}

// New constructs an Index Map with the given LRU capacity (spec.md §4.A;
// capacity is config key "indexMap.lruCapacity", see core/common.DefaultConfig).
func New(capacity int) *IndexMap {
	if capacity < 1 {
		capacity = 1
	}
	return &IndexMap{
		capacity:    capacity,
		lru:         list.New(),
		byUUID:      make(map[string]*list.Element),
		unavailable: make(map[string]*unavailableEntry),
		pathFor:     make(map[string]string),
	}
}

// Get returns the current status of uuid. Never blocks (spec.md §4.A).
func (m *IndexMap) Get(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *IndexMap) getLocked(id string) Status {
	if el, ok := m.byUUID[id]; ok {
		h := el.Value.(*lruEntry).handle
		return Status{Kind: Available, Ref: h.Ref()}
	}
	return m.getUnavailableLocked(id)
}

func (m *IndexMap) getUnavailableLocked(id string) Status {
	entry, ok := m.unavailable[id]
	if !ok {
		return Status{Kind: Missing}
	}
	if entry.closing == nil {
		return Status{Kind: BeingDeleted}
	}
	return Status{Kind: Closing, Generation: entry.closing.generation, CloseEvent: entry.closing.event}
}

func (m *IndexMap) nextGeneration() uint64 {
	m.generation++
	return m.generation
}

// Create opens (or creates) the environment for uuid at path, sized to
// at least mapSize bytes, and inserts it into the LRU as the
// most-recently-used entry. Never fails due to eviction: if the LRU is
// at capacity, the least-recently-used entry is transparently moved to
// Closing (spec.md §4.A "LRU insertion").
//
// Panics if uuid is not currently Missing — a programmer error per the
// state table (spec.md §3), exactly as the original's `create`.
func (m *IndexMap) Create(id, path string, mapSize int64) (*Ref, error) {
	m.mu.Lock()
	if st := m.getUnavailableLocked(id); st.Kind != Missing {
		m.mu.Unlock()
		panic(fmt.Sprintf("indexmap: attempt to create index %s that is %s", id, st.Kind))
	}
	if _, ok := m.byUUID[id]; ok {
		m.mu.Unlock()
		panic(fmt.Sprintf("indexmap: attempt to create index %s that is already open", id))
	}
	m.pathFor[id] = path
	m.mu.Unlock()

	handle, err := openHandle(id, path, mapSize)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	ref := m.insertLocked(id, handle)
	m.mu.Unlock()
	return ref, nil
}

// insertLocked inserts handle as MRU, evicting the LRU entry (if the map
// is at capacity) by moving it to Closing with growth=0. Must be called
// with mu held.
func (m *IndexMap) insertLocked(id string, handle *Handle) *Ref {
	el := m.lru.PushFront(&lruEntry{uuid: id, handle: handle})
	m.byUUID[id] = el

	for m.lru.Len() > m.capacity {
		back := m.lru.Back()
		evicted := back.Value.(*lruEntry)
		if evicted.uuid == id {
			break // never evict the entry we just inserted
		}
		m.lru.Remove(back)
		delete(m.byUUID, evicted.uuid)
		m.closeLocked(evicted.uuid, evicted.handle, 0)
		logging.Infof("indexmap: evicted %s to Closing to respect LRU capacity %d", evicted.uuid, m.capacity)
	}

	return handle.Ref()
}

// CloseForResize removes uuid from the LRU (if present) and transitions
// it to Closing with the requested growth (spec.md §4.A "Resize
// protocol"). A no-op if uuid is not currently Available.
func (m *IndexMap) CloseForResize(id string, growth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.byUUID[id]
	if !ok {
		return
	}
	m.lru.Remove(el)
	delete(m.byUUID, id)
	m.closeLocked(id, el.Value.(*lruEntry).handle, growth)
}

// closeLocked must be called with mu held.
func (m *IndexMap) closeLocked(id string, handle *Handle, growth int64) {
	event := handle.prepareForClosing()
	gen := m.nextGeneration()
	m.unavailable[id] = &unavailableEntry{closing: &closingEntry{
		newMapSize: handle.MapSize + growth,
		generation: gen,
		event:      event,
	}}
}

// Reopen attempts to reinstate uuid as Available using the map size
// recorded when it was closed, generation-gated against races (spec.md
// §4.A "Resize protocol"). A no-op if the current Closing entry's
// generation has moved on (someone else already won the race).
func (m *IndexMap) Reopen(id string, generation uint64) (*Ref, error) {
	m.mu.Lock()
	entry, ok := m.unavailable[id]
	if !ok || entry.closing == nil || entry.closing.generation != generation {
		m.mu.Unlock()
		return nil, nil
	}
	newSize := entry.closing.newMapSize
	path := m.pathFor[id]
	delete(m.unavailable, id)
	m.mu.Unlock()

	handle, err := openHandle(id, path, newSize)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	ref := m.insertLocked(id, handle)
	m.mu.Unlock()
	return ref, nil
}

// Close attempts to leave uuid as Missing after its physical close
// completed, generation-gated the same way as Reopen.
func (m *IndexMap) Close(id string, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.unavailable[id]
	if !ok || entry.closing == nil || entry.closing.generation != generation {
		return
	}
	delete(m.unavailable, id)
	delete(m.pathFor, id)
}

// StartDeletion begins deleting uuid (spec.md §4.A "Deletion"). Returns
// the CloseEvent the caller must await before the physical directory can
// be removed, or nil if there is nothing to wait for (uuid was Missing
// or already being deleted).
func (m *IndexMap) StartDeletion(id string) (event *CloseEvent, alreadyInProgress bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.byUUID[id]; ok {
		h := el.Value.(*lruEntry).handle
		m.lru.Remove(el)
		delete(m.byUUID, id)
		ev := h.prepareForClosing()
		m.unavailable[id] = &unavailableEntry{closing: nil}
		return ev, false
	}

	entry, ok := m.unavailable[id]
	if !ok {
		return nil, false // Missing: nothing was ever open, proceed directly
	}
	if entry.closing == nil {
		return nil, true // already BeingDeleted
	}
	// Was Closing: reuse its close event, fold straight into BeingDeleted
	// rather than waiting for a reopen that deletion will discard anyway.
	ev := entry.closing.event
	m.unavailable[id] = &unavailableEntry{closing: nil}
	return ev, false
}

// EndDeletion marks uuid's deletion as finished, reverting it to
// Missing. Panics if uuid is Available or Closing (programmer error, per
// spec.md §3's transition table); on a uuid that is already Missing it
// does nothing.
func (m *IndexMap) EndDeletion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUUID[id]; ok {
		panic(fmt.Sprintf("indexmap: attempt to finish deletion of %s which is Available", id))
	}
	entry, ok := m.unavailable[id]
	if ok && entry.closing != nil {
		panic(fmt.Sprintf("indexmap: attempt to finish deletion of %s which is Closing", id))
	}
	delete(m.unavailable, id)
	delete(m.pathFor, id)
}

// NewUUID assigns a fresh Index Descriptor uuid (spec.md §3).
func NewUUID() string {
	return uuid.NewString()
}

// Len reports how many environments are currently Available, for tests
// and observability.
func (m *IndexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
