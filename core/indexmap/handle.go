package indexmap

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/scoutdb/scout/core/logging"
)

// Handle is one open, memory-mapped index environment (spec.md §3
// "Available(handle)"). It is exclusively owned by the Index Map;
// callers hold a refcounted Ref whose lifetime is independent of the
// map's own bookkeeping (spec.md §3 "Ownership").
type Handle struct {
	UUID    string
	Path    string
	MapSize int64

	mu  sync.Mutex
	mm  mmap.MMap
	fh  *os.File

	refcount   int32
	closeOnce  sync.Once
	closeEvent *CloseEvent
}

// CloseEvent is signaled once a Handle's physical mmap/file close has
// completed, mirroring heed's EnvClosingEvent (see
// original_source/crates/index-scheduler/src/index_mapper/index_map.rs).
type CloseEvent struct {
	done chan struct{}
	err  error
}

func newCloseEvent() *CloseEvent {
	return &CloseEvent{done: make(chan struct{})}
}

func (e *CloseEvent) signal(err error) {
	e.err = err
	close(e.done)
}

// WaitTimeout blocks until the close completes or the timeout elapses,
// reporting which. Callers must not hold the Index Map's lock while
// calling this (spec.md §4.A).
func (e *CloseEvent) WaitTimeout(timeout time.Duration) bool {
	select {
	case <-e.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// openHandle creates or opens the mmap'd environment file for uuid at
// path, sized to at least mapSize bytes (clamped up to the OS page
// size). Grounded on original_source's create_or_open_index +
// clamp_to_page_size, adapted to edsrzf/mmap-go instead of heed/LMDB.
func openHandle(uuid, path string, mapSize int64) (*Handle, error) {
	mapSize = clampToPageSize(mapSize)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	dataFile := path + string(os.PathSeparator) + "data.scout"

	fh, err := os.OpenFile(dataFile, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if st, err := fh.Stat(); err == nil && st.Size() < mapSize {
		if err := fh.Truncate(mapSize); err != nil {
			fh.Close()
			return nil, err
		}
	}

	m, err := mmap.Map(fh, mmap.RDWR, 0)
	if err != nil {
		fh.Close()
		return nil, err
	}

	logging.Debugf("indexmap: opened environment uuid=%s path=%s size=%d", uuid, path, mapSize)

	return &Handle{
		UUID:    uuid,
		Path:    path,
		MapSize: mapSize,
		mm:      m,
		fh:      fh,
	}, nil
}

const pageSize = 4096

func clampToPageSize(size int64) int64 {
	if size <= 0 {
		return pageSize
	}
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return size
}

// Ref increments the refcount and returns a token the caller must
// Release exactly once.
func (h *Handle) Ref() *Ref {
	atomic.AddInt32(&h.refcount, 1)
	return &Ref{h: h}
}

// Ref is a borrowed, refcounted handle to an open index environment
// (spec.md §3 Ownership: "Search Coordinator receives a shared,
// refcounted borrow whose lifetime is independent of the map").
type Ref struct {
	h        *Handle
	released int32
}

func (r *Ref) Handle() *Handle { return r.h }

func (r *Ref) Release() {
	if !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		return
	}
	if atomic.AddInt32(&r.h.refcount, -1) == 0 {
		r.h.maybeClosePhysically()
	}
}

// prepareForClosing marks the handle as pending physical close and
// returns the event callers should wait on after dropping the Index
// Map's lock (spec.md §4.A). Physical close happens only once the
// refcount drops to zero.
func (h *Handle) prepareForClosing() *CloseEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeEvent == nil {
		h.closeEvent = newCloseEvent()
		if atomic.LoadInt32(&h.refcount) == 0 {
			go h.maybeClosePhysically()
		}
	}
	return h.closeEvent
}

func (h *Handle) maybeClosePhysically() {
	h.mu.Lock()
	event := h.closeEvent
	h.mu.Unlock()
	if event == nil {
		return
	}
	if atomic.LoadInt32(&h.refcount) > 0 {
		return
	}
	h.closeOnce.Do(func() {
		var err error
		if h.mm != nil {
			err = h.mm.Unmap()
		}
		if h.fh != nil {
			if cerr := h.fh.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			logging.Errorf("indexmap: error closing environment uuid=%s: %v", h.UUID, err)
		}
		event.signal(err)
	})
}
