package indexmap

import (
	"os"
	"testing"
	"time"
)

func tempRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "scout-indexmap-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// Scenario 3 (spec.md §8): LRU at capacity + 1 create evicts the least
// recently used entry to Closing; a racing get of the evicted uuid
// reopens a fresh environment.
func TestLRUEviction(t *testing.T) {
	root := tempRoot(t)
	m := New(5)

	var uuids []string
	for i := 0; i < 6; i++ {
		id := NewUUID()
		uuids = append(uuids, id)
		ref, err := m.Create(id, root+"/"+id, 4096)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ref.Release()
	}

	st := m.Get(uuids[0])
	if st.Kind != Closing {
		t.Fatalf("expected idx-0 Closing after eviction, got %s", st.Kind)
	}

	// racing get of evicted uuid: wait for physical close, then reopen.
	if !st.CloseEvent.WaitTimeout(2 * time.Second) {
		t.Fatal("close event never signaled")
	}
	ref, err := m.Reopen(uuids[0], st.Generation)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if ref == nil {
		t.Fatal("reopen returned nil ref for matching generation")
	}
	ref.Release()

	if m.Get(uuids[0]).Kind != Available {
		t.Fatalf("expected idx-0 Available after reopen")
	}

	// idx-1 is now the LRU.
	st1 := m.Get(uuids[1])
	if st1.Kind != Closing {
		t.Fatalf("expected idx-1 to now be the LRU victim, got %s", st1.Kind)
	}
}

// Two concurrent close_for_resize completions on the same uuid: exactly
// one reopen/close callback wins; the loser is a no-op (spec.md §8).
func TestGenerationGatesStaleCallback(t *testing.T) {
	root := tempRoot(t)
	m := New(5)
	id := NewUUID()
	ref, err := m.Create(id, root+"/"+id, 4096)
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()

	m.CloseForResize(id, 4096)
	st := m.Get(id)
	if st.Kind != Closing {
		t.Fatalf("expected Closing after close_for_resize, got %s", st.Kind)
	}
	staleGen := st.Generation

	if !st.CloseEvent.WaitTimeout(2 * time.Second) {
		t.Fatal("close event never signaled")
	}

	// Winner reopens.
	winner, err := m.Reopen(id, staleGen)
	if err != nil {
		t.Fatal(err)
	}
	if winner == nil {
		t.Fatal("expected winner to reopen successfully")
	}
	winner.Release()

	// Loser's callback, using the same (now stale, since state moved on
	// and the next close bumps generation again) generation, must still
	// gate correctly: simulate it by forcing another close and then
	// replaying the old generation.
	m.CloseForResize(id, 0)
	st2 := m.Get(id)
	if st2.Generation == staleGen {
		t.Fatal("generation did not advance on second close")
	}
	loser, err := m.Reopen(id, staleGen)
	if err != nil {
		t.Fatal(err)
	}
	if loser != nil {
		t.Fatal("stale generation reopen must be a no-op")
	}
}

// Scenario 4 (spec.md §8): each resize grows the map size by the
// requested growth (base+growth, then base+2*growth).
func TestResizeGrowsMapSize(t *testing.T) {
	root := tempRoot(t)
	m := New(5)
	id := NewUUID()
	base := int64(8192)
	growth := int64(4096)

	ref, err := m.Create(id, root+"/"+id, base)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Handle().MapSize != base {
		t.Fatalf("expected base size %d, got %d", base, ref.Handle().MapSize)
	}
	ref.Release()

	m.CloseForResize(id, growth)
	st := m.Get(id)
	if !st.CloseEvent.WaitTimeout(2 * time.Second) {
		t.Fatal("close event never signaled")
	}
	ref2, err := m.Reopen(id, st.Generation)
	if err != nil || ref2 == nil {
		t.Fatalf("reopen after resize failed: %v", err)
	}
	if ref2.Handle().MapSize != base+growth {
		t.Fatalf("expected %d after first resize, got %d", base+growth, ref2.Handle().MapSize)
	}
	ref2.Release()

	m.CloseForResize(id, growth)
	st2 := m.Get(id)
	if !st2.CloseEvent.WaitTimeout(2 * time.Second) {
		t.Fatal("close event never signaled")
	}
	ref3, err := m.Reopen(id, st2.Generation)
	if err != nil || ref3 == nil {
		t.Fatalf("reopen after second resize failed: %v", err)
	}
	if ref3.Handle().MapSize != base+2*growth {
		t.Fatalf("expected %d after second resize, got %d", base+2*growth, ref3.Handle().MapSize)
	}
	ref3.Release()
}

func TestDeletionProtocol(t *testing.T) {
	root := tempRoot(t)
	m := New(5)
	id := NewUUID()
	ref, err := m.Create(id, root+"/"+id, 4096)
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()

	event, already := m.StartDeletion(id)
	if already {
		t.Fatal("should not already be in progress")
	}
	if event == nil {
		t.Fatal("expected a close event to await")
	}
	if m.Get(id).Kind != BeingDeleted {
		t.Fatalf("expected BeingDeleted, got %s", m.Get(id).Kind)
	}
	if !event.WaitTimeout(2 * time.Second) {
		t.Fatal("close event never signaled")
	}
	m.EndDeletion(id)
	if m.Get(id).Kind != Missing {
		t.Fatalf("expected Missing after end_deletion, got %s", m.Get(id).Kind)
	}

	// Deleting a Missing index returns nothing to await.
	event2, already2 := m.StartDeletion(id)
	if event2 != nil || already2 {
		t.Fatalf("expected (nil,false) for Missing index deletion")
	}
}

func TestCreatePanicsOnNonMissing(t *testing.T) {
	root := tempRoot(t)
	m := New(5)
	id := NewUUID()
	ref, err := m.Create(id, root+"/"+id, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic creating an already-available index")
		}
	}()
	m.Create(id, root+"/"+id, 4096)
}
