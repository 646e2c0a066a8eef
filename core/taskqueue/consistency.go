package taskqueue

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/scoutdb/scout/core/task"
)

// ConsistencyCheck rebuilds the status, kind and index_tasks secondary
// indexes from the primary task log, validates each task record, and
// compares them against what is actually stored, returning the
// first mismatch found. Intended for debug-mode boot and test use only
// (spec.md §4.D invariant 3: "every secondary index can be rebuilt from
// the primary log").
func (s *Store) ConsistencyCheck() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		rebuiltStatus := map[task.Status]map[uint32]bool{}
		rebuiltKind := map[task.Kind]map[uint32]bool{}
		rebuiltIndex := map[string]map[uint32]bool{}

		err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			t, err := s.getTaskTx(tx, task.ID(beU32(k)))
			if err != nil || t == nil {
				return err
			}
			if err := t.Validate(); err != nil {
				return fmt.Errorf("taskqueue: consistency check: %w", err)
			}
			if rebuiltStatus[t.Status] == nil {
				rebuiltStatus[t.Status] = map[uint32]bool{}
			}
			rebuiltStatus[t.Status][uint32(t.ID)] = true

			if rebuiltKind[t.Kind] == nil {
				rebuiltKind[t.Kind] = map[uint32]bool{}
			}
			rebuiltKind[t.Kind][uint32(t.ID)] = true

			if t.Payload.IndexUid != "" {
				if rebuiltIndex[t.Payload.IndexUid] == nil {
					rebuiltIndex[t.Payload.IndexUid] = map[uint32]bool{}
				}
				rebuiltIndex[t.Payload.IndexUid][uint32(t.ID)] = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		for st, want := range rebuiltStatus {
			bm, err := s.bitmapTx(tx, bucketByStatus, statusKey(st))
			if err != nil {
				return err
			}
			if err := compareSet(want, bm); err != nil {
				return fmt.Errorf("taskqueue: status index %s: %w", st, err)
			}
		}
		for k, want := range rebuiltKind {
			bm, err := s.bitmapTx(tx, bucketByKind, kindKey(k))
			if err != nil {
				return err
			}
			if err := compareSet(want, bm); err != nil {
				return fmt.Errorf("taskqueue: kind index %s: %w", k, err)
			}
		}
		for uid, want := range rebuiltIndex {
			bm, err := s.bitmapTx(tx, bucketByIndex, []byte(uid))
			if err != nil {
				return err
			}
			if err := compareSet(want, bm); err != nil {
				return fmt.Errorf("taskqueue: index_tasks index %s: %w", uid, err)
			}
		}
		return nil
	})
}

func compareSet(want map[uint32]bool, bm interface{ ToArray() []uint32 }) error {
	got := map[uint32]bool{}
	for _, id := range bm.ToArray() {
		got[id] = true
	}
	if len(got) != len(want) {
		return fmt.Errorf("size mismatch: index has %d, expected %d", len(got), len(want))
	}
	for id := range want {
		if !got[id] {
			return fmt.Errorf("task %d missing from index", id)
		}
	}
	return nil
}

func beU32(k []byte) uint32 {
	var v uint32
	for _, b := range k {
		v = v<<8 | uint32(b)
	}
	return v
}
