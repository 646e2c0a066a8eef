package taskqueue

import (
	"encoding/json"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.etcd.io/bbolt"

	"github.com/scoutdb/scout/core/task"
)

// Enqueue assigns a fresh task.ID, stamps enqueued_at, writes the task
// record and updates every secondary index that applies at enqueue time
// (status, kind, index_tasks, enqueued_at) — spec.md §4.D.
func (s *Store) Enqueue(t *task.Task) (task.ID, error) {
	var id task.ID
	err := s.db.Update(func(tx *bbolt.Tx) error {
		next, err := s.nextID(tx, keyNextTaskID)
		if err != nil {
			return err
		}
		id = task.ID(next)
		t.ID = id
		t.Status = task.Enqueued
		if t.EnqueuedAt.IsZero() {
			t.EnqueuedAt = time.Now()
		}
		if err := s.putTaskTx(tx, t); err != nil {
			return err
		}
		if err := s.addToIndexTx(tx, bucketByStatus, statusKey(task.Enqueued), uint32(id)); err != nil {
			return err
		}
		if err := s.addToIndexTx(tx, bucketByKind, kindKey(t.Kind), uint32(id)); err != nil {
			return err
		}
		if t.Payload.IndexUid != "" {
			if err := s.addToIndexTx(tx, bucketByIndex, []byte(t.Payload.IndexUid), uint32(id)); err != nil {
				return err
			}
		}
		if err := s.addToIndexTx(tx, bucketByEnqueued, i64key(t.EnqueuedAt.UnixNano()), uint32(id)); err != nil {
			return err
		}
		return nil
	})
	return id, err
}

func (s *Store) putTaskTx(tx *bbolt.Tx, t *task.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put(u32key(uint32(t.ID)), raw)
}

func (s *Store) getTaskTx(tx *bbolt.Tx, id task.ID) (*task.Task, error) {
	raw := tx.Bucket(bucketTasks).Get(u32key(uint32(id)))
	if raw == nil {
		return nil, nil
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask looks up a single task by id.
func (s *Store) GetTask(id task.ID) (*task.Task, error) {
	var t *task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := s.getTaskTx(tx, id)
		if err != nil {
			return err
		}
		t = found
		return nil
	})
	if err == nil && t == nil {
		return nil, fmtTaskNotFound(id)
	}
	return t, err
}

func statusKey(st task.Status) []byte  { return []byte{byte(st)} }
func kindKey(k task.Kind) []byte       { return []byte{byte(k)} }

// addToIndexTx ORs taskID into the roaring bitmap stored at key within
// bucket (every secondary index in spec.md §4.D is a roaring bitmap).
func (s *Store) addToIndexTx(tx *bbolt.Tx, bucket []byte, key []byte, taskID uint32) error {
	b := tx.Bucket(bucket)
	bm, err := loadBitmap(b, key)
	if err != nil {
		return err
	}
	bm.Add(taskID)
	return storeBitmap(b, key, bm)
}

func (s *Store) removeFromIndexTx(tx *bbolt.Tx, bucket []byte, key []byte, taskID uint32) error {
	b := tx.Bucket(bucket)
	bm, err := loadBitmap(b, key)
	if err != nil {
		return err
	}
	bm.Remove(taskID)
	if bm.IsEmpty() {
		return b.Delete(key)
	}
	return storeBitmap(b, key, bm)
}

func loadBitmap(b *bbolt.Bucket, key []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if raw := b.Get(key); raw != nil {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

func storeBitmap(b *bbolt.Bucket, key []byte, bm *roaring.Bitmap) error {
	raw, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func (s *Store) bitmapTx(tx *bbolt.Tx, bucket []byte, key []byte) (*roaring.Bitmap, error) {
	return loadBitmap(tx.Bucket(bucket), key)
}

// moveStatusIndexTx relocates taskID from one status bitmap to another.
func (s *Store) moveStatusIndexTx(tx *bbolt.Tx, id task.ID, from, to task.Status) error {
	if from == to {
		return nil
	}
	if err := s.removeFromIndexTx(tx, bucketByStatus, statusKey(from), uint32(id)); err != nil {
		return err
	}
	return s.addToIndexTx(tx, bucketByStatus, statusKey(to), uint32(id))
}

// MarkTaskCanceled flips a task from Enqueued directly to Canceled
// (spec.md §4.E "TaskCancel synchronous path"): only legal while the
// task has not yet started processing.
func (s *Store) MarkTaskCanceled(id task.ID, by task.ID, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		t, err := s.getTaskTx(tx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmtTaskNotFound(id)
		}
		if t.Status != task.Enqueued {
			return nil // already past the synchronous-cancel window
		}
		old := t.Status
		t.Status = task.Canceled
		t.CanceledBy = &by
		t.FinishedAt = &now
		if err := s.putTaskTx(tx, t); err != nil {
			return err
		}
		if err := s.moveStatusIndexTx(tx, id, old, task.Canceled); err != nil {
			return err
		}
		return s.addToIndexTx(tx, bucketCanceledBy, u32key(uint32(by)), uint32(id))
	})
}

// EnqueuedOldestFirst returns every Enqueued task in ascending id order
// (task ids are assigned monotonically at enqueue time, so ascending id
// order is enqueue order — spec.md §4.B's ordering guarantee).
func (s *Store) EnqueuedOldestFirst() ([]*task.Task, error) {
	var out []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		bm, err := s.bitmapTx(tx, bucketByStatus, statusKey(task.Enqueued))
		if err != nil {
			return err
		}
		it := bm.Iterator()
		for it.HasNext() {
			t, err := s.getTaskTx(tx, task.ID(it.Next()))
			if err != nil {
				return err
			}
			if t != nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// AllTasksOldestFirst returns every task regardless of status, in id
// order — the enumeration DumpCreate streams to its task log (spec.md
// §4.C). bbolt's cursor walks bucketTasks in big-endian key order, which
// u32key makes identical to ascending task id, so no sort is needed.
func (s *Store) AllTasksOldestFirst() ([]*task.Task, error) {
	var out []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

// ListByFilter implements the Task Queue's filtered read path (spec.md
// §6): intersects whichever secondary-index bitmaps the filter's clauses
// touch, then applies the remaining (non-bitmap) clauses in-memory.
func (s *Store) ListByFilter(f *task.Filter) ([]*task.Task, error) {
	var out []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		var candidates *roaring.Bitmap
		intersect := func(bm *roaring.Bitmap) {
			if candidates == nil {
				candidates = bm
			} else {
				candidates = roaring.And(candidates, bm)
			}
		}

		if len(f.Statuses) > 0 {
			union := roaring.New()
			for _, st := range f.Statuses {
				bm, err := s.bitmapTx(tx, bucketByStatus, statusKey(st))
				if err == nil {
					union.Or(bm)
				}
			}
			intersect(union)
		}
		if len(f.Kinds) > 0 {
			union := roaring.New()
			for _, k := range f.Kinds {
				bm, err := s.bitmapTx(tx, bucketByKind, kindKey(k))
				if err == nil {
					union.Or(bm)
				}
			}
			intersect(union)
		}
		if len(f.IndexUIDs) > 0 {
			union := roaring.New()
			for _, uid := range f.IndexUIDs {
				bm, err := s.bitmapTx(tx, bucketByIndex, []byte(uid))
				if err == nil {
					union.Or(bm)
				}
			}
			intersect(union)
		}
		if len(f.CanceledBy) > 0 {
			union := roaring.New()
			for _, id := range f.CanceledBy {
				bm, err := s.bitmapTx(tx, bucketCanceledBy, u32key(uint32(id)))
				if err == nil {
					union.Or(bm)
				}
			}
			intersect(union)
		}

		scan := func(visit func(t *task.Task) error) error {
			if candidates != nil {
				it := candidates.Iterator()
				for it.HasNext() {
					t, err := s.getTaskTx(tx, task.ID(it.Next()))
					if err != nil {
						return err
					}
					if t != nil {
						if err := visit(t); err != nil {
							return err
						}
					}
				}
				return nil
			}
			return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
				var t task.Task
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				return visit(&t)
			})
		}

		return scan(func(t *task.Task) error {
			if f.Match(t) {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// DeleteTasks removes the given tasks from the primary log and from the
// status, kind, index_tasks and canceled_by indexes (spec.md §4.C
// TaskDelete), returning the count actually deleted. The date indexes
// and batch records are not updated.
func (s *Store) DeleteTasks(ids []task.ID) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			t, err := s.getTaskTx(tx, id)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			if err := s.removeFromIndexTx(tx, bucketByStatus, statusKey(t.Status), uint32(id)); err != nil {
				return err
			}
			if err := s.removeFromIndexTx(tx, bucketByKind, kindKey(t.Kind), uint32(id)); err != nil {
				return err
			}
			if t.Payload.IndexUid != "" {
				if err := s.removeFromIndexTx(tx, bucketByIndex, []byte(t.Payload.IndexUid), uint32(id)); err != nil {
					return err
				}
			}
			if t.CanceledBy != nil {
				if err := s.removeFromIndexTx(tx, bucketCanceledBy, u32key(uint32(*t.CanceledBy)), uint32(id)); err != nil {
					return err
				}
			}
			if err := tx.Bucket(bucketTasks).Delete(u32key(uint32(id))); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
