package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.etcd.io/bbolt"

	"github.com/scoutdb/scout/core/task"
)

func (s *Store) putBatchTx(tx *bbolt.Tx, b *task.Batch) error {
	type wire struct {
		ID                 task.BatchID
		TaskIDs            []byte
		IndexUids          []string
		EarliestEnqueuedAt time.Time
		OldestEnqueuedAt   time.Time
		StartedAt          *time.Time
		FinishedAt         *time.Time
		Stats              task.BatchStats
		StopReason         task.StopReason
		Progress           task.Progress
	}
	raw, err := b.TaskIDs.MarshalBinary()
	if err != nil {
		return err
	}
	uids := make([]string, 0, len(b.IndexUids))
	for u := range b.IndexUids {
		uids = append(uids, u)
	}
	data, err := json.Marshal(wire{
		ID: b.ID, TaskIDs: raw, IndexUids: uids,
		EarliestEnqueuedAt: b.EarliestEnqueuedAt, OldestEnqueuedAt: b.OldestEnqueuedAt,
		StartedAt: b.StartedAt, FinishedAt: b.FinishedAt,
		Stats: b.Stats, StopReason: b.StopReason, Progress: b.Progress,
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBatches).Put(u32key(uint32(b.ID)), data)
}

func (s *Store) getBatchTx(tx *bbolt.Tx, id task.BatchID) (*task.Batch, error) {
	raw := tx.Bucket(bucketBatches).Get(u32key(uint32(id)))
	if raw == nil {
		return nil, nil
	}
	type wire struct {
		ID                 task.BatchID
		TaskIDs            []byte
		IndexUids          []string
		EarliestEnqueuedAt time.Time
		OldestEnqueuedAt   time.Time
		StartedAt          *time.Time
		FinishedAt         *time.Time
		Stats              task.BatchStats
		StopReason         task.StopReason
		Progress           task.Progress
	}
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(w.TaskIDs); err != nil {
		return nil, err
	}
	uids := make(map[string]struct{}, len(w.IndexUids))
	for _, u := range w.IndexUids {
		uids[u] = struct{}{}
	}
	return &task.Batch{
		ID: w.ID, TaskIDs: bm, IndexUids: uids,
		EarliestEnqueuedAt: w.EarliestEnqueuedAt, OldestEnqueuedAt: w.OldestEnqueuedAt,
		StartedAt: w.StartedAt, FinishedAt: w.FinishedAt,
		Stats: w.Stats, StopReason: w.StopReason, Progress: w.Progress,
	}, nil
}

// GetBatch looks up a single batch record; a missing batch is an error.
func (s *Store) GetBatch(id task.BatchID) (*task.Batch, error) {
	var b *task.Batch
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := s.getBatchTx(tx, id)
		b = found
		return err
	})
	if err == nil && b == nil {
		return nil, fmt.Errorf("taskqueue: batch %d not found", id)
	}
	return b, err
}

// StartBatch assigns b a fresh BatchID, marks every member task
// Processing with started_at=now, and records a pending-batch marker so
// a crash mid-batch is detected on the next boot (spec.md §4.D "Crash
// recovery", §4.C cross-database atomicity). Mirrors
// indexer/storage_manager.go's single-transaction commit discipline.
func (s *Store) StartBatch(b *task.Batch) error {
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		next, err := s.nextID(tx, keyNextBatchID)
		if err != nil {
			return err
		}
		b.ID = task.BatchID(next)
		b.StartedAt = &now
		b.Progress.StartedAt = now

		it := b.TaskIDs.Iterator()
		for it.HasNext() {
			tid := task.ID(it.Next())
			t, err := s.getTaskTx(tx, tid)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			old := t.Status
			t.Status = task.Processing
			t.StartedAt = &now
			t.BatchID = &b.ID
			if err := s.putTaskTx(tx, t); err != nil {
				return err
			}
			if err := s.moveStatusIndexTx(tx, tid, old, task.Processing); err != nil {
				return err
			}
		}
		if err := s.putBatchTx(tx, b); err != nil {
			return err
		}
		if err := storeBitmap(tx.Bucket(bucketBatchToTasks), u32key(uint32(b.ID)), b.TaskIDs); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingBatch).Put(u32key(uint32(b.ID)), []byte{1})
	})
}

// TaskOutcome is the per-task result the Processor hands back to
// CommitBatch (spec.md §4.C "per-task failure isolation").
type TaskOutcome struct {
	ID      task.ID
	Status  task.Status // Succeeded, Failed or Canceled
	Details task.Details
	Error   *task.TaskError
}

// CommitBatch writes back every task outcome and the batch's final
// stats/finished_at in a single transaction, then clears the pending-
// batch marker — the same boundary recoverOnBoot checks for (spec.md
// §4.D, §4.E "commit").
func (s *Store) CommitBatch(b *task.Batch, outcomes []TaskOutcome) error {
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		stats := task.NewBatchStats()
		for _, o := range outcomes {
			t, err := s.getTaskTx(tx, o.ID)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			old := t.Status
			t.Status = o.Status
			t.Details = o.Details
			t.Error = o.Error
			t.FinishedAt = &now
			if err := s.putTaskTx(tx, t); err != nil {
				return err
			}
			if err := s.moveStatusIndexTx(tx, o.ID, old, o.Status); err != nil {
				return err
			}
			if err := s.addToIndexTx(tx, bucketByFinished, i64key(now.UnixNano()), uint32(o.ID)); err != nil {
				return err
			}
			stats.ByStatus[o.Status]++
			stats.ByKind[t.Kind]++
			if t.Payload.IndexUid != "" {
				stats.ByIndex[t.Payload.IndexUid]++
			}
		}
		b.Stats = stats
		b.FinishedAt = &now
		if err := s.putBatchTx(tx, b); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingBatch).Delete(u32key(uint32(b.ID)))
	})
}
