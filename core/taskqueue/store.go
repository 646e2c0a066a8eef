// Package taskqueue implements the Task Queue (spec.md §4.D): a
// crash-safe durable log of tasks and batches with roaring-bitmap
// secondary indexes for filtering.
//
// Grounded on indexer/queue.go's allocator/ring-buffer idiom (the notion
// of a durable append point with secondary bookkeeping) and
// indexer/storage_manager.go's forestdb open/commit pattern, adapted to
// go.etcd.io/bbolt — see SPEC_FULL.md "Dropped teacher dependencies" for
// why bbolt stands in for the teacher's cgo-only ForestDB/Plasma.
package taskqueue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.etcd.io/bbolt"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/logging"
	"github.com/scoutdb/scout/core/task"
)

var (
	bucketTasks        = []byte("all_tasks")
	bucketBatches      = []byte("all_batches")
	bucketMeta         = []byte("meta")
	bucketByStatus     = []byte("idx_status")
	bucketByKind       = []byte("idx_kind")
	bucketByIndex      = []byte("idx_index_tasks")
	bucketCanceledBy   = []byte("idx_canceled_by")
	bucketByEnqueued   = []byte("idx_enqueued_at")
	bucketByStarted    = []byte("idx_started_at")
	bucketByFinished   = []byte("idx_finished_at")
	bucketBatchToTasks = []byte("batch_to_tasks")
	bucketFileStore    = []byte("file_store")
	bucketPendingBatch = []byte("pending_batch_marker")

	keyNextTaskID  = []byte("next_task_id")
	keyNextBatchID = []byte("next_batch_id")
)

var allBuckets = [][]byte{
	bucketTasks, bucketBatches, bucketMeta, bucketByStatus, bucketByKind,
	bucketByIndex, bucketCanceledBy, bucketByEnqueued, bucketByStarted,
	bucketByFinished, bucketBatchToTasks, bucketFileStore, bucketPendingBatch,
}

// Store is the durable task/batch log (spec.md §4.D table).
type Store struct {
	db      *bbolt.DB
	mu      sync.Mutex
	cfg     common.Config
	dataDir string
}

// Open opens (creating if absent) the durable store rooted at dataDir
// (spec.md §6's <data_root>/tasks/ layout) and runs crash recovery.
func Open(dataDir string, cfg common.Config) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "tasks.db"), 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, cfg: cfg, dataDir: dataDir}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recoverOnBoot(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func u32key(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func i64key(ns int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ns))
	return b
}

// recoverOnBoot implements spec.md §4.D "Crash recovery": any task in
// Processing whose started_at predates this boot is reset to Enqueued;
// any batch recorded in bucketPendingBatch without a matching commit
// (i.e. still present there) is discarded, and its member tasks revert
// to Enqueued.
func (s *Store) recoverOnBoot() error {
	bootTime := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketPendingBatch)
		c := pending.Cursor()
		var staleBatches []uint32
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			staleBatches = append(staleBatches, binary.BigEndian.Uint32(k))
		}
		for _, bid := range staleBatches {
			logging.Warnf("taskqueue: discarding uncommitted batch %d found at boot", bid)
			if err := s.revertBatchToEnqueuedTx(tx, task.BatchID(bid)); err != nil {
				return err
			}
			if err := pending.Delete(u32key(bid)); err != nil {
				return err
			}
		}

		tb := tx.Bucket(bucketTasks)
		return tb.ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Status == task.Processing && t.StartedAt != nil && t.StartedAt.Before(bootTime) {
				oldStatus := t.Status
				t.Status = task.Enqueued
				t.BatchID = nil
				t.StartedAt = nil
				if err := s.putTaskTx(tx, &t); err != nil {
					return err
				}
				if err := s.moveStatusIndexTx(tx, t.ID, oldStatus, task.Enqueued); err != nil {
					return err
				}
				logging.Warnf("taskqueue: reset task %d from Processing to Enqueued on crash recovery", t.ID)
			}
			return nil
		})
	})
}

func (s *Store) revertBatchToEnqueuedTx(tx *bbolt.Tx, bid task.BatchID) error {
	bucket := tx.Bucket(bucketBatchToTasks)
	raw := bucket.Get(u32key(uint32(bid)))
	if raw == nil {
		return nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return err
	}
	it := bm.Iterator()
	for it.HasNext() {
		tid := task.ID(it.Next())
		t, err := s.getTaskTx(tx, tid)
		if err != nil || t == nil {
			continue
		}
		oldStatus := t.Status
		t.Status = task.Enqueued
		t.BatchID = nil
		t.StartedAt = nil
		t.FinishedAt = nil
		if err := s.putTaskTx(tx, t); err != nil {
			return err
		}
		if err := s.moveStatusIndexTx(tx, tid, oldStatus, task.Enqueued); err != nil {
			return err
		}
	}
	if err := bucket.Delete(u32key(uint32(bid))); err != nil {
		return err
	}
	return tx.Bucket(bucketBatches).Delete(u32key(uint32(bid)))
}

// nextID draws the next monotonically increasing id from bucketMeta's
// counter keyed by counterKey.
func (s *Store) nextID(tx *bbolt.Tx, counterKey []byte) (uint32, error) {
	meta := tx.Bucket(bucketMeta)
	var next uint32
	if raw := meta.Get(counterKey); raw != nil {
		next = binary.BigEndian.Uint32(raw) + 1
	} else {
		next = 1
	}
	if err := meta.Put(counterKey, u32key(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func fmtTaskNotFound(id task.ID) error {
	return fmt.Errorf("taskqueue: task %d not found", id)
}
