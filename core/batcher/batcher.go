// Package batcher implements the Batcher (spec.md §4.B): a
// single-threaded, priority-ordered rule evaluator that turns the
// oldest-first Enqueued task list into the next Batch to process.
//
// Grounded on secondary/planner/planner.go's constant/enum-driven
// decision style (ViolationCode, CommandType feeding a priority-ordered
// rule table), re-purposed here for batching instead of index placement.
package batcher

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/task"
)

// Limits bounds a single batch's size, mirroring the config keys in
// core/common.DefaultConfig ("batcher.maxBatchTasks"/"batcher.maxBatchWeight").
type Limits struct {
	MaxTasks  int
	MaxWeight int64
}

func LimitsFromConfig(cfg common.Config) Limits {
	return Limits{
		MaxTasks:  cfg["batcher.maxBatchTasks"].Int(),
		MaxWeight: cfg["batcher.maxBatchWeight"].Int64(),
	}
}

// NextBatch applies spec.md §4.B's priority-ordered rules to enqueued
// (already oldest-first, per the Task Queue's id ordering) and returns
// the batch to run next, or nil if there is nothing to do.
func NextBatch(enqueued []*task.Task, limits Limits) *task.Batch {
	if len(enqueued) == 0 {
		return nil
	}

	// Rule 1: schema/version upgrade tasks run alone.
	for _, t := range enqueued {
		if t.Kind == task.KindUpgradeDatabase {
			return soloBatch(t, task.StopReasonScheduleUpgrade)
		}
	}

	// Rule 2: a cancel request drains alone.
	for _, t := range enqueued {
		if t.Kind == task.KindTaskCancel {
			return soloBatch(t, task.StopReasonCancelDrain)
		}
	}

	// Rule 3: dump/snapshot creation batches alone.
	for _, t := range enqueued {
		if t.Kind == task.KindDumpCreate || t.Kind == task.KindSnapshotCreate {
			return soloBatch(t, task.StopReasonDumpOrSnapshotAlone)
		}
	}

	// Rule 4/5: greedily accrete consecutive same-index, compatible tasks.
	first := enqueued[0]
	b := newBatchFor(first)
	weight := payloadWeight(first)
	b.TaskIDs.Add(uint32(first.ID))
	stop := task.StopReasonQueueDrained

	for i := 1; i < len(enqueued); i++ {
		next := enqueued[i]
		if next.Kind == task.KindUpgradeDatabase || next.Kind == task.KindTaskCancel ||
			next.Kind == task.KindDumpCreate || next.Kind == task.KindSnapshotCreate {
			stop = task.StopReasonIncompatibleKind
			break
		}
		if next.Payload.IndexUid != first.Payload.IndexUid {
			stop = task.StopReasonDifferentIndex
			break
		}
		if !compatibleKind(first.Kind, next.Kind, first, next) {
			stop = task.StopReasonIncompatibleKind
			break
		}
		nextWeight := payloadWeight(next)
		if limits.MaxWeight > 0 && weight+nextWeight > limits.MaxWeight {
			stop = task.StopReasonWeightExceeded
			break
		}
		if limits.MaxTasks > 0 && b.TaskIDs.GetCardinality() >= uint64(limits.MaxTasks) {
			stop = task.StopReasonMaxTaskCount
			break
		}
		b.TaskIDs.Add(uint32(next.ID))
		weight += nextWeight
	}

	if limits.MaxTasks > 0 && b.TaskIDs.GetCardinality() >= uint64(limits.MaxTasks) {
		stop = task.StopReasonMaxTaskCount
	}
	b.StopReason = stop
	return b
}

func soloBatch(t *task.Task, reason task.StopReason) *task.Batch {
	b := newBatchFor(t)
	b.TaskIDs.Add(uint32(t.ID))
	b.StopReason = reason
	return b
}

func newBatchFor(t *task.Task) *task.Batch {
	b := &task.Batch{
		TaskIDs:            roaring.New(),
		IndexUids:          map[string]struct{}{},
		EarliestEnqueuedAt: t.EnqueuedAt,
		OldestEnqueuedAt:   t.EnqueuedAt,
	}
	if !t.Kind.IsIndexAgnostic() && t.Payload.IndexUid != "" {
		b.IndexUids[t.Payload.IndexUid] = struct{}{}
	}
	return b
}

// compatibleKind implements rule 4's "mixing allowed only when
// semantically equivalent to serial application": tasks of different
// kinds never coalesce; AddOrUpdate tasks coalesce only with the same
// merge strategy; DeleteByIds, DeleteByFilter, DocumentEdit and
// SettingsUpdate tasks coalesce with others of their own kind (diffs
// apply in sequence, which is exactly serial application); index
// lifecycle tasks never coalesce.
func compatibleKind(firstKind, nextKind task.Kind, first, next *task.Task) bool {
	if firstKind != nextKind {
		return false
	}
	switch firstKind {
	case task.KindDocumentAddOrUpdate:
		return first.Payload.MergeStrategy == next.Payload.MergeStrategy
	case task.KindDocumentDeleteByIds, task.KindDocumentDeleteByFilter, task.KindSettingsUpdate, task.KindDocumentEdit:
		return true
	case task.KindIndexCreate, task.KindIndexUpdate, task.KindIndexDelete, task.KindIndexSwap, task.KindIndexCompaction:
		return false // index-lifecycle tasks never coalesce, each is its own commit point
	default:
		return false
	}
}

func payloadWeight(t *task.Task) int64 {
	if t.Payload.PayloadBytes > 0 {
		return t.Payload.PayloadBytes
	}
	return 0
}
