package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoutdb/scout/core/task"
)

func mkTask(id task.ID, kind task.Kind, indexUid string, enqueuedOffset time.Duration) *task.Task {
	return &task.Task{
		ID:         id,
		Kind:       kind,
		Status:     task.Enqueued,
		Payload:    task.Payload{IndexUid: indexUid},
		EnqueuedAt: time.Unix(0, 0).Add(enqueuedOffset),
	}
}

func TestUpgradeTaskBatchesAlone(t *testing.T) {
	tasks := []*task.Task{
		mkTask(1, task.KindDocumentAddOrUpdate, "movies", 0),
		mkTask(2, task.KindUpgradeDatabase, "", time.Second),
		mkTask(3, task.KindDocumentAddOrUpdate, "movies", 2*time.Second),
	}
	b := NextBatch(tasks, Limits{})
	require.Equal(t, task.StopReasonScheduleUpgrade, b.StopReason)
	require.True(t, b.TaskIDs.Contains(2))
	require.Equal(t, uint64(1), b.TaskIDs.GetCardinality())
}

func TestCancelTaskDrainsAlone(t *testing.T) {
	tasks := []*task.Task{
		mkTask(1, task.KindDocumentAddOrUpdate, "movies", 0),
		mkTask(2, task.KindTaskCancel, "", time.Second),
	}
	b := NextBatch(tasks, Limits{})
	require.Equal(t, task.StopReasonCancelDrain, b.StopReason)
	require.Equal(t, uint64(1), b.TaskIDs.GetCardinality())
	require.True(t, b.TaskIDs.Contains(1) || b.TaskIDs.Contains(2))
}

func TestSameIndexTasksAccreteInOrder(t *testing.T) {
	tasks := []*task.Task{
		mkTask(1, task.KindDocumentAddOrUpdate, "movies", 0),
		mkTask(2, task.KindDocumentAddOrUpdate, "movies", time.Second),
		mkTask(3, task.KindDocumentAddOrUpdate, "books", 2*time.Second),
	}
	b := NextBatch(tasks, Limits{})
	require.Equal(t, task.StopReasonDifferentIndex, b.StopReason)
	require.True(t, b.TaskIDs.Contains(1))
	require.True(t, b.TaskIDs.Contains(2))
	require.False(t, b.TaskIDs.Contains(3))
}

func TestIncompatibleMergeStrategyStopsAccretion(t *testing.T) {
	t1 := mkTask(1, task.KindDocumentAddOrUpdate, "movies", 0)
	t1.Payload.MergeStrategy = task.MergeReplace
	t2 := mkTask(2, task.KindDocumentAddOrUpdate, "movies", time.Second)
	t2.Payload.MergeStrategy = task.MergeUpdate
	b := NextBatch([]*task.Task{t1, t2}, Limits{})
	require.Equal(t, task.StopReasonIncompatibleKind, b.StopReason)
	require.Equal(t, uint64(1), b.TaskIDs.GetCardinality())
}

func TestMaxTaskCountStopsAccretion(t *testing.T) {
	tasks := []*task.Task{
		mkTask(1, task.KindDocumentAddOrUpdate, "movies", 0),
		mkTask(2, task.KindDocumentAddOrUpdate, "movies", time.Second),
		mkTask(3, task.KindDocumentAddOrUpdate, "movies", 2*time.Second),
	}
	b := NextBatch(tasks, Limits{MaxTasks: 2})
	require.Equal(t, task.StopReasonMaxTaskCount, b.StopReason)
	require.Equal(t, uint64(2), b.TaskIDs.GetCardinality())
}

func TestOrderingGuarantee(t *testing.T) {
	// T1 enqueued before T2, same index: T1 must never land in a later
	// batch than T2 (spec.md §4.B "Ordering guarantee").
	tasks := []*task.Task{
		mkTask(1, task.KindDocumentAddOrUpdate, "movies", 0),
		mkTask(2, task.KindDocumentAddOrUpdate, "movies", time.Second),
	}
	b := NextBatch(tasks, Limits{})
	require.True(t, b.TaskIDs.Contains(1))
	require.True(t, b.TaskIDs.Contains(2))
}
