package taskqueue

import (
	"os"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/task"
)

func bitmapOf(ids ...task.ID) *roaring.Bitmap {
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return bm
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "scout-taskqueue-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(dir, common.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario 1 (spec.md §8): basic ingest — enqueue, fetch, filter by
// index_uid and status all agree.
func TestEnqueueAndGet(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Enqueue(&task.Task{
		Kind:    task.KindDocumentAddOrUpdate,
		Payload: task.Payload{IndexUid: "movies"},
	})
	require.NoError(t, err)
	require.Equal(t, task.ID(1), id)

	got, err := s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, task.Enqueued, got.Status)
	require.Equal(t, "movies", got.Payload.IndexUid)

	list, err := s.ListByFilter(&task.Filter{IndexUIDs: []string{"movies"}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = s.ListByFilter(&task.Filter{Statuses: []task.Status{task.Enqueued}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = s.ListByFilter(&task.Filter{Statuses: []task.Status{task.Succeeded}})
	require.NoError(t, err)
	require.Len(t, list, 0)
}

// Scenario 2 (spec.md §8): canceling an Enqueued task synchronously
// transitions it straight to Canceled.
func TestCancelEnqueuedTask(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Enqueue(&task.Task{Kind: task.KindDocumentAddOrUpdate, Payload: task.Payload{IndexUid: "movies"}})
	require.NoError(t, err)

	canceler, err := s.Enqueue(&task.Task{Kind: task.KindTaskCancel})
	require.NoError(t, err)

	require.NoError(t, s.MarkTaskCanceled(id, canceler, time.Now()))

	got, err := s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, task.Canceled, got.Status)
	require.NotNil(t, got.CanceledBy)
	require.Equal(t, canceler, *got.CanceledBy)

	list, err := s.ListByFilter(&task.Filter{CanceledBy: []task.ID{canceler}})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestStartAndCommitBatch(t *testing.T) {
	s := openTestStore(t)
	id1, err := s.Enqueue(&task.Task{Kind: task.KindDocumentAddOrUpdate, Payload: task.Payload{IndexUid: "movies"}})
	require.NoError(t, err)
	id2, err := s.Enqueue(&task.Task{Kind: task.KindDocumentAddOrUpdate, Payload: task.Payload{IndexUid: "movies"}})
	require.NoError(t, err)

	b := &task.Batch{
		TaskIDs:   bitmapOf(id1, id2),
		IndexUids: map[string]struct{}{"movies": {}},
	}
	require.NoError(t, s.StartBatch(b))
	require.Equal(t, task.BatchID(1), b.ID)

	t1, err := s.GetTask(id1)
	require.NoError(t, err)
	require.Equal(t, task.Processing, t1.Status)
	require.NotNil(t, t1.BatchID)
	require.Equal(t, b.ID, *t1.BatchID)

	require.NoError(t, s.CommitBatch(b, []TaskOutcome{
		{ID: id1, Status: task.Succeeded, Details: task.Details{IndexedDocuments: 10}},
		{ID: id2, Status: task.Failed, Error: &task.TaskError{Code: "internal_error", Message: "boom"}},
	}))

	t1, err = s.GetTask(id1)
	require.NoError(t, err)
	require.Equal(t, task.Succeeded, t1.Status)
	require.NotNil(t, t1.FinishedAt)

	t2, err := s.GetTask(id2)
	require.NoError(t, err)
	require.Equal(t, task.Failed, t2.Status)
	require.NotNil(t, t2.Error)

	batch, err := s.GetBatch(b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), batch.Stats.ByStatus[task.Succeeded])
	require.Equal(t, int64(1), batch.Stats.ByStatus[task.Failed])

	require.NoError(t, s.ConsistencyCheck())
}

// Crash recovery: a task left Processing with no matching commit must
// be reset to Enqueued the next time the store opens.
func TestCrashRecoveryResetsProcessingTasks(t *testing.T) {
	dir, err := os.MkdirTemp("", "scout-taskqueue-recover-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, common.DefaultConfig())
	require.NoError(t, err)

	id, err := s.Enqueue(&task.Task{Kind: task.KindDocumentAddOrUpdate, Payload: task.Payload{IndexUid: "movies"}})
	require.NoError(t, err)
	b := &task.Batch{TaskIDs: bitmapOf(id), IndexUids: map[string]struct{}{"movies": {}}}
	require.NoError(t, s.StartBatch(b))
	require.NoError(t, s.Close())

	s2, err := Open(dir, common.DefaultConfig())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, task.Enqueued, got.Status)
	require.Nil(t, got.BatchID)

	_, err = s2.GetBatch(b.ID)
	require.Error(t, err) // the uncommitted batch record was discarded
}

func TestPayloadStaging(t *testing.T) {
	s := openTestStore(t)
	id, err := s.StagePayload([]byte("hello world"))
	require.NoError(t, err)

	got, err := s.ReadPayload(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	require.NoError(t, s.DeletePayload(id))
	got, err = s.ReadPayload(id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPayloadTooLarge(t *testing.T) {
	s := openTestStore(t)
	s.cfg = s.cfg.SetValue("taskqueue.payloadMaxBytes", int64(4))
	_, err := s.StagePayload([]byte("too big"))
	require.Error(t, err)
}
