package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoutdb/scout/core/batcher"
	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/processor"
	"github.com/scoutdb/scout/core/task"
	"github.com/scoutdb/scout/core/taskqueue"
)

type noopStore struct{}

func (noopStore) AddOrUpdateDocuments(ref *indexmap.Ref, merge task.MergeStrategy, docs []map[string]interface{}) (int64, error) {
	return int64(len(docs)), nil
}
func (noopStore) DeleteByIDs(ref *indexmap.Ref, ids []string) (int64, error)   { return int64(len(ids)), nil }
func (noopStore) DeleteByFilter(ref *indexmap.Ref, filter string) (int64, error) { return 0, nil }
func (noopStore) ApplySettings(ref *indexmap.Ref, diff map[string]task.SettingValue) error {
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *taskqueue.Store, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "scout-scheduler-*")
	require.NoError(t, err)
	cfg := common.DefaultConfig().SetValue("dataRoot", dir)

	q, err := taskqueue.Open(dir, cfg)
	require.NoError(t, err)

	deps := processor.Dependencies{
		Queue:           q,
		Map:             indexmap.New(8),
		Store:           noopStore{},
		Cfg:             cfg,
		CancelRequested: new(int32),
	}
	proc := processor.New(deps)

	sched := New(q, proc, batcher.LimitsFromConfig(cfg), deps.CancelRequested, 0)

	cleanup := func() {
		q.Close()
		os.RemoveAll(dir)
	}
	return sched, q, cleanup
}

func TestSchedulerRunsEnqueuedBatchToCompletion(t *testing.T) {
	sched, q, cleanup := newTestScheduler(t)
	defer cleanup()

	_, err := q.CreateUIDMapping("movies")
	require.NoError(t, err)

	id, err := q.Enqueue(&task.Task{
		Kind:    task.KindDocumentDeleteByFilter,
		Payload: task.Payload{IndexUid: "movies", Filter: "x = 1"},
	})
	require.NoError(t, err)

	require.True(t, sched.runOneBatch())

	got, err := q.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, task.Succeeded, got.Status)
}

func TestSchedulerRunLoopRespondsToWakeAndShutdown(t *testing.T) {
	sched, q, cleanup := newTestScheduler(t)
	defer cleanup()

	_, err := q.CreateUIDMapping("movies")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.Run()
		close(done)
	}()

	id, err := q.Enqueue(&task.Task{
		Kind:    task.KindDocumentDeleteByFilter,
		Payload: task.Payload{IndexUid: "movies", Filter: "x = 1"},
	})
	require.NoError(t, err)
	sched.Wake()

	require.Eventually(t, func() bool {
		got, err := q.GetTask(id)
		return err == nil && got.Status == task.Succeeded
	}, 2*time.Second, 10*time.Millisecond)

	sched.Shutdown()
	<-done
}

func TestRequestCancelSplitsByStatus(t *testing.T) {
	sched, q, cleanup := newTestScheduler(t)
	defer cleanup()

	enqueuedID, err := q.Enqueue(&task.Task{Kind: task.KindDocumentAddOrUpdate, Payload: task.Payload{IndexUid: "movies"}})
	require.NoError(t, err)
	enqueuedTask, err := q.GetTask(enqueuedID)
	require.NoError(t, err)

	cancelerID, err := q.Enqueue(&task.Task{Kind: task.KindTaskCancel})
	require.NoError(t, err)

	canceled, err := sched.RequestCancel(cancelerID, []*task.Task{enqueuedTask}, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), canceled)

	got, err := q.GetTask(enqueuedID)
	require.NoError(t, err)
	require.Equal(t, task.Canceled, got.Status)
}
