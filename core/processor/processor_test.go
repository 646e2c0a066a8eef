package processor

import (
	"os"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/task"
	"github.com/scoutdb/scout/core/taskqueue"
)

// fakeStore is an in-memory IndexStore test double: it never touches a
// real mmap, letting processor_test.go exercise the operation contract
// (dispatch, resize-retry, failure isolation) without needing a real
// search-engine backend (out of scope per this spec's Non-goals).
type fakeStore struct {
	docs        map[string]map[string]interface{}
	forceFull   map[string]int // remaining map_full failures per uuid
	applyErr    error
	settingsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]map[string]interface{}{}, forceFull: map[string]int{}}
}

func (f *fakeStore) AddOrUpdateDocuments(ref *indexmap.Ref, merge task.MergeStrategy, docs []map[string]interface{}) (int64, error) {
	uuid := ref.Handle().UUID
	if f.forceFull[uuid] > 0 {
		f.forceFull[uuid]--
		return 0, common.ErrMapFull(uuid, nil)
	}
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	for _, d := range docs {
		id, _ := d["id"].(string)
		f.docs[id] = d
	}
	return int64(len(docs)), nil
}

func (f *fakeStore) DeleteByIDs(ref *indexmap.Ref, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := f.docs[id]; ok {
			delete(f.docs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteByFilter(ref *indexmap.Ref, filter string) (int64, error) {
	n := int64(len(f.docs))
	f.docs = map[string]map[string]interface{}{}
	return n, nil
}

func (f *fakeStore) ApplySettings(ref *indexmap.Ref, diff map[string]task.SettingValue) error {
	return f.settingsErr
}

func newTestDeps(t *testing.T) (Dependencies, *fakeStore, func()) {
	t.Helper()
	dataDir, err := os.MkdirTemp("", "scout-proc-queue-*")
	require.NoError(t, err)
	cfg := common.DefaultConfig().SetValue("dataRoot", dataDir)

	q, err := taskqueue.Open(dataDir, cfg)
	require.NoError(t, err)

	m := indexmap.New(8)
	store := newFakeStore()
	cancel := new(int32)

	cleanup := func() {
		q.Close()
		os.RemoveAll(dataDir)
	}

	return Dependencies{Queue: q, Map: m, Store: store, Cfg: cfg, CancelRequested: cancel}, store, cleanup
}

func TestIndexCreateThenDocumentAddOrUpdate(t *testing.T) {
	deps, store, cleanup := newTestDeps(t)
	defer cleanup()
	p := New(deps)

	createID, err := deps.Queue.Enqueue(&task.Task{Kind: task.KindIndexCreate, Payload: task.Payload{IndexUid: "movies"}})
	require.NoError(t, err)
	createTask, err := deps.Queue.GetTask(createID)
	require.NoError(t, err)
	details, err := p.processIndexCreate(createTask)
	require.NoError(t, err)
	require.Equal(t, task.Details{}, details)

	payloadID, err := deps.Queue.StagePayload([]byte(`[{"id":"1","title":"a"},{"id":"2","title":"b"}]`))
	require.NoError(t, err)

	addID, err := deps.Queue.Enqueue(&task.Task{
		Kind: task.KindDocumentAddOrUpdate,
		Payload: task.Payload{
			IndexUid:   "movies",
			PayloadRef: payloadID,
		},
	})
	require.NoError(t, err)
	addTask, err := deps.Queue.GetTask(addID)
	require.NoError(t, err)

	outDetails, err := p.processDocumentAddOrUpdate(addTask)
	require.NoError(t, err)
	require.Equal(t, int64(2), outDetails.IndexedDocuments)
	require.Len(t, store.docs, 2)

	// the staged payload is cleaned up once consumed
	raw, err := deps.Queue.ReadPayload(payloadID)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestDocumentAddOrUpdateFailsWithoutIndexCreationAllowed(t *testing.T) {
	deps, _, cleanup := newTestDeps(t)
	defer cleanup()
	p := New(deps)

	addID, err := deps.Queue.Enqueue(&task.Task{
		Kind:    task.KindDocumentAddOrUpdate,
		Payload: task.Payload{IndexUid: "missing"},
	})
	require.NoError(t, err)
	addTask, err := deps.Queue.GetTask(addID)
	require.NoError(t, err)

	_, err = p.processDocumentAddOrUpdate(addTask)
	require.Error(t, err)
}

func TestWithResizeRetryRecoversFromMapFullOnce(t *testing.T) {
	deps, store, cleanup := newTestDeps(t)
	defer cleanup()
	p := New(deps)

	uuid, err := deps.Queue.CreateUIDMapping("movies")
	require.NoError(t, err)
	ref, err := deps.Map.Create(uuid, t.TempDir(), int64(64<<20))
	require.NoError(t, err)
	ref.Release()

	store.forceFull[uuid] = 1

	var called int
	err = p.withResizeRetry(uuid, func(ref *indexmap.Ref) error {
		called++
		n, werr := store.AddOrUpdateDocuments(ref, task.MergeReplace, []map[string]interface{}{{"id": "x"}})
		if werr != nil {
			return werr
		}
		_ = n
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, called)
}

func TestRunOneFailsUnregisteredKind(t *testing.T) {
	deps, _, cleanup := newTestDeps(t)
	defer cleanup()
	p := New(deps)

	badID, err := deps.Queue.Enqueue(&task.Task{Kind: task.Kind(999)})
	require.NoError(t, err)

	b := &task.Batch{TaskIDs: bitmapOf(badID), IndexUids: map[string]struct{}{}}
	require.NoError(t, deps.Queue.StartBatch(b))
	require.NoError(t, p.Run(b))

	got, err := deps.Queue.GetTask(badID)
	require.NoError(t, err)
	require.Equal(t, task.Failed, got.Status)
	require.NotNil(t, got.Error)
}

// panicStore panics on every document write, exercising runOne's
// recover() -> ProcessingPanic path (spec.md §4.C "Failure policy").
type panicStore struct{ fakeStore }

func (p *panicStore) AddOrUpdateDocuments(ref *indexmap.Ref, merge task.MergeStrategy, docs []map[string]interface{}) (int64, error) {
	panic("simulated corruption")
}

func TestRunOneRecoversFromPanic(t *testing.T) {
	deps, _, cleanup := newTestDeps(t)
	defer cleanup()
	deps.Store = &panicStore{fakeStore: *newFakeStore()}
	p := New(deps)

	uuid, err := deps.Queue.CreateUIDMapping("movies")
	require.NoError(t, err)
	ref, err := deps.Map.Create(uuid, t.TempDir(), int64(64<<20))
	require.NoError(t, err)
	ref.Release()

	payloadID, err := deps.Queue.StagePayload([]byte(`[{"id":"1"}]`))
	require.NoError(t, err)
	addID, err := deps.Queue.Enqueue(&task.Task{
		Kind:    task.KindDocumentAddOrUpdate,
		Payload: task.Payload{IndexUid: "movies", PayloadRef: payloadID},
	})
	require.NoError(t, err)

	b := &task.Batch{TaskIDs: bitmapOf(addID), IndexUids: map[string]struct{}{"movies": {}}}
	require.NoError(t, deps.Queue.StartBatch(b))
	require.NoError(t, p.Run(b))

	got, err := deps.Queue.GetTask(addID)
	require.NoError(t, err)
	require.Equal(t, task.Failed, got.Status)
	require.Equal(t, string(common.CodeProcessingPanic), got.Error.Code)
}

func bitmapOf(ids ...task.ID) *roaring.Bitmap {
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return bm
}
