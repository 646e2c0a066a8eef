package snapshot

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/scoutdb/scout/core/task"
)

type fakeTaskSource struct {
	tasks []*task.Task
}

func (f *fakeTaskSource) AllTasksOldestFirst() ([]*task.Task, error) {
	return f.tasks, nil
}

func TestDumpWritesCompressedTaskLog(t *testing.T) {
	now := time.Now()
	src := &fakeTaskSource{tasks: []*task.Task{
		{ID: 1, Kind: task.KindIndexCreate, Status: task.Succeeded, Payload: task.Payload{IndexUid: "movies"}, EnqueuedAt: now},
		{ID: 2, Kind: task.KindDocumentAddOrUpdate, Status: task.Succeeded, Payload: task.Payload{IndexUid: "movies"}, Details: task.Details{IndexedDocuments: 3}, EnqueuedAt: now},
	}}

	dumpDir := t.TempDir()
	dest, err := Dump(src, dumpDir, "dump-1")
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dest, "tasks.jsonl.snappy"))
	require.NoError(t, err)
	defer f.Close()

	r := snappy.NewReader(f)
	scanner := bufio.NewScanner(r)
	var decoded []DumpedTask
	for scanner.Scan() {
		var dt DumpedTask
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &dt))
		decoded = append(decoded, dt)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, decoded, 2)
	require.Equal(t, task.ID(1), decoded[0].ID)
	require.Equal(t, "movies", decoded[0].IndexUID)
	require.Equal(t, int64(3), decoded[1].Details.IndexedDocuments)
}
