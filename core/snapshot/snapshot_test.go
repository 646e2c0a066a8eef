package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateCopiesTasksAndIndexes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tasks", "scout.db"), []byte("tasks"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "indexes", "uuid-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "indexes", "uuid-1", "data.mdb"), []byte("docs"), 0o644))

	snapDir := t.TempDir()
	deps := Dependencies{
		DataRoot:    root,
		SnapshotDir: snapDir,
		IndexUUIDs:  func() ([]string, error) { return []string{"uuid-1"}, nil },
	}

	dest, err := Create(deps, "inst", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	taskData, err := os.ReadFile(filepath.Join(dest, "tasks", "scout.db"))
	require.NoError(t, err)
	require.Equal(t, "tasks", string(taskData))

	idxData, err := os.ReadFile(filepath.Join(dest, "indexes", "uuid-1", "data.mdb"))
	require.NoError(t, err)
	require.Equal(t, "docs", string(idxData))
}

func TestCreateToleratesMissingTasksDir(t *testing.T) {
	root := t.TempDir()
	snapDir := t.TempDir()
	deps := Dependencies{
		DataRoot:    root,
		SnapshotDir: snapDir,
		IndexUUIDs:  func() ([]string, error) { return nil, nil },
	}
	_, err := Create(deps, "inst", time.Now())
	require.NoError(t, err)
}
