// Package snapshot implements SnapshotCreate and DumpCreate (spec.md
// §4.C): a consistent on-disk copy of the whole instance, and a logical,
// portable export of its task history (index documents and settings are
// not part of the export).
//
// Grounded on indexer/storage_manager.go's handleCreateSnapshot, which
// walks every open slice and either reuses an unchanged on-disk snapshot
// or commits a fresh one before handing the caller a point-in-time
// handle; SnapshotCreate here performs the analogous walk over the Task
// Queue's data directory and every index environment's directory,
// instead of per-slice LSM snapshots.
package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/logging"
)

// Dependencies is the narrow surface snapshot.Create needs: where the
// data lives, and the set of index uuids currently registered (it never
// talks to the Index Map directly — a snapshot reads files, it does not
// need a live handle).
type Dependencies struct {
	DataRoot    string
	IndexUUIDs  func() ([]string, error)
	SnapshotDir string
}

// Create copies dataRoot's tasks/ directory and every index environment
// under indexes/<uuid> into a freshly named directory under
// SnapshotDir, returning its path. Index environments are copied file-
// by-file without attempting application-level consistency beyond what
// the mmap backend already guarantees between writes — the Scheduler
// Loop only runs SnapshotCreate as a solo batch (spec.md §4.B rule 3),
// so no concurrent mutation is in flight while this runs.
func Create(deps Dependencies, uid string, now time.Time) (string, error) {
	dest := filepath.Join(deps.SnapshotDir, uid+"-"+now.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to create snapshot directory", err)
	}

	if err := copyTree(filepath.Join(deps.DataRoot, "tasks"), filepath.Join(dest, "tasks")); err != nil {
		return "", err
	}

	uuids, err := deps.IndexUUIDs()
	if err != nil {
		return "", err
	}
	for _, u := range uuids {
		src := filepath.Join(deps.DataRoot, "indexes", u)
		dst := filepath.Join(dest, "indexes", u)
		if err := copyTree(src, dst); err != nil {
			return "", err
		}
	}

	logging.Infof("snapshot: wrote %s (%d indexes)", dest, len(uuids))
	return dest, nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to stat snapshot source", err)
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to list snapshot source", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to create snapshot subdirectory", err)
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to open snapshot source file", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to create snapshot destination file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to copy snapshot file contents", err)
	}
	return nil
}
