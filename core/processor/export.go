package processor

import (
	"fmt"
	"time"

	"github.com/scoutdb/scout/core/snapshot"
	"github.com/scoutdb/scout/core/task"
)

// processSnapshotCreate runs as a solo batch (batcher.go's
// soloBatch rule), so no concurrent writer can be mutating an index
// environment's files while the copy runs.
func (p *Processor) processSnapshotCreate(t *task.Task) (task.Details, error) {
	deps := snapshot.Dependencies{
		DataRoot:    p.deps.Cfg["dataRoot"].String(),
		SnapshotDir: p.deps.SnapshotDir,
		IndexUUIDs:  p.deps.Queue.AllUUIDs,
	}
	_, err := snapshot.Create(deps, fmt.Sprintf("snapshot-%d", t.ID), time.Now())
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{}, nil
}

// processDumpCreate streams the Task Queue's full history to a
// snappy-compressed export (spec.md §4.C DumpCreate).
func (p *Processor) processDumpCreate(t *task.Task) (task.Details, error) {
	_, err := snapshot.Dump(p.deps.Queue, p.deps.DumpDir, fmt.Sprintf("dump-%d", t.ID))
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{}, nil
}
