package processor

import (
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/task"
)

// processTaskDelete implements spec.md §4.C TaskDelete: removes every
// terminal (succeeded, failed or canceled) task matching the filter from
// the Task Queue; matching enqueued or processing tasks are kept.
func (p *Processor) processTaskDelete(t *task.Task) (task.Details, error) {
	if t.Payload.DeleteFilter == nil {
		return task.Details{}, nil
	}
	matches, err := p.deps.Queue.ListByFilter(t.Payload.DeleteFilter)
	if err != nil {
		return task.Details{}, err
	}
	ids := make([]task.ID, 0, len(matches))
	for _, m := range matches {
		if m.Status.IsTerminal() {
			ids = append(ids, m.ID)
		}
	}
	deleted, err := p.deps.Queue.DeleteTasks(ids)
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{DeletedTasks: deleted, MatchedTasks: int64(len(matches))}, nil
}

// processDocumentEdit applies a scripted per-document edit as an
// Update-strategy write (spec.md's Payload shares DocumentAddOrUpdate's
// merge semantics for edits sourced from original_source's document-edit
// feature, not present in the distilled spec.md bullet list).
func (p *Processor) processDocumentEdit(t *task.Task) (task.Details, error) {
	uuid, err := p.resolveUUID(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	docs, err := p.loadDocumentPayload(t)
	if err != nil {
		return task.Details{}, err
	}
	var written int64
	err = p.withResizeRetry(uuid, func(ref *indexmap.Ref) error {
		n, werr := p.deps.Store.AddOrUpdateDocuments(ref, task.MergeUpdate, docs)
		written = n
		return werr
	})
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{IndexedDocuments: written}, nil
}

// processUpgradeDatabase is idempotent by construction (spec.md §4.C):
// the on-disk version is already current once this task runs, since
// cmd/scoutd's boot-time VERSION check enqueues it and rewrites the
// VERSION file in the same step.
func (p *Processor) processUpgradeDatabase(t *task.Task) (task.Details, error) {
	return task.Details{UpgradeFrom: t.Payload.UpgradeFrom, UpgradeTo: t.Payload.UpgradeTo}, nil
}

// processIndexCompaction reopens the environment at its current size,
// giving the mmap backend a chance to reclaim fragmentation — the same
// close/reopen machinery resize uses, with growth = 0.
func (p *Processor) processIndexCompaction(t *task.Task) (task.Details, error) {
	uuid, err := p.resolveUUID(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	p.deps.Map.CloseForResize(uuid, 0)
	st := p.deps.Map.Get(uuid)
	if st.CloseEvent != nil {
		timeout := p.deps.Cfg["indexMap.closeTimeoutMs"].Int()
		st.CloseEvent.WaitTimeout(msDuration(timeout))
	}
	ref, err := p.deps.Map.Reopen(uuid, st.Generation)
	if err != nil {
		return task.Details{}, err
	}
	if ref != nil {
		ref.Release()
	}
	return task.Details{}, nil
}
