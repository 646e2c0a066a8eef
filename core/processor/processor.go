// Package processor implements the Processor (spec.md §4.C): executes
// exactly one Batch against the Index Map, with a per-kind operation
// contract, resize-retry, and per-task failure isolation.
//
// Grounded on indexer/storage_manager.go's per-entity loop with partial
// failure (handleCreateSnapshot/handleRollback) and
// indexer/cluster_manager_agent.go's dispatch-by-message-type table,
// generalized here into a kind -> processor_fn dispatch table (spec.md
// §9 "Dynamic dispatch on task kind").
package processor

import (
	"sync/atomic"
	"time"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/logging"
	"github.com/scoutdb/scout/core/task"
	"github.com/scoutdb/scout/core/taskqueue"
)

// IndexStore is the per-environment mutation surface the Processor
// drives. Its concrete implementation (document encoding, attribute
// indexing, searchable/filterable/sortable structures) is out of scope
// for this spec (§1 Non-goals: "keyword/vector search engine
// internals") — Scout's core owns the scheduling and lifecycle contract
// around it, not the encoding itself.
type IndexStore interface {
	// AddOrUpdateDocuments applies merge to each document, returning how
	// many were actually written; per-document warnings are not reported. Returns
	// common.ErrMapFull if the write would exceed the environment's
	// current mmap size.
	AddOrUpdateDocuments(ref *indexmap.Ref, merge task.MergeStrategy, docs []map[string]interface{}) (written int64, err error)
	DeleteByIDs(ref *indexmap.Ref, ids []string) (deleted int64, err error)
	DeleteByFilter(ref *indexmap.Ref, filter string) (deleted int64, err error)
	ApplySettings(ref *indexmap.Ref, diff map[string]task.SettingValue) error
}

// Dependencies wires the Processor to the rest of Scout's core, per
// spec.md §9 "Global mutable state": injected at construction, never a
// singleton.
type Dependencies struct {
	Queue *taskqueue.Store
	Map   *indexmap.IndexMap
	Store IndexStore
	Cfg   common.Config

	// CancelRequested is the shared atomic flag the Scheduler Loop
	// raises for a TaskCancel targeting a Processing task (spec.md §4.E
	// "Cancellation"). The Processor checks it before each task, at the
	// start of a DocumentAddOrUpdate write pass and before each worker
	// chunk of documents; a running settings update or other operation
	// does not check it.
	CancelRequested *int32

	// SnapshotDir and DumpDir root the out-of-band export tasks
	// (spec.md §4.C SnapshotCreate/DumpCreate).
	SnapshotDir string
	DumpDir     string
}

// Processor executes batches handed to it by the Scheduler Loop.
type Processor struct {
	deps Dependencies
}

func New(deps Dependencies) *Processor {
	return &Processor{deps: deps}
}

// Run executes b to completion, producing one outcome per task and
// committing them all as a single Task Queue transaction (spec.md §4.C
// "Atomicity"). Errors returned here are transaction-level (a task read
// or the commit failed): no outcome of the batch is committed, and its
// tasks stay Processing until crash recovery on the next Open returns
// them to Enqueued.
func (p *Processor) Run(b *task.Batch) error {
	outcomes := make([]taskqueue.TaskOutcome, 0, b.TaskIDs.GetCardinality())

	it := b.TaskIDs.Iterator()
	for it.HasNext() {
		tid := task.ID(it.Next())
		t, err := p.deps.Queue.GetTask(tid)
		if err != nil {
			return err
		}
		outcome := p.runOne(b, t)
		outcomes = append(outcomes, outcome)
	}

	return p.deps.Queue.CommitBatch(b, outcomes)
}

// runOne executes a single task, recovering from a panic into a Failed
// outcome with a ProcessingPanic error so the scheduler survives
// (spec.md §4.C "Failure policy").
func (p *Processor) runOne(b *task.Batch, t *task.Task) (outcome taskqueue.TaskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("processor: task %d panicked: %v", t.ID, r)
			outcome = taskqueue.TaskOutcome{ID: t.ID, Status: task.Failed, Error: toTaskError(common.ErrProcessingPanic(r))}
		}
	}()

	if p.canceled() {
		return taskqueue.TaskOutcome{ID: t.ID, Status: task.Canceled}
	}

	fn, ok := dispatch[t.Kind]
	if !ok {
		err := common.NewError(common.CodeInvariantViolated, common.InternalError, common.FATAL,
			"no processor registered for task kind", nil)
		return taskqueue.TaskOutcome{ID: t.ID, Status: task.Failed, Error: toTaskError(err)}
	}
	details, err := fn(p, t)
	if err != nil {
		if ce, ok := err.(*common.Error); ok {
			return taskqueue.TaskOutcome{ID: t.ID, Status: task.Failed, Error: toTaskError(ce)}
		}
		return taskqueue.TaskOutcome{ID: t.ID, Status: task.Failed, Error: toTaskError(common.NewError(common.CodeIOError, common.InternalError, common.RECOVERABLE, err.Error(), err))}
	}
	return taskqueue.TaskOutcome{ID: t.ID, Status: task.Succeeded, Details: details}
}

func (p *Processor) canceled() bool {
	return p.deps.CancelRequested != nil && atomic.LoadInt32(p.deps.CancelRequested) != 0
}

func toTaskError(e *common.Error) *task.TaskError {
	return &task.TaskError{Code: string(e.Code), Message: e.Message, Type: string(e.Category), Link: e.Link}
}

type processorFn func(p *Processor, t *task.Task) (task.Details, error)

var dispatch = map[task.Kind]processorFn{
	task.KindIndexCreate:             (*Processor).processIndexCreate,
	task.KindIndexUpdate:             (*Processor).processIndexUpdate,
	task.KindIndexDelete:             (*Processor).processIndexDelete,
	task.KindIndexSwap:               (*Processor).processIndexSwap,
	task.KindDocumentAddOrUpdate:     (*Processor).processDocumentAddOrUpdate,
	task.KindDocumentDeleteByIds:     (*Processor).processDocumentDeleteByIds,
	task.KindDocumentDeleteByFilter:  (*Processor).processDocumentDeleteByFilter,
	task.KindSettingsUpdate:          (*Processor).processSettingsUpdate,
	task.KindTaskCancel:              (*Processor).processTaskCancel,
	task.KindTaskDelete:              (*Processor).processTaskDelete,
	task.KindDocumentEdit:            (*Processor).processDocumentEdit,
	task.KindUpgradeDatabase:         (*Processor).processUpgradeDatabase,
	task.KindIndexCompaction:         (*Processor).processIndexCompaction,
	task.KindSnapshotCreate:          (*Processor).processSnapshotCreate,
	task.KindDumpCreate:              (*Processor).processDumpCreate,
}

// withResizeRetry runs op against the index's current handle; if op
// reports map_full, it drives the Index Map's resize protocol (spec.md
// §4.C "Resize handling": growth = max(current_size, min_growth),
// doubling by default) and retries op once against the reopened handle.
func (p *Processor) withResizeRetry(uuid string, op func(ref *indexmap.Ref) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		st := p.deps.Map.Get(uuid)
		if st.Kind == indexmap.Missing {
			// Not open in this process (e.g. after a restart): open it from disk.
			ref, err := p.deps.Map.Create(uuid, indexPath(p.deps.Cfg, uuid), p.deps.Cfg["indexer.baseMapSize"].Int64())
			if err != nil {
				return err
			}
			st = indexmap.Status{Kind: indexmap.Available, Ref: ref}
		}
		if st.Kind != indexmap.Available {
			return common.NewError(common.CodeIndexNotFound, common.IndexError, common.WARN, "index not available", nil)
		}
		ref := st.Ref
		err := op(ref)
		ref.Release()
		if err == nil {
			return nil
		}
		ce, ok := err.(*common.Error)
		if !ok || ce.Code != common.CodeMapFull {
			return err
		}
		if attempt == 1 {
			return err
		}
		minGrowth := p.deps.Cfg["indexer.minGrowth"].Int64()
		growth := ref.Handle().MapSize
		if growth < minGrowth {
			growth = minGrowth
		}
		logging.Warnf("processor: map full for %s, resizing by %d bytes and retrying", uuid, growth)
		p.deps.Map.CloseForResize(uuid, growth)
		closeSt := p.deps.Map.Get(uuid)
		if closeSt.CloseEvent != nil {
			timeout := p.deps.Cfg["indexMap.closeTimeoutMs"].Int()
			closeSt.CloseEvent.WaitTimeout(msDuration(timeout))
		}
		if _, err := p.deps.Map.Reopen(uuid, closeSt.Generation); err != nil {
			return err
		}
	}
	return nil
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}
