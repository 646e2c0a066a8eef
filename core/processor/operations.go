package processor

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/logging"
	"github.com/scoutdb/scout/core/task"
)

func (p *Processor) resolveUUID(uid string) (string, error) {
	uuid, ok := p.deps.Queue.ResolveUUID(uid)
	if !ok {
		return "", common.ErrIndexNotFound(uid)
	}
	return uuid, nil
}

func (p *Processor) processIndexCreate(t *task.Task) (task.Details, error) {
	uuid, err := p.deps.Queue.CreateUIDMapping(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	baseSize := p.deps.Cfg["indexer.baseMapSize"].Int64()
	path := indexPath(p.deps.Cfg, uuid)
	ref, err := p.deps.Map.Create(uuid, path, baseSize)
	if err != nil {
		return task.Details{}, common.NewError(common.CodeIOError, common.StorageError, common.RECOVERABLE, "failed to create index environment", err)
	}
	ref.Release()
	pk := ""
	if t.Payload.PrimaryKey != nil {
		pk = *t.Payload.PrimaryKey
	}
	return task.Details{PrimaryKey: pk}, nil
}

func (p *Processor) processIndexUpdate(t *task.Task) (task.Details, error) {
	if t.Payload.NewIndexUid != "" && t.Payload.NewIndexUid != t.Payload.IndexUid {
		if err := p.deps.Queue.RenameUID(t.Payload.IndexUid, t.Payload.NewIndexUid); err != nil {
			return task.Details{}, err
		}
	}
	return task.Details{}, nil
}

func (p *Processor) processIndexDelete(t *task.Task) (task.Details, error) {
	uuid, err := p.resolveUUID(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	event, _ := p.deps.Map.StartDeletion(uuid)
	if event != nil {
		timeout := p.deps.Cfg["indexMap.closeTimeoutMs"].Int()
		if !event.WaitTimeout(msDuration(timeout)) {
			// The physical unmap/close hasn't finished yet. Safe to
			// proceed anyway: uuid is retired from the map below and
			// never reused (new indexes always get a fresh uuid via
			// indexmap.NewUUID), so the close goroutine completing later
			// races with nothing.
			logging.Warnf("indexmap: close of %s did not finish within %dms, proceeding with deletion", uuid, timeout)
		}
	}
	p.deps.Map.EndDeletion(uuid)
	if err := p.deps.Queue.DeleteUIDMapping(t.Payload.IndexUid); err != nil {
		return task.Details{}, err
	}
	return task.Details{}, nil
}

func (p *Processor) processIndexSwap(t *task.Task) (task.Details, error) {
	if err := p.deps.Queue.SwapUIDs(t.Payload.IndexUid, t.Payload.NewIndexUid); err != nil {
		return task.Details{}, err
	}
	return task.Details{SwappedIndexes: []string{t.Payload.IndexUid, t.Payload.NewIndexUid}}, nil
}

func (p *Processor) processDocumentAddOrUpdate(t *task.Task) (task.Details, error) {
	uuid, ok := p.deps.Queue.ResolveUUID(t.Payload.IndexUid)
	if !ok {
		if !t.Payload.AllowIndexCreation {
			return task.Details{}, common.ErrIndexNotFound(t.Payload.IndexUid)
		}
		created, err := p.deps.Queue.CreateUIDMapping(t.Payload.IndexUid)
		if err != nil {
			return task.Details{}, err
		}
		baseSize := p.deps.Cfg["indexer.baseMapSize"].Int64()
		ref, err := p.deps.Map.Create(created, indexPath(p.deps.Cfg, created), baseSize)
		if err != nil {
			return task.Details{}, err
		}
		ref.Release()
		uuid = created
	}

	docs, err := p.loadDocumentPayload(t)
	if err != nil {
		return task.Details{}, err
	}

	workers := p.deps.Cfg["indexer.maxIndexingThreads"].Int()
	var written int64
	err = p.withResizeRetry(uuid, func(ref *indexmap.Ref) error {
		if p.canceled() {
			return nil
		}
		n, werr := p.applyDocumentsConcurrently(ref, workers, t.Payload.MergeStrategy, docs)
		written = n
		return werr
	})
	if err != nil {
		return task.Details{}, err
	}
	if t.Payload.PayloadRef != "" {
		_ = p.deps.Queue.DeletePayload(t.Payload.PayloadRef)
	}
	return task.Details{IndexedDocuments: written}, nil
}

func (p *Processor) loadDocumentPayload(t *task.Task) ([]map[string]interface{}, error) {
	if t.Payload.PayloadRef == "" {
		return nil, nil
	}
	raw, err := p.deps.Queue.ReadPayload(t.Payload.PayloadRef)
	if err != nil {
		return nil, err
	}
	return decodeDocumentBatch(raw)
}

func (p *Processor) processDocumentDeleteByIds(t *task.Task) (task.Details, error) {
	uuid, err := p.resolveUUID(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	var deleted int64
	err = p.withResizeRetry(uuid, func(ref *indexmap.Ref) error {
		n, derr := p.deps.Store.DeleteByIDs(ref, t.Payload.DocumentIds)
		deleted = n
		return derr
	})
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{DeletedDocuments: deleted}, nil
}

func (p *Processor) processDocumentDeleteByFilter(t *task.Task) (task.Details, error) {
	uuid, err := p.resolveUUID(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	var deleted int64
	err = p.withResizeRetry(uuid, func(ref *indexmap.Ref) error {
		n, derr := p.deps.Store.DeleteByFilter(ref, t.Payload.Filter)
		deleted = n
		return derr
	})
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{DeletedDocuments: deleted}, nil
}

func (p *Processor) processSettingsUpdate(t *task.Task) (task.Details, error) {
	uuid, err := p.resolveUUID(t.Payload.IndexUid)
	if err != nil {
		return task.Details{}, err
	}
	err = p.withResizeRetry(uuid, func(ref *indexmap.Ref) error {
		return p.deps.Store.ApplySettings(ref, t.Payload.Settings)
	})
	if err != nil {
		return task.Details{}, err
	}
	return task.Details{}, nil
}

// processTaskCancel marks every matching Enqueued task Canceled
// synchronously; Processing targets are left for the shared
// cancel_requested flag to catch at the next checkpoint (spec.md §4.E
// "Cancellation").
func (p *Processor) processTaskCancel(t *task.Task) (task.Details, error) {
	if t.Payload.CancelFilter == nil {
		return task.Details{}, nil
	}
	matches, err := p.deps.Queue.ListByFilter(t.Payload.CancelFilter)
	if err != nil {
		return task.Details{}, err
	}
	var canceled int64
	for _, target := range matches {
		if target.Status != task.Enqueued {
			continue
		}
		if err := p.deps.Queue.MarkTaskCanceled(target.ID, t.ID, time.Now()); err != nil {
			return task.Details{}, err
		}
		canceled++
	}
	return task.Details{CanceledTasks: canceled, MatchedTasks: int64(len(matches))}, nil
}

// applyDocumentsConcurrently splits docs into per-worker chunks and
// applies each chunk through the IndexStore concurrently, bounded by
// workers (spec.md §5 "one batch's CPU-bound document application"
// benefits from a worker pool). Grounded on golang.org/x/sync/errgroup
// as used for bounded fan-out elsewhere in the pack.
func (p *Processor) applyDocumentsConcurrently(ref *indexmap.Ref, workers int, merge task.MergeStrategy, docs []map[string]interface{}) (int64, error) {
	if workers < 1 {
		workers = 1
	}
	if len(docs) == 0 {
		return 0, nil
	}
	chunkSize := (len(docs) + workers - 1) / workers
	if chunkSize < 1 {
		chunkSize = 1
	}

	var totalWritten int64
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for start := 0; start < len(docs); start += chunkSize {
		end := start + chunkSize
		if end > len(docs) {
			end = len(docs)
		}
		chunk := docs[start:end]
		g.Go(func() (err error) {
			// A panic on a worker goroutine is out of runOne's recover()
			// reach; turn it into a ProcessingPanic error here instead.
			defer func() {
				if r := recover(); r != nil {
					err = common.ErrProcessingPanic(r)
				}
			}()
			if p.canceled() {
				return nil
			}
			n, err := p.deps.Store.AddOrUpdateDocuments(ref, merge, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			totalWritten += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return totalWritten, err
	}
	return totalWritten, nil
}
