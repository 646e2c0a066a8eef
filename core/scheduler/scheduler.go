// Package scheduler implements the Scheduler Loop (spec.md §4.E): the
// single-threaded cooperative driver that alternates
// wait -> batch -> process -> commit -> publish.
//
// Grounded on indexer/storage_manager.go's storageMgr.run(), a
// select-over-supervisor-channel loop with a shutdown case that drains
// and exits; generalized here from a single command dispatcher into the
// fixed five-step cycle spec.md names, with the Batcher and Processor
// standing in for storageMgr's per-message handlers.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/scoutdb/scout/core/batcher"
	"github.com/scoutdb/scout/core/logging"
	"github.com/scoutdb/scout/core/processor"
	"github.com/scoutdb/scout/core/task"
	"github.com/scoutdb/scout/core/taskqueue"
)

// Notifier wakes goroutines blocked on a task reaching a terminal state
// (spec.md §4.E "notifier.publish(batch.finished)"). Grounded on the
// teacher's snapshotWaiter pattern (indexer/storage_manager.go): a
// condition variable broadcast on every relevant state change, instead
// of a channel-per-waiter which would leak on an unobserved task.
type Notifier struct {
	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64
}

func NewNotifier() *Notifier {
	n := &Notifier{}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// Publish wakes every current waiter; called once per committed batch.
func (n *Notifier) Publish() {
	n.mu.Lock()
	n.gen++
	n.mu.Unlock()
	n.cond.Broadcast()
}

// WaitUntil blocks until check reports true or the notifier has
// broadcast at least once since entry and check is re-evaluated,
// repeating until satisfied. Callers use this to poll a task's terminal
// status without busy-looping.
func (n *Notifier) WaitUntil(check func() bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for !check() {
		n.cond.Wait()
	}
}

// Scheduler drives one instance's write pipeline. There is exactly one
// live Scheduler per data directory (spec.md §5 "Exactly one scheduler
// thread drives writes").
type Scheduler struct {
	Queue     *taskqueue.Store
	Processor *processor.Processor
	Limits    batcher.Limits
	Notifier  *Notifier

	// CancelRequested mirrors processor.Dependencies.CancelRequested;
	// the scheduler raises it when a TaskCancel targets a Processing
	// task's batch (spec.md §4.E "Cancellation").
	CancelRequested *int32

	wake     chan struct{}
	shutdown chan chan struct{}
	tick     time.Duration
}

// New constructs a Scheduler. tick is the periodic wake interval used to
// notice work enqueued without a direct Wake() call (e.g. a retried
// upgrade); pass 0 to disable periodic wakeups and rely on Wake alone.
func New(queue *taskqueue.Store, proc *processor.Processor, limits batcher.Limits, cancelRequested *int32, tick time.Duration) *Scheduler {
	return &Scheduler{
		Queue:           queue,
		Processor:       proc,
		Limits:          limits,
		Notifier:        NewNotifier(),
		CancelRequested: cancelRequested,
		wake:            make(chan struct{}, 1),
		shutdown:        make(chan chan struct{}),
		tick:            tick,
	}
}

// Wake signals the loop to re-evaluate the queue immediately, instead of
// waiting for the next periodic tick. Non-blocking: a pending wake
// coalesces with any signal already queued.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown requests a graceful stop and blocks until the loop has exited
// its current iteration and returned.
func (s *Scheduler) Shutdown() {
	done := make(chan struct{})
	s.shutdown <- done
	<-done
}

// Run is the loop itself (spec.md §4.E). It blocks until Shutdown is
// called. Intended to be launched with `go scheduler.Run()`.
func (s *Scheduler) Run() {
	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if s.tick > 0 {
		ticker = time.NewTicker(s.tick)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case done := <-s.shutdown:
			logging.Infof("scheduler: shutting down")
			close(done)
			return
		case <-s.wake:
		case <-tickCh:
		}

		for s.runOneBatch() {
			// Drain back-to-back batches before returning to
			// wait_for_signal, the same way storageMgr.run()
			// processes one command fully before selecting again.
		}
	}
}

// runOneBatch executes the batch/process/commit/publish portion of one
// cycle, returning true if a batch ran (so the caller can immediately
// look for more work without waiting for another signal).
func (s *Scheduler) runOneBatch() bool {
	enqueued, err := s.Queue.EnqueuedOldestFirst()
	if err != nil {
		logging.Errorf("scheduler: failed to list enqueued tasks: %v", err)
		return false
	}
	if len(enqueued) == 0 {
		return false
	}

	b := batcher.NextBatch(enqueued, s.Limits)
	if b == nil {
		return false
	}

	if err := s.Queue.StartBatch(b); err != nil {
		logging.Errorf("scheduler: failed to start batch: %v", err)
		return false
	}

	atomic.StoreInt32(s.CancelRequested, 0)

	start := time.Now()
	if err := s.Processor.Run(b); err != nil {
		logging.Errorf("scheduler: batch %d failed to commit: %v", b.ID, err)
	}
	logging.Infof("scheduler: batch %d finished in %s (%d tasks, stop=%s)",
		b.ID, time.Since(start), b.TaskIDs.GetCardinality(), b.StopReason)

	s.Notifier.Publish()
	return true
}

// RequestCancel implements the synchronous/asynchronous split of
// spec.md §4.E "Cancellation": Enqueued targets are marked Canceled
// immediately; a Processing target instead raises CancelRequested so the
// Processor observes it at its next checkpoint.
func (s *Scheduler) RequestCancel(cancelTaskID task.ID, targets []*task.Task, now time.Time) (canceled int64, err error) {
	for _, t := range targets {
		switch t.Status {
		case task.Enqueued:
			if err := s.Queue.MarkTaskCanceled(t.ID, cancelTaskID, now); err != nil {
				return canceled, err
			}
			canceled++
		case task.Processing:
			atomic.StoreInt32(s.CancelRequested, 1)
		}
	}
	return canceled, nil
}
