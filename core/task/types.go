// Package task defines Scout's data model (spec.md §3): the Task and
// Batch records, their status/kind enums, and the roaring-bitmap-backed
// task-id sets used throughout the Task Queue's secondary indexes.
package task

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
)

type ID uint32

type BatchID uint32

// Status progresses monotonically: Enqueued -> Processing ->
// {Succeeded, Failed, Canceled} (spec.md §3 invariant).
type Status int

const (
	Enqueued Status = iota
	Processing
	Succeeded
	Failed
	Canceled
)

func (s Status) String() string {
	switch s {
	case Enqueued:
		return "enqueued"
	case Processing:
		return "processing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one of {Succeeded, Failed, Canceled}.
func (s Status) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == Canceled
}

// Kind is the tagged-variant discriminant for Task.Kind (spec.md §3/§6).
type Kind int

const (
	KindIndexCreate Kind = iota
	KindIndexUpdate
	KindIndexDelete
	KindIndexSwap
	KindDocumentAddOrUpdate
	KindDocumentDeleteByIds
	KindDocumentDeleteByFilter
	KindDocumentEdit
	KindSettingsUpdate
	KindSnapshotCreate
	KindDumpCreate
	KindTaskCancel
	KindTaskDelete
	KindUpgradeDatabase
	KindIndexCompaction
)

func (k Kind) String() string {
	switch k {
	case KindIndexCreate:
		return "indexCreation"
	case KindIndexUpdate:
		return "indexUpdate"
	case KindIndexDelete:
		return "indexDeletion"
	case KindIndexSwap:
		return "indexSwap"
	case KindDocumentAddOrUpdate:
		return "documentAdditionOrUpdate"
	case KindDocumentDeleteByIds:
		return "documentDeletion"
	case KindDocumentDeleteByFilter:
		return "documentDeletionByFilter"
	case KindDocumentEdit:
		return "documentEdit"
	case KindSettingsUpdate:
		return "settingsUpdate"
	case KindSnapshotCreate:
		return "snapshotCreation"
	case KindDumpCreate:
		return "dumpCreation"
	case KindTaskCancel:
		return "taskCancelation"
	case KindTaskDelete:
		return "taskDeletion"
	case KindUpgradeDatabase:
		return "upgradeDatabase"
	case KindIndexCompaction:
		return "indexCompaction"
	default:
		return "unknown"
	}
}

// IsIndexAgnostic reports whether tasks of this kind never target a
// specific index_uid (spec.md §4.B rule 3 and the Batch invariant).
func (k Kind) IsIndexAgnostic() bool {
	switch k {
	case KindSnapshotCreate, KindDumpCreate, KindTaskCancel, KindTaskDelete:
		return true
	default:
		return false
	}
}

// MergeStrategy is DocumentAddOrUpdate's per-task setting (spec.md §4.C).
type MergeStrategy int

const (
	MergeReplace MergeStrategy = iota
	MergeUpdate
)

// SettingValue models a single Diff entry: Set(v) | Reset | NotSet
// (spec.md §4.C SettingsUpdate).
type SettingAction int

const (
	SettingNotSet SettingAction = iota
	SettingSet
	SettingReset
)

type SettingValue struct {
	Action SettingAction
	Value  interface{}
}

// Details carries kind-specific progress/counters (spec.md §3).
type Details struct {
	IndexedDocuments  int64 `json:"indexedDocuments,omitempty"`
	DeletedDocuments  int64 `json:"deletedDocuments,omitempty"`
	CanceledTasks     int64 `json:"canceledTasks,omitempty"`
	DeletedTasks      int64 `json:"deletedTasks,omitempty"`
	MatchedTasks      int64 `json:"matchedTasks,omitempty"`
	PrimaryKey        string `json:"primaryKey,omitempty"`
	SwappedIndexes    []string `json:"swappedIndexes,omitempty"`
	UpgradeFrom       string `json:"upgradeFrom,omitempty"`
	UpgradeTo         string `json:"upgradeTo,omitempty"`
}

// Payload is the kind-specific request body a Task carries, keyed by
// the wire shapes of spec.md §6.
type Payload struct {
	IndexUid           string
	NewIndexUid        string // IndexSwap's second index
	PrimaryKey         *string
	MergeStrategy      MergeStrategy
	AllowIndexCreation bool
	DocumentIds        []string
	Filter             string
	Settings           map[string]SettingValue
	UpgradeFrom        string
	UpgradeTo          string
	CancelFilter       *Filter
	DeleteFilter       *Filter
	PayloadRef         string // file_store uuid for staged ingestion payloads
	PayloadBytes       int64
}

// Task is an atomic unit of intent (spec.md §3).
type Task struct {
	ID          ID
	BatchID     *BatchID
	Kind        Kind
	Status      Status
	Payload     Payload
	Details     Details
	Error       *TaskError
	CanceledBy  *ID
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// TaskError is the user-visible shape of a Failed task (spec.md §7).
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Link    string `json:"link"`
}

// Validate checks the invariants of spec.md §3 that a single Task record
// must satisfy; called by the Task Queue's debug-mode consistency
// self-check (spec.md §4.D).
func (t *Task) Validate() error {
	if t.Status.IsTerminal() {
		if t.BatchID == nil {
			return errInvariant("terminal task %d has no batch_id", t.ID)
		}
		if t.FinishedAt == nil {
			return errInvariant("terminal task %d has no finished_at", t.ID)
		}
	} else if t.Status == Enqueued && t.BatchID != nil {
		return errInvariant("enqueued task %d has a batch_id", t.ID)
	}
	if t.Status == Failed && t.Error == nil {
		return errInvariant("failed task %d has no error", t.ID)
	}
	if t.StartedAt != nil && t.StartedAt.Before(t.EnqueuedAt) {
		return errInvariant("task %d started before it was enqueued", t.ID)
	}
	if t.FinishedAt != nil && t.StartedAt != nil && t.FinishedAt.Before(*t.StartedAt) {
		return errInvariant("task %d finished before it started", t.ID)
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(format string, args ...interface{}) error {
	return invariantError(fmt.Sprintf(format, args...))
}

// StopReason explains why the Batcher stopped accreting tasks into a
// batch (spec.md §4.B).
type StopReason int

const (
	StopReasonScheduleUpgrade StopReason = iota
	StopReasonCancelDrain
	StopReasonDumpOrSnapshotAlone
	StopReasonMaxTaskCount
	StopReasonIncompatibleKind
	StopReasonDifferentIndex
	StopReasonWeightExceeded
	StopReasonQueueDrained
)

func (r StopReason) String() string {
	switch r {
	case StopReasonScheduleUpgrade:
		return "schedule-upgrade-task-alone"
	case StopReasonCancelDrain:
		return "cancel-drained-alone"
	case StopReasonDumpOrSnapshotAlone:
		return "dump-or-snapshot-alone"
	case StopReasonMaxTaskCount:
		return "max-task-count"
	case StopReasonIncompatibleKind:
		return "incompatible-kind"
	case StopReasonDifferentIndex:
		return "different-index"
	case StopReasonWeightExceeded:
		return "weight-exceeded"
	case StopReasonQueueDrained:
		return "queue-drained"
	default:
		return "unknown"
	}
}

// BatchStats carries the per-status/per-kind/per-index counts (spec.md §3).
type BatchStats struct {
	ByStatus map[Status]int64
	ByKind   map[Kind]int64
	ByIndex  map[string]int64
}

func NewBatchStats() BatchStats {
	return BatchStats{
		ByStatus: make(map[Status]int64),
		ByKind:   make(map[Kind]int64),
		ByIndex:  make(map[string]int64),
	}
}

// Progress is a queryable phase/step snapshot for an in-flight batch
// (spec.md §6 Observability).
type Progress struct {
	Phase     string
	Step      string
	Processed int64
	Total     int64
	StartedAt time.Time
}

// Batch is a group of tasks processed as one transaction (spec.md §3).
type Batch struct {
	ID             BatchID
	TaskIDs        *roaring.Bitmap
	IndexUids      map[string]struct{} // empty iff index-agnostic
	EarliestEnqueuedAt time.Time
	OldestEnqueuedAt   time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Stats          BatchStats
	StopReason     StopReason
	Progress       Progress
}

// IsIndexAgnostic reports whether every task in the batch is index-
// agnostic (dumps/snapshots/cancels), per the Batch invariant (spec.md §3).
func (b *Batch) IsIndexAgnostic() bool {
	return len(b.IndexUids) == 0
}

// Filter is the combinable task-filter grammar of spec.md §6.
type Filter struct {
	UIDs             []ID
	BatchUIDs        []BatchID
	Statuses         []Status
	Kinds            []Kind
	CanceledBy       []ID
	IndexUIDs        []string
	BeforeEnqueuedAt *time.Time
	AfterEnqueuedAt  *time.Time
	BeforeStartedAt  *time.Time
	AfterStartedAt   *time.Time
	BeforeFinishedAt *time.Time
	AfterFinishedAt  *time.Time
}

// Match reports whether t satisfies every clause set on f (clauses left
// nil/empty are not filtered on; combinable per spec.md §6).
func (f *Filter) Match(t *Task) bool {
	if len(f.UIDs) > 0 && !containsID(f.UIDs, t.ID) {
		return false
	}
	if len(f.BatchUIDs) > 0 {
		if t.BatchID == nil || !containsBatchID(f.BatchUIDs, *t.BatchID) {
			return false
		}
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, t.Kind) {
		return false
	}
	if len(f.CanceledBy) > 0 {
		if t.CanceledBy == nil || !containsID(f.CanceledBy, *t.CanceledBy) {
			return false
		}
	}
	if len(f.IndexUIDs) > 0 && !containsString(f.IndexUIDs, t.Payload.IndexUid) {
		return false
	}
	if f.BeforeEnqueuedAt != nil && !t.EnqueuedAt.Before(*f.BeforeEnqueuedAt) {
		return false
	}
	if f.AfterEnqueuedAt != nil && !t.EnqueuedAt.After(*f.AfterEnqueuedAt) {
		return false
	}
	if f.BeforeStartedAt != nil && (t.StartedAt == nil || !t.StartedAt.Before(*f.BeforeStartedAt)) {
		return false
	}
	if f.AfterStartedAt != nil && (t.StartedAt == nil || !t.StartedAt.After(*f.AfterStartedAt)) {
		return false
	}
	if f.BeforeFinishedAt != nil && (t.FinishedAt == nil || !t.FinishedAt.Before(*f.BeforeFinishedAt)) {
		return false
	}
	if f.AfterFinishedAt != nil && (t.FinishedAt == nil || !t.FinishedAt.After(*f.AfterFinishedAt)) {
		return false
	}
	return true
}

func containsID(s []ID, v ID) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsBatchID(s []BatchID, v BatchID) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsStatus(s []Status, v Status) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsKind(s []Kind, v Kind) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
