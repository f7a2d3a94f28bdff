// Package store defines the persistence contract the scheduler and
// worker-facing interface depend on. The SQL persistence layer itself is
// out of scope (the layer can be swapped for a real database without
// touching any caller); this package only defines the query set and ships
// one in-memory implementation in the memstore subpackage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
)

// Kind classifies a StoreError the way spec.md §4.1/§7 requires: callers
// branch on Kind via errors.Is against the sentinel Err* values below.
type Kind int

const (
	// KindUnavailable means the store could not be reached; retry at the
	// caller's cadence.
	KindUnavailable Kind = iota
	// KindConstraint means the write violated a data invariant.
	KindConstraint
	// KindNotFound means the referenced row does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindConstraint:
		return "constraint"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// StoreError wraps an underlying cause with a Kind so callers can branch
// with errors.Is(err, store.ErrUnavailable) etc.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is implements errors.Is support against the three sentinel kinds: two
// *StoreError values compare equal for errors.Is purposes when their Kind
// matches, regardless of Op/Err.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons. Construct with NewError to
// attach an Op and underlying cause.
var (
	ErrUnavailable = &StoreError{Kind: KindUnavailable}
	ErrConstraint  = &StoreError{Kind: KindConstraint}
	ErrNotFound    = &StoreError{Kind: KindNotFound}
)

// NewError builds a StoreError for the given operation and cause.
func NewError(op string, kind Kind, err error) error {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsNotFound is a convenience wrapper around errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CorpusFilter narrows a corpus query. Zero values mean "no filter" except
// where noted.
type CorpusFilter struct {
	Label           string
	CreatedAfter    time.Time
	NotWorkerTaskID *int64
	ForWorkerTaskID *int64
	Limit           int
}

// CrashFilter narrows a crash query, analogous to CorpusFilter plus the
// crash-specific fields.
type CrashFilter struct {
	Label             string
	CreatedAfter      time.Time
	NotWorkerTaskID   *int64
	ForWorkerTaskID   *int64
	Limit             int
	Verified          *bool
	TaskID            *int64
	DuplicateIncluded bool
}

// CrashPatch describes a partial update to a Crash row.
type CrashPatch struct {
	Verified  *bool
	Output    *string
	Duplicate *int64
}

// TaskFilter narrows filter_tasks.
type TaskFilter struct {
	Active *bool
	Name   string
}

// Store is the full query set the scheduler, worker RPC surface, and CLI
// consume. Every method returns a *StoreError on failure.
type Store interface {
	// Workers
	UpsertWorker(ctx context.Context, uuid string, cpus int, memory int64) (model.Worker, error)
	ListActiveWorkers(ctx context.Context) ([]model.Worker, error)
	MarkWorkerInactive(ctx context.Context, id int64) error

	// Tasks
	ListActiveTasks(ctx context.Context) ([]model.Task, error)
	UpsertTask(ctx context.Context, name, profile string) (model.Task, error)
	PatchTask(ctx context.Context, id int64, active *bool, profile *string) (model.Task, error)
	FilterTasks(ctx context.Context, f TaskFilter) ([]model.Task, error)

	// WorkerTasks
	ListWorkerTasksFor(ctx context.Context, workerUUID string, includeIDs []int64) ([]model.WorkerTask, error)
	// ListWorkerTasksForTask and ListWorkerTasksForWorker are the
	// Scheduler's fleet-wide views (by internal ID rather than worker
	// UUID), used for revocation and unreachable-worker deactivation —
	// distinct from ListWorkerTasksFor, which is scoped to one worker's
	// own reconciliation loop.
	ListWorkerTasksForTask(ctx context.Context, taskID int64) ([]model.WorkerTask, error)
	ListWorkerTasksForWorker(ctx context.Context, workerID int64) ([]model.WorkerTask, error)
	SumActiveCPUsForWorker(ctx context.Context, workerID int64) (int, error)
	SumActiveCPUsForTask(ctx context.Context, taskID int64) (int, error)
	FindInactiveWorkerTask(ctx context.Context, taskID int64, cpus int) (*model.WorkerTask, error)
	CreateWorkerTask(ctx context.Context, taskID, workerID int64, cpus int) (model.WorkerTask, error)
	SetWorkerTaskActive(ctx context.Context, id int64, active bool) error
	// SetWorkerTaskRunning records a FuzzDriver's own liveness signal,
	// independent of the Scheduler-owned active flag: update_worker_task
	// is a driver self-report, not an allocation decision.
	SetWorkerTaskRunning(ctx context.Context, id int64, running bool) error
	ListFreeCPUs(ctx context.Context) (map[int64]int, error)

	// Corpus
	InsertCorpus(ctx context.Context, c model.Corpus) (model.Corpus, error)
	QueryCorpus(ctx context.Context, f CorpusFilter) ([]model.Corpus, error)
	DeleteCorpus(ctx context.Context, f CorpusFilter) (int, error)

	// Crash
	InsertCrash(ctx context.Context, c model.Crash) (model.Crash, error)
	PatchCrash(ctx context.Context, id int64, p CrashPatch) (model.Crash, error)
	QueryCrash(ctx context.Context, f CrashFilter) ([]model.Crash, error)

	// Metrics
	InsertFuzzStat(ctx context.Context, s model.FuzzStat) error
	InsertSysStat(ctx context.Context, s model.SysStat) error
	InsertTraceEvent(ctx context.Context, e model.TraceEvent) error
	DeleteSysStatsOlderThan(ctx context.Context, t time.Time) (int, error)
	DeleteTraceEventsOlderThan(ctx context.Context, t time.Time) (int, error)

	// LastSysStatAt returns the most recent SysStat timestamp for a worker,
	// used by the Scheduler's unreachable-worker check. ok is false if the
	// worker has never reported.
	LastSysStatAt(ctx context.Context, workerID int64) (t time.Time, ok bool, err error)
}
