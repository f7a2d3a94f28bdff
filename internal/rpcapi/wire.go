package rpcapi

import (
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
)

// NewWorker is the heartbeat request body.
type NewWorker struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name,omitempty"`
	CPUs   int    `json:"cpus"`
	Memory int64  `json:"memory"`
}

// NewSysStat is the submit_sys_stat request body.
type NewSysStat struct {
	WorkerID int64   `json:"worker_id"`
	CPUUsage float64 `json:"cpu_usage"`
	MemUsage float64 `json:"mem_usage"`
}

// NewTraceEvent is the submit_trace_event request body.
type NewTraceEvent struct {
	Message  string `json:"message"`
	Target   string `json:"target"`
	Level    string `json:"level"`
	WorkerID int64  `json:"worker_id"`
}

// NewTask is the submit_task request body.
type NewTask struct {
	Name    string `json:"name"`
	Profile string `json:"profile"`
}

// PatchTask is the update_task request body.
type PatchTask struct {
	ID      int64   `json:"id"`
	Active  *bool   `json:"active,omitempty"`
	Profile *string `json:"profile,omitempty"`
}

// FilterTask is the get_tasks request body.
type FilterTask struct {
	ID     *int64 `json:"id,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

// FilterWorkerTask is the get_worker_task request body.
type FilterWorkerTask struct {
	WorkerUUID     string  `json:"worker_uuid"`
	WorkerTaskIDs []int64 `json:"worker_task_ids,omitempty"`
}

// PatchWorkerTask is the update_worker_task request body.
type PatchWorkerTask struct {
	ID      int64 `json:"id"`
	Running bool  `json:"running"`
}

// NewCorpus is the submit_corpus request body.
type NewCorpus struct {
	Content      []byte `json:"content"`
	Checksum     string `json:"checksum"`
	Label        string `json:"label"`
	WorkerTaskID *int64 `json:"worker_task_id,omitempty"`
}

// FilterCorpus is the get_corpus/delete_corpus request body.
type FilterCorpus struct {
	Label           string    `json:"label"`
	CreatedAfter    time.Time `json:"created_after,omitempty"`
	NotWorkerTaskID *int64    `json:"not_worker_task_id,omitempty"`
	ForWorkerTaskID *int64    `json:"for_worker_task_id,omitempty"`
	Latest          bool      `json:"latest,omitempty"`
}

// NewCrash is the submit_crash request body.
type NewCrash struct {
	Content      []byte  `json:"content"`
	Checksum     string  `json:"checksum"`
	Label        string  `json:"label"`
	Verified     bool    `json:"verified"`
	Output       *string `json:"output,omitempty"`
	WorkerTaskID *int64  `json:"worker_task_id,omitempty"`
	TaskID       int64   `json:"task_id"`
}

// PatchCrash is the update_crash request body.
type PatchCrash struct {
	ID        int64   `json:"id"`
	Verified  *bool   `json:"verified,omitempty"`
	Output    *string `json:"output,omitempty"`
	Duplicate *int64  `json:"duplicate,omitempty"`
}

// FilterCrash is the get_crashes request body.
type FilterCrash struct {
	Label             string    `json:"label,omitempty"`
	Verified          *bool     `json:"verified,omitempty"`
	TaskID            *int64    `json:"task_id,omitempty"`
	Latest            bool      `json:"latest,omitempty"`
	CreatedAfter      time.Time `json:"created_after,omitempty"`
	DuplicateIncluded bool      `json:"duplicate,omitempty"`
}

// NewFuzzStat is the submit_fuzz_stat request body.
type NewFuzzStat struct {
	WorkerTaskID     int64  `json:"worker_task_id"`
	BranchCoverage   *int64 `json:"branch_coverage,omitempty"`
	LineCoverage     *int64 `json:"line_coverage,omitempty"`
	FunctionCoverage *int64 `json:"function_coverage,omitempty"`
	Execs            *int64 `json:"execs,omitempty"`
	Memory           *int64 `json:"memory,omitempty"`
}

// corpusFilterToStore converts the wire FilterCorpus into a store.CorpusFilter.
// Latest is handled by the caller after the store query returns, per the
// §9 Open Question resolution (latest applied after created_after narrows
// the candidate set).
func corpusFilterToStore(f FilterCorpus) store.CorpusFilter {
	return store.CorpusFilter{
		Label:           f.Label,
		CreatedAfter:    f.CreatedAfter,
		NotWorkerTaskID: f.NotWorkerTaskID,
		ForWorkerTaskID: f.ForWorkerTaskID,
	}
}

func crashFilterToStore(f FilterCrash) store.CrashFilter {
	return store.CrashFilter{
		Label:             f.Label,
		CreatedAfter:      f.CreatedAfter,
		Verified:          f.Verified,
		TaskID:            f.TaskID,
		DuplicateIncluded: f.DuplicateIncluded,
	}
}

func latestCorpus(cs []model.Corpus) []model.Corpus {
	if len(cs) == 0 {
		return cs
	}
	latest := cs[0]
	for _, c := range cs[1:] {
		if c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return []model.Corpus{latest}
}

func latestCrash(cs []model.Crash) []model.Crash {
	if len(cs) == 0 {
		return cs
	}
	latest := cs[0]
	for _, c := range cs[1:] {
		if c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return []model.Crash{latest}
}
