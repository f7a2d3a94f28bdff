// Package model defines the entities of the fuzzing fleet's data model:
// workers, tasks, worker_tasks, corpus, crashes, and the metric rows the
// fleet accumulates. These are plain data carriers; the Store interface
// (internal/store) owns their persistence.
package model

import "time"

// Worker is a fuzzing host that has heartbeat at least once.
type Worker struct {
	ID        int64
	UUID      string
	Name      string
	CPUs      int
	Memory    int64
	Active    bool
	UpdatedAt time.Time
}

// Task is an operator-declared fuzzing campaign.
type Task struct {
	ID        int64
	Name      string
	Active    bool
	Profile   string // opaque serialized FuzzConfig, see profile.go
	UpdatedAt time.Time
}

// WorkerTask is one CPU-slot reservation of a Task on a Worker.
type WorkerTask struct {
	ID        int64
	TaskID    int64
	WorkerID  int64
	CPUs      int
	Active    bool // Scheduler-owned: is this CPU-slot reservation assigned
	Running   bool // driver-reported: is a FuzzDriver currently attached
	CreatedAt time.Time

	// Denormalized convenience fields populated by queries that join
	// against tasks/workers (e.g. list_worker_tasks_for). Zero value
	// means "not populated by this query".
	Task   Task
	Worker Worker
}

// Corpus is one immutable seed input.
type Corpus struct {
	ID            int64
	Content       []byte
	Checksum      string // SHA256(content), hex-lowercase
	Label         string
	WorkerTaskID  *int64 // nil for operator uploads
	CreatedAt     time.Time
}

// Crash is one input that caused the target under test to fail.
type Crash struct {
	ID           int64
	Content      []byte
	Checksum     string
	Label        string
	Verified     bool
	Output       *string
	WorkerTaskID *int64
	Duplicate    *int64 // points to an earlier verified Crash.ID
	TaskID       int64
	CreatedAt    time.Time
}

// FuzzStat is one append-only metric sample emitted by a StatsCollector.
type FuzzStat struct {
	WorkerTaskID     int64
	BranchCoverage   *int64
	LineCoverage     *int64
	FunctionCoverage *int64
	Execs            *int64
	Memory           *int64
	CreatedAt        time.Time
}

// SysStat is a periodic worker resource sample.
type SysStat struct {
	WorkerID  int64
	CPUUsage  float64
	MemUsage  float64
	CreatedAt time.Time
}

// TraceEvent is one network-shipped log event.
type TraceEvent struct {
	Message   string
	Target    string
	Level     string
	WorkerID  int64
	CreatedAt time.Time
}
