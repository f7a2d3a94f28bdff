// Package memstore provides an in-memory, mutex-protected implementation
// of store.Store. It is sufficient to drive the Scheduler and
// WorkerTaskManager in tests and in a single-process demo deployment; it
// carries no SQL driver dependency because the persistence layer itself is
// out of scope (see DESIGN.md).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	nextWorkerID     int64
	nextTaskID       int64
	nextWorkerTaskID int64
	nextCorpusID     int64
	nextCrashID      int64

	workers     map[int64]*model.Worker
	workersByID map[string]int64 // uuid -> id
	tasks       map[int64]*model.Task
	workerTasks map[int64]*model.WorkerTask
	corpus      map[int64]*model.Corpus
	crashes     map[int64]*model.Crash

	fuzzStats []model.FuzzStat
	sysStats  []model.SysStat
	traceEvts []model.TraceEvent
	lastSysAt map[int64]time.Time
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		workers:     make(map[int64]*model.Worker),
		workersByID: make(map[string]int64),
		tasks:       make(map[int64]*model.Task),
		workerTasks: make(map[int64]*model.WorkerTask),
		corpus:      make(map[int64]*model.Corpus),
		crashes:     make(map[int64]*model.Crash),
		lastSysAt:   make(map[int64]time.Time),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) UpsertWorker(_ context.Context, uuid string, cpus int, memory int64) (model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.workersByID[uuid]; ok {
		w := s.workers[id]
		w.CPUs = cpus
		w.Memory = memory
		w.Active = true
		w.UpdatedAt = now()
		return *w, nil
	}

	s.nextWorkerID++
	w := &model.Worker{
		ID:        s.nextWorkerID,
		UUID:      uuid,
		CPUs:      cpus,
		Memory:    memory,
		Active:    true,
		UpdatedAt: now(),
	}
	s.workers[w.ID] = w
	s.workersByID[uuid] = w.ID
	return *w, nil
}

func (s *Store) ListActiveWorkers(_ context.Context) ([]model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Worker
	for _, id := range sortedWorkerIDs(s.workers) {
		w := s.workers[id]
		if w.Active {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *Store) MarkWorkerInactive(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return store.NewError("mark_worker_inactive", store.KindNotFound, nil)
	}
	w.Active = false
	return nil
}

func (s *Store) ListActiveTasks(_ context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, id := range sortedTaskIDs(s.tasks) {
		t := s.tasks[id]
		if t.Active {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) UpsertTask(_ context.Context, name, profile string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.Name == name {
			t.Profile = profile
			t.Active = true
			t.UpdatedAt = now()
			return *t, nil
		}
	}

	s.nextTaskID++
	t := &model.Task{
		ID:        s.nextTaskID,
		Name:      name,
		Active:    true,
		Profile:   profile,
		UpdatedAt: now(),
	}
	s.tasks[t.ID] = t
	return *t, nil
}

func (s *Store) PatchTask(_ context.Context, id int64, active *bool, profile *string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, store.NewError("patch_task", store.KindNotFound, nil)
	}
	if active != nil {
		t.Active = *active
	}
	if profile != nil {
		t.Profile = *profile
	}
	t.UpdatedAt = now()
	return *t, nil
}

func (s *Store) FilterTasks(_ context.Context, f store.TaskFilter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, id := range sortedTaskIDs(s.tasks) {
		t := s.tasks[id]
		if f.Active != nil && t.Active != *f.Active {
			continue
		}
		if f.Name != "" && t.Name != f.Name {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) ListWorkerTasksFor(_ context.Context, workerUUID string, includeIDs []int64) ([]model.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	include := make(map[int64]bool, len(includeIDs))
	for _, id := range includeIDs {
		include[id] = true
	}

	workerID, hasWorker := s.workersByID[workerUUID]

	var out []model.WorkerTask
	for _, id := range sortedWorkerTaskIDs(s.workerTasks) {
		wt := s.workerTasks[id]
		task, taskOK := s.tasks[wt.TaskID]
		matchesWorker := hasWorker && wt.WorkerID == workerID && taskOK && task.Active
		if matchesWorker || include[wt.ID] {
			out = append(out, s.hydrate(*wt))
		}
	}
	return out, nil
}

func (s *Store) ListWorkerTasksForTask(_ context.Context, taskID int64) ([]model.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.WorkerTask
	for _, id := range sortedWorkerTaskIDs(s.workerTasks) {
		wt := s.workerTasks[id]
		if wt.TaskID == taskID {
			out = append(out, s.hydrate(*wt))
		}
	}
	return out, nil
}

func (s *Store) ListWorkerTasksForWorker(_ context.Context, workerID int64) ([]model.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.WorkerTask
	for _, id := range sortedWorkerTaskIDs(s.workerTasks) {
		wt := s.workerTasks[id]
		if wt.WorkerID == workerID {
			out = append(out, s.hydrate(*wt))
		}
	}
	return out, nil
}

func (s *Store) hydrate(wt model.WorkerTask) model.WorkerTask {
	if t, ok := s.tasks[wt.TaskID]; ok {
		wt.Task = *t
	}
	if w, ok := s.workers[wt.WorkerID]; ok {
		wt.Worker = *w
	}
	return wt
}

func (s *Store) SumActiveCPUsForWorker(_ context.Context, workerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumActiveCPUsForWorkerLocked(workerID), nil
}

func (s *Store) sumActiveCPUsForWorkerLocked(workerID int64) int {
	sum := 0
	for _, wt := range s.workerTasks {
		if wt.WorkerID == workerID && wt.Active {
			sum += wt.CPUs
		}
	}
	return sum
}

func (s *Store) SumActiveCPUsForTask(_ context.Context, taskID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := 0
	for _, wt := range s.workerTasks {
		if wt.TaskID == taskID && wt.Active {
			sum += wt.CPUs
		}
	}
	return sum, nil
}

func (s *Store) FindInactiveWorkerTask(_ context.Context, taskID int64, cpus int) (*model.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range sortedWorkerTaskIDs(s.workerTasks) {
		wt := s.workerTasks[id]
		if wt.TaskID != taskID || wt.Active || wt.CPUs != cpus {
			continue
		}
		w, ok := s.workers[wt.WorkerID]
		if !ok || !w.Active {
			continue
		}
		free := w.CPUs - s.sumActiveCPUsForWorkerLocked(w.ID)
		if free >= cpus {
			found := *wt
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateWorkerTask(_ context.Context, taskID, workerID int64, cpus int) (model.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextWorkerTaskID++
	wt := &model.WorkerTask{
		ID:        s.nextWorkerTaskID,
		TaskID:    taskID,
		WorkerID:  workerID,
		CPUs:      cpus,
		Active:    true,
		CreatedAt: now(),
	}
	s.workerTasks[wt.ID] = wt
	return *wt, nil
}

func (s *Store) SetWorkerTaskActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, ok := s.workerTasks[id]
	if !ok {
		return store.NewError("set_worker_task_active", store.KindNotFound, nil)
	}
	wt.Active = active
	return nil
}

func (s *Store) SetWorkerTaskRunning(_ context.Context, id int64, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, ok := s.workerTasks[id]
	if !ok {
		return store.NewError("set_worker_task_running", store.KindNotFound, nil)
	}
	wt.Running = running
	return nil
}

func (s *Store) ListFreeCPUs(_ context.Context) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]int, len(s.workers))
	for id, w := range s.workers {
		if !w.Active {
			continue
		}
		out[id] = w.CPUs - s.sumActiveCPUsForWorkerLocked(id)
	}
	return out, nil
}

func (s *Store) InsertCorpus(_ context.Context, c model.Corpus) (model.Corpus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Deduplicate by checksum within the label, matching the master's
	// at-least-once upload contract.
	for _, existing := range s.corpus {
		if existing.Checksum == c.Checksum && existing.Label == c.Label {
			return *existing, nil
		}
	}

	s.nextCorpusID++
	c.ID = s.nextCorpusID
	c.CreatedAt = now()
	cp := c
	s.corpus[c.ID] = &cp
	return cp, nil
}

func (s *Store) QueryCorpus(_ context.Context, f store.CorpusFilter) ([]model.Corpus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Corpus
	for _, id := range sortedCorpusIDs(s.corpus) {
		c := s.corpus[id]
		if f.Label != "" && c.Label != f.Label {
			continue
		}
		if !f.CreatedAfter.IsZero() && !c.CreatedAt.After(f.CreatedAfter) {
			continue
		}
		if f.NotWorkerTaskID != nil && c.WorkerTaskID != nil && *c.WorkerTaskID == *f.NotWorkerTaskID {
			continue
		}
		if f.ForWorkerTaskID != nil && (c.WorkerTaskID == nil || *c.WorkerTaskID != *f.ForWorkerTaskID) {
			continue
		}
		all = append(all, *c)
	}

	// "latest" ordering is applied by callers after created_after has
	// filtered the candidate set; here we simply return creation order.
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *Store) DeleteCorpus(_ context.Context, f store.CorpusFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.corpus {
		if f.Label != "" && c.Label != f.Label {
			continue
		}
		if f.ForWorkerTaskID != nil && (c.WorkerTaskID == nil || *c.WorkerTaskID != *f.ForWorkerTaskID) {
			continue
		}
		delete(s.corpus, id)
		n++
	}
	return n, nil
}

func (s *Store) InsertCrash(_ context.Context, c model.Crash) (model.Crash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.crashes {
		if existing.Checksum == c.Checksum && existing.TaskID == c.TaskID {
			return *existing, nil
		}
	}

	s.nextCrashID++
	c.ID = s.nextCrashID
	c.CreatedAt = now()
	cp := c
	s.crashes[c.ID] = &cp
	return cp, nil
}

func (s *Store) PatchCrash(_ context.Context, id int64, p store.CrashPatch) (model.Crash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.crashes[id]
	if !ok {
		return model.Crash{}, store.NewError("patch_crash", store.KindNotFound, nil)
	}
	if p.Verified != nil {
		c.Verified = *p.Verified
	}
	if p.Output != nil {
		c.Output = p.Output
	}
	if p.Duplicate != nil {
		c.Duplicate = p.Duplicate
	}
	return *c, nil
}

func (s *Store) QueryCrash(_ context.Context, f store.CrashFilter) ([]model.Crash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Crash
	for _, id := range sortedCrashIDs(s.crashes) {
		c := s.crashes[id]
		if f.Label != "" && c.Label != f.Label {
			continue
		}
		if !f.CreatedAfter.IsZero() && !c.CreatedAt.After(f.CreatedAfter) {
			continue
		}
		if f.NotWorkerTaskID != nil && c.WorkerTaskID != nil && *c.WorkerTaskID == *f.NotWorkerTaskID {
			continue
		}
		if f.ForWorkerTaskID != nil && (c.WorkerTaskID == nil || *c.WorkerTaskID != *f.ForWorkerTaskID) {
			continue
		}
		if f.Verified != nil && c.Verified != *f.Verified {
			continue
		}
		if f.TaskID != nil && c.TaskID != *f.TaskID {
			continue
		}
		if !f.DuplicateIncluded && c.Duplicate != nil {
			continue
		}
		all = append(all, *c)
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *Store) InsertFuzzStat(_ context.Context, fs model.FuzzStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs.CreatedAt = now()
	s.fuzzStats = append(s.fuzzStats, fs)
	return nil
}

func (s *Store) InsertSysStat(_ context.Context, st model.SysStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.CreatedAt = now()
	s.sysStats = append(s.sysStats, st)
	s.lastSysAt[st.WorkerID] = st.CreatedAt
	return nil
}

func (s *Store) InsertTraceEvent(_ context.Context, e model.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = now()
	s.traceEvts = append(s.traceEvts, e)
	return nil
}

func (s *Store) DeleteSysStatsOlderThan(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sysStats[:0]
	n := 0
	for _, st := range s.sysStats {
		if st.CreatedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, st)
	}
	s.sysStats = kept
	return n, nil
}

func (s *Store) DeleteTraceEventsOlderThan(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.traceEvts[:0]
	n := 0
	for _, e := range s.traceEvts {
		if e.CreatedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.traceEvts = kept
	return n, nil
}

func (s *Store) LastSysStatAt(_ context.Context, workerID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lastSysAt[workerID]
	return t, ok, nil
}

// now is overridable in tests via the package-level clock var below.
func now() time.Time { return clock() }

// clock defaults to time.Now; tests may override it to make time-dependent
// scheduler/pruning behavior deterministic.
var clock = time.Now

// SetClockForTest overrides the store's time source. Restore it (e.g. via
// t.Cleanup) before the test ends.
func SetClockForTest(fn func() time.Time) { clock = fn }

func sortedWorkerIDs(m map[int64]*model.Worker) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedTaskIDs(m map[int64]*model.Task) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedWorkerTaskIDs(m map[int64]*model.WorkerTask) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedCorpusIDs(m map[int64]*model.Corpus) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedCrashIDs(m map[int64]*model.Crash) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
