package rpcapi

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
)

// Server hosts CollectorService and OrchestratorService over one mTLS
// listener, the way the teacher's main.go wires a single *http.Server per
// binary.
type Server struct {
	store  store.Store
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds a Server backed by st, listening on addr with the given
// TLS configuration. Call ListenAndServeTLS to start accepting connections.
func NewServer(addr string, tlsCfg *tls.Config, st store.Store, logger *slog.Logger) *Server {
	s := &Server{store: st, logger: logger}

	mux := http.NewServeMux()
	// CollectorService
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/submit_sys_stat", s.handleSubmitSysStat)
	mux.HandleFunc("/submit_trace_event", s.handleSubmitTraceEvent)
	// OrchestratorService — tasks
	mux.HandleFunc("/submit_task", s.handleSubmitTask)
	mux.HandleFunc("/update_task", s.handleUpdateTask)
	mux.HandleFunc("/get_tasks", s.handleGetTasks)
	// OrchestratorService — worker tasks
	mux.HandleFunc("/get_worker_task", s.handleGetWorkerTask)
	mux.HandleFunc("/update_worker_task", s.handleUpdateWorkerTask)
	// OrchestratorService — corpus
	mux.HandleFunc("/submit_corpus", s.handleSubmitCorpus)
	mux.HandleFunc("/get_corpus", s.handleGetCorpus)
	mux.HandleFunc("/delete_corpus", s.handleDeleteCorpus)
	// OrchestratorService — crash
	mux.HandleFunc("/submit_crash", s.handleSubmitCrash)
	mux.HandleFunc("/update_crash", s.handleUpdateCrash)
	mux.HandleFunc("/get_crashes", s.handleGetCrashes)
	// OrchestratorService — stats
	mux.HandleFunc("/submit_fuzz_stat", s.handleSubmitFuzzStat)

	s.http = &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}
	return s
}

// ListenAndServeTLS starts accepting connections. Cert/key are already
// baked into the server's TLSConfig, so empty strings are passed to
// ListenAndServeTLS per its documented contract for that case.
func (s *Server) ListenAndServeTLS() error {
	return s.http.ListenAndServeTLS("", "")
}

// Close shuts the server down immediately.
func (s *Server) Close() error { return s.http.Close() }

// Handler returns the underlying http.Handler, letting tests drive the RPC
// surface through httptest.NewServer/httptest.NewTLSServer without a real
// certificate-bearing listener.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req NewWorker
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	worker, err := s.store.UpsertWorker(r.Context(), req.UUID, req.CPUs, req.Memory)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, worker)
}

func (s *Server) handleSubmitSysStat(w http.ResponseWriter, r *http.Request) {
	var req NewSysStat
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	err := s.store.InsertSysStat(r.Context(), model.SysStat{
		WorkerID: req.WorkerID,
		CPUUsage: req.CPUUsage,
		MemUsage: req.MemUsage,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, nil)
}

func (s *Server) handleSubmitTraceEvent(w http.ResponseWriter, r *http.Request) {
	var req NewTraceEvent
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	err := s.store.InsertTraceEvent(r.Context(), model.TraceEvent{
		Message:  req.Message,
		Target:   req.Target,
		Level:    req.Level,
		WorkerID: req.WorkerID,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, nil)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req NewTask
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	if err := validateProfile(req.Profile); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	task, err := s.store.UpsertTask(r.Context(), req.Name, req.Profile)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req PatchTask
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	if req.Profile != nil {
		if err := validateProfile(*req.Profile); err != nil {
			httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
			return
		}
	}
	task, err := s.store.PatchTask(r.Context(), req.ID, req.Active, req.Profile)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, task)
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	var req FilterTask
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	tasks, err := s.store.FilterTasks(r.Context(), store.TaskFilter{Active: req.Active})
	if err != nil {
		httpError(w, err)
		return
	}
	if req.ID != nil {
		var filtered []model.Task
		for _, t := range tasks {
			if t.ID == *req.ID {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, tasks)
}

func (s *Server) handleGetWorkerTask(w http.ResponseWriter, r *http.Request) {
	var req FilterWorkerTask
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	wts, err := s.store.ListWorkerTasksFor(r.Context(), req.WorkerUUID, req.WorkerTaskIDs)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, wts)
}

func (s *Server) handleUpdateWorkerTask(w http.ResponseWriter, r *http.Request) {
	var req PatchWorkerTask
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	if err := s.store.SetWorkerTaskRunning(r.Context(), req.ID, req.Running); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, nil)
}

func (s *Server) handleSubmitCorpus(w http.ResponseWriter, r *http.Request) {
	var req NewCorpus
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	c, err := s.store.InsertCorpus(r.Context(), model.Corpus{
		Content:      req.Content,
		Checksum:     req.Checksum,
		Label:        req.Label,
		WorkerTaskID: req.WorkerTaskID,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleGetCorpus(w http.ResponseWriter, r *http.Request) {
	var req FilterCorpus
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	cs, err := s.store.QueryCorpus(r.Context(), corpusFilterToStore(req))
	if err != nil {
		httpError(w, err)
		return
	}
	if req.Latest {
		cs = latestCorpus(cs)
	}
	writeJSON(w, cs)
}

func (s *Server) handleDeleteCorpus(w http.ResponseWriter, r *http.Request) {
	var req FilterCorpus
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	// delete_corpus never cascades to crashes (§9 Open Question
	// resolution): crashes are independently addressable artifacts.
	n, err := s.store.DeleteCorpus(r.Context(), corpusFilterToStore(req))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]int{"deleted": n})
}

func (s *Server) handleSubmitCrash(w http.ResponseWriter, r *http.Request) {
	var req NewCrash
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	c, err := s.store.InsertCrash(r.Context(), model.Crash{
		Content:      req.Content,
		Checksum:     req.Checksum,
		Label:        req.Label,
		Verified:     req.Verified,
		Output:       req.Output,
		WorkerTaskID: req.WorkerTaskID,
		TaskID:       req.TaskID,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleUpdateCrash(w http.ResponseWriter, r *http.Request) {
	var req PatchCrash
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	c, err := s.store.PatchCrash(r.Context(), req.ID, store.CrashPatch{
		Verified:  req.Verified,
		Output:    req.Output,
		Duplicate: req.Duplicate,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleGetCrashes(w http.ResponseWriter, r *http.Request) {
	var req FilterCrash
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	cs, err := s.store.QueryCrash(r.Context(), crashFilterToStore(req))
	if err != nil {
		httpError(w, err)
		return
	}
	if req.Latest {
		cs = latestCrash(cs)
	}
	writeJSON(w, cs)
}

func (s *Server) handleSubmitFuzzStat(w http.ResponseWriter, r *http.Request) {
	var req NewFuzzStat
	if err := readJSON(r, &req); err != nil {
		httpError(w, fmt.Errorf("%w: %v", store.ErrConstraint, err))
		return
	}
	err := s.store.InsertFuzzStat(r.Context(), model.FuzzStat{
		WorkerTaskID:     req.WorkerTaskID,
		BranchCoverage:   req.BranchCoverage,
		LineCoverage:     req.LineCoverage,
		FunctionCoverage: req.FunctionCoverage,
		Execs:            req.Execs,
		Memory:           req.Memory,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, nil)
}
