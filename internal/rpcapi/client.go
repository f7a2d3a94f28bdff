package rpcapi

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
)

// CollectorClient wraps postJSON calls against CollectorService, the way
// ReporterClient wraps the reporter endpoints.
type CollectorClient struct {
	baseURL string
	http    *http.Client
}

// NewCollectorClient builds a CollectorClient talking to baseURL over the
// given TLS configuration.
func NewCollectorClient(baseURL string, tlsCfg *tls.Config) *CollectorClient {
	return &CollectorClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient(tlsCfg)}
}

func (c *CollectorClient) Heartbeat(ctx context.Context, req *NewWorker) (*model.Worker, error) {
	return postJSON[NewWorker, model.Worker](ctx, c.http, c.baseURL+"/heartbeat", req)
}

func (c *CollectorClient) SubmitSysStat(ctx context.Context, req *NewSysStat) error {
	_, err := postJSON[NewSysStat, any](ctx, c.http, c.baseURL+"/submit_sys_stat", req)
	return err
}

func (c *CollectorClient) SubmitTraceEvent(ctx context.Context, req *NewTraceEvent) error {
	_, err := postJSON[NewTraceEvent, any](ctx, c.http, c.baseURL+"/submit_trace_event", req)
	return err
}

// OrchestratorClient wraps postJSON calls against OrchestratorService.
type OrchestratorClient struct {
	baseURL string
	http    *http.Client
}

// NewOrchestratorClient builds an OrchestratorClient talking to baseURL
// over the given TLS configuration.
func NewOrchestratorClient(baseURL string, tlsCfg *tls.Config) *OrchestratorClient {
	return &OrchestratorClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient(tlsCfg)}
}

func (c *OrchestratorClient) SubmitTask(ctx context.Context, req *NewTask) (*model.Task, error) {
	return postJSON[NewTask, model.Task](ctx, c.http, c.baseURL+"/submit_task", req)
}

func (c *OrchestratorClient) UpdateTask(ctx context.Context, req *PatchTask) (*model.Task, error) {
	return postJSON[PatchTask, model.Task](ctx, c.http, c.baseURL+"/update_task", req)
}

func (c *OrchestratorClient) GetTasks(ctx context.Context, req *FilterTask) (*[]model.Task, error) {
	return postJSON[FilterTask, []model.Task](ctx, c.http, c.baseURL+"/get_tasks", req)
}

func (c *OrchestratorClient) GetWorkerTask(ctx context.Context, req *FilterWorkerTask) (*[]model.WorkerTask, error) {
	return postJSON[FilterWorkerTask, []model.WorkerTask](ctx, c.http, c.baseURL+"/get_worker_task", req)
}

func (c *OrchestratorClient) UpdateWorkerTask(ctx context.Context, req *PatchWorkerTask) error {
	_, err := postJSON[PatchWorkerTask, any](ctx, c.http, c.baseURL+"/update_worker_task", req)
	return err
}

func (c *OrchestratorClient) SubmitCorpus(ctx context.Context, req *NewCorpus) (*model.Corpus, error) {
	return postJSON[NewCorpus, model.Corpus](ctx, c.http, c.baseURL+"/submit_corpus", req)
}

func (c *OrchestratorClient) GetCorpus(ctx context.Context, req *FilterCorpus) (*[]model.Corpus, error) {
	return postJSON[FilterCorpus, []model.Corpus](ctx, c.http, c.baseURL+"/get_corpus", req)
}

func (c *OrchestratorClient) DeleteCorpus(ctx context.Context, req *FilterCorpus) error {
	_, err := postJSON[FilterCorpus, any](ctx, c.http, c.baseURL+"/delete_corpus", req)
	return err
}

func (c *OrchestratorClient) SubmitCrash(ctx context.Context, req *NewCrash) (*model.Crash, error) {
	return postJSON[NewCrash, model.Crash](ctx, c.http, c.baseURL+"/submit_crash", req)
}

func (c *OrchestratorClient) UpdateCrash(ctx context.Context, req *PatchCrash) (*model.Crash, error) {
	return postJSON[PatchCrash, model.Crash](ctx, c.http, c.baseURL+"/update_crash", req)
}

func (c *OrchestratorClient) GetCrashes(ctx context.Context, req *FilterCrash) (*[]model.Crash, error) {
	return postJSON[FilterCrash, []model.Crash](ctx, c.http, c.baseURL+"/get_crashes", req)
}

func (c *OrchestratorClient) SubmitFuzzStat(ctx context.Context, req *NewFuzzStat) error {
	_, err := postJSON[NewFuzzStat, any](ctx, c.http, c.baseURL+"/submit_fuzz_stat", req)
	return err
}
