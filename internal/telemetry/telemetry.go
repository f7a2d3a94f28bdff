// Package telemetry gives the TraceEvent row of spec.md §3/§6 a producer:
// a slog.Handler wrapper that mirrors every Record it handles onto
// CollectorService's submit_trace_event RPC, in addition to writing it
// through the wrapped local handler, the way the teacher's main.go treats
// logging as a side effect threaded explicitly rather than package-global
// state.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
)

// shipBuffer bounds how many in-flight Records may be queued for shipping
// before Handle starts dropping them; logging must never block on the
// network.
const shipBuffer = 256

type shipped struct {
	message string
	level   string
}

// Handler wraps an existing slog.Handler, forwarding every Record to it
// unchanged and additionally best-effort-shipping it to the master.
type Handler struct {
	inner    slog.Handler
	client   *rpcapi.CollectorClient
	workerID int64
	target   string
	ch       chan shipped
}

// NewHandler builds a Handler. target names the component whose Records
// this handler ships (e.g. "worker_task_manager", "fuzz_driver"); ctx
// governs the lifetime of the background shipping goroutine.
func NewHandler(ctx context.Context, inner slog.Handler, client *rpcapi.CollectorClient, workerID int64, target string) *Handler {
	h := &Handler{
		inner:    inner,
		client:   client,
		workerID: workerID,
		target:   target,
		ch:       make(chan shipped, shipBuffer),
	}
	go h.run(ctx)
	return h
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	select {
	case h.ch <- shipped{message: r.Message, level: r.Level.String()}:
	default:
		// Buffer full: the local handler already has the record: drop
		// the network copy rather than block the caller.
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs), client: h.client, workerID: h.workerID, target: h.target, ch: h.ch}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), client: h.client, workerID: h.workerID, target: h.target, ch: h.ch}
}

func (h *Handler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.ch:
			_ = h.client.SubmitTraceEvent(ctx, &rpcapi.NewTraceEvent{
				Message:  s.message,
				Target:   h.target,
				Level:    s.level,
				WorkerID: h.workerID,
			})
		}
	}
}
