// Command worker runs the WorkerTaskManager reconciliation loop: it
// registers with the master's CollectorService, then keeps its local set of
// running FuzzDriver processes in sync with whatever the Scheduler assigns
// it, via OrchestratorService.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/notify"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/telemetry"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/workertask"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v", err)
		return 1
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(config.AppDataDir, "logs", "worker.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     28,
		Compress:   true,
	}
	defer logFile.Close()
	baseHandler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGPIPE)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var handler slog.Handler = baseHandler
	if cfg.ShipTraceEvents {
		collectorClient, err := newCollectorClient(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build collector client: %v", err)
			return 1
		}
		handler = telemetry.NewHandler(ctx, baseHandler, collectorClient, 0, "worker_task_manager")
	}
	logger := slog.New(handler)

	go func() {
		<-sigChan
		logger.Info("received interrupt signal; shutting down gracefully")
		cancel()
	}()

	if err := runWorker(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", "error", err)
		return 1
	}

	logger.Info("worker exited")
	return 0
}

func newCollectorClient(cfg *config.WorkerConfig) (*rpcapi.CollectorClient, error) {
	tlsCfg, err := rpcapi.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("load client tls config: %w", err)
	}
	return rpcapi.NewCollectorClient(cfg.MasterAddr, tlsCfg), nil
}

// runWorker registers this worker with the master, then runs its
// WorkerTaskManager reconciliation loop and heartbeat ticker until ctx is
// canceled.
func runWorker(ctx context.Context, logger *slog.Logger, cfg *config.WorkerConfig) error {
	tlsCfg, err := rpcapi.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load client tls config: %w", err)
	}

	collectorClient := rpcapi.NewCollectorClient(cfg.MasterAddr, tlsCfg)
	orchestratorClient := rpcapi.NewOrchestratorClient(cfg.MasterAddr, tlsCfg)

	workerUUID := uuid.NewString()
	worker, err := collectorClient.Heartbeat(ctx, &rpcapi.NewWorker{
		UUID:   workerUUID,
		CPUs:   cfg.CPUs,
		Memory: cfg.Memory,
	})
	if err != nil {
		return fmt.Errorf("register with master: %w", err)
	}
	logger.Info("registered with master", "worker_uuid", worker.UUID, "cpus", cfg.CPUs)

	var notifier notify.CrashNotifier
	if cfg.CrashRepoURL != "" {
		n, err := notify.NewGitHubNotifier(cfg.CrashRepoURL, logger)
		if err != nil {
			return fmt.Errorf("build crash notifier: %w", err)
		}
		notifier = n
	}

	mgr := workertask.New(orchestratorClient, workerUUID, cfg.ScratchDir, cfg.HostVolumeMap, cfg.ReconcileInterval, logger, notifier)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mgr.Run(gctx) })
	group.Go(func() error { return heartbeat(gctx, collectorClient, worker.ID, cfg.HeartbeatInterval) })
	return group.Wait()
}

// heartbeat submits a SysStat every interval so the master's
// LastSysStatAt-based unreachable-worker check stays current. CPU/mem usage
// sampling is left as 0 for now; only the liveness signal is load-bearing.
func heartbeat(ctx context.Context, client *rpcapi.CollectorClient, workerID int64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := client.SubmitSysStat(ctx, &rpcapi.NewSysStat{WorkerID: workerID}); err != nil {
				return fmt.Errorf("submit sys stat: %w", err)
			}
		}
	}
}
