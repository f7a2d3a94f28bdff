// Command master runs the Scheduler and the RPC interface both workers and
// operators talk to: CollectorService (heartbeats, stats, trace events) and
// OrchestratorService (tasks, worker tasks, corpus, crashes).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/blobstore"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/scheduler"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadMasterConfig()
	if err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v", err)
		return 1
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(config.AppDataDir, "logs", "master.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     28,
		Compress:   true,
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGPIPE)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received interrupt signal; shutting down gracefully")
		cancel()
	}()

	if err := runMaster(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("master exited with error", "error", err)
		return 1
	}

	logger.Info("master exited")
	return 0
}

// runMaster wires the Store, Scheduler, RPC server, and optional Archiver
// together and runs them until ctx is canceled.
func runMaster(ctx context.Context, logger *slog.Logger, cfg *config.MasterConfig) error {
	st := memstore.New()

	unreachableAfter := cfg.HeartbeatInterval * config.UnreachableMultiplier
	sched := scheduler.New(st, cfg.SchedulerInterval, unreachableAfter, cfg.RetentionPeriod, logger)

	tlsCfg, err := rpcapi.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load server tls config: %w", err)
	}
	server := rpcapi.NewServer(cfg.ListenAddr, tlsCfg, st, logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		return server.Close()
	})
	group.Go(func() error {
		if err := server.ListenAndServeTLS(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})

	if cfg.ArchiveBucket != "" {
		archiver, err := blobstore.New(ctx, st, cfg.ArchiveBucket, cfg.ArchiveInterval, logger)
		if err != nil {
			return fmt.Errorf("build archiver: %w", err)
		}
		group.Go(func() error { return archiver.Run(gctx) })
	} else {
		logger.Info("content archival disabled: no --archive-bucket configured")
	}

	return group.Wait()
}
