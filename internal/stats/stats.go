// Package stats implements the StatsCollector variants of spec.md §4.7,
// grounded on original_source/src/fuzz_driver/{libfuzzer,honggfuzz}.rs's
// log-tailing parsers and stats/lcov.rs's coverage-replay collector.
package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/executor"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
)

// lcovReplayPurpose disambiguates the replay executor this collector spins
// up every GetStat tick from the FuzzDriver's own main executor, which
// shares the same workerTaskID/scratchRoot: without it both would resolve
// to the same worker_task_<id> scratch cwd, and this collector's cleanup
// (os.RemoveAll below) would delete the live fuzzer's working directory.
const lcovReplayPurpose = "lcov_replay"

// tailLines matches the original's tail_n(path, N): read up to the last n
// lines of a (possibly large, append-only) log file.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return lines, nil
}

// lastMatch returns the last of the final tail lines of path that re
// matches, or "" if none of them does.
func lastMatch(path string, tail int, re *regexp.Regexp) (string, error) {
	lines, err := tailLines(path, tail)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("%s: empty log", path)
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if re.MatchString(lines[i]) {
			return lines[i], nil
		}
	}
	return "", nil
}

// Collector produces one FuzzStat sample per call, or nil if no sample is
// currently available (e.g. the log hasn't been written to yet).
type Collector interface {
	GetStat(ctx context.Context) (*model.FuzzStat, error)
}

// Runner drives a Collector at a fixed cadence and submits each non-nil
// sample, mirroring FuzzStatCollector::main_loop.
type Runner struct {
	client       *rpcapi.OrchestratorClient
	collector    Collector
	workerTaskID int64
	interval     time.Duration
	logger       *slog.Logger
}

// NewRunner constructs a Runner.
func NewRunner(client *rpcapi.OrchestratorClient, collector Collector, workerTaskID int64, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{client: client, collector: collector, workerTaskID: workerTaskID, interval: interval, logger: logger}
}

// Run ticks every r.interval, fetching and submitting one stat sample,
// until ctx is canceled. A collection or submission failure is logged and
// skipped, not fatal — stats are best-effort.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stat, err := r.collector.GetStat(ctx)
			if err != nil {
				if r.logger != nil {
					r.logger.Warn("stat collection failed", "error", err)
				}
				continue
			}
			if stat == nil {
				continue
			}
			req := &rpcapi.NewFuzzStat{
				WorkerTaskID:     r.workerTaskID,
				BranchCoverage:   stat.BranchCoverage,
				LineCoverage:     stat.LineCoverage,
				FunctionCoverage: stat.FunctionCoverage,
				Execs:            stat.Execs,
				Memory:           stat.Memory,
			}
			if err := r.client.SubmitFuzzStat(ctx, req); err != nil && r.logger != nil {
				r.logger.Error("stat submission failed", "error", err)
			}
		}
	}
}

var libfuzzerLogName = regexp.MustCompile(`^fuzz-\d+\.log$`)
var libfuzzerStatLine = regexp.MustCompile(`cov: (\d+) .* exec/s: (\d+) rss: (\d+)Mb`)

// LibFuzzerCollector averages the last matching stat line of each
// fuzz-<i>.log file in cwd across the configured instance count.
type LibFuzzerCollector struct {
	cwd       string
	instances int
}

// NewLibFuzzerCollector constructs a collector for a libFuzzer run with the
// given number of worker instances (one fuzz-<i>.log each).
func NewLibFuzzerCollector(cwd string, instances int) *LibFuzzerCollector {
	return &LibFuzzerCollector{cwd: cwd, instances: instances}
}

func (c *LibFuzzerCollector) GetStat(_ context.Context) (*model.FuzzStat, error) {
	entries, err := os.ReadDir(c.cwd)
	if err != nil {
		return nil, fmt.Errorf("read libfuzzer cwd: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && libfuzzerLogName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) < c.instances {
		return nil, nil
	}
	names = names[:c.instances]

	var sumCov, sumExecs, sumMem int64
	var n int64
	for _, name := range names {
		line, err := lastMatch(filepath.Join(c.cwd, name), 300, libfuzzerStatLine)
		if err != nil {
			continue
		}
		m := libfuzzerStatLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cov, _ := strconv.ParseInt(m[1], 10, 64)
		execs, _ := strconv.ParseInt(m[2], 10, 64)
		mem, _ := strconv.ParseInt(m[3], 10, 64)
		sumCov += cov
		sumExecs += execs
		sumMem += mem
		n++
	}
	if n == 0 {
		return nil, nil
	}
	cov, execs, mem := sumCov/n, sumExecs/n, sumMem/n
	return &model.FuzzStat{BranchCoverage: &cov, Execs: &execs, Memory: &mem}, nil
}

var (
	honggfuzzStatLine = regexp.MustCompile(`Tot:([0-9/]+)`)
	slashSplit        = regexp.MustCompile(`/`)
)

// HonggfuzzCollector tails honggfuzz.log and extracts the 4th
// slash-separated field of the last Tot:(...) line as branch coverage.
type HonggfuzzCollector struct {
	logPath string
}

// NewHonggfuzzCollector constructs a collector reading honggfuzz's own
// summary log at logPath (conventionally cwd/honggfuzz.log).
func NewHonggfuzzCollector(logPath string) *HonggfuzzCollector {
	return &HonggfuzzCollector{logPath: logPath}
}

func (c *HonggfuzzCollector) GetStat(_ context.Context) (*model.FuzzStat, error) {
	line, err := lastMatch(c.logPath, 100, honggfuzzStatLine)
	if err != nil {
		return nil, fmt.Errorf("tail honggfuzz log: %w", err)
	}
	m := honggfuzzStatLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("no Tot: stat in the last 100 lines of %s", c.logPath)
	}
	fields := slashSplit.Split(m[1], -1)
	if len(fields) != 6 {
		return nil, fmt.Errorf("unexpected honggfuzz Tot: field count in %q", m[1])
	}
	cov, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse honggfuzz branch coverage: %w", err)
	}
	return &model.FuzzStat{BranchCoverage: &cov}, nil
}

// LCovCollector downloads the 10 newest corpus entries for a label since
// its last sync, replays them through a configured executor expected to
// emit a *.lcov file, and sums LinesHit/BranchesHit/FunctionsHit across all
// produced reports.
type LCovCollector struct {
	client       *rpcapi.OrchestratorClient
	cfg          model.ExecutorConfig
	workerTaskID int64
	corpusLabel  string
	scratchRoot  string
	volumeMap    []config.VolumeMapping
	logger       *slog.Logger
	lastSync     time.Time
}

// NewLCovCollector constructs an LCovCollector.
func NewLCovCollector(client *rpcapi.OrchestratorClient, cfg model.ExecutorConfig, workerTaskID int64,
	corpusLabel, scratchRoot string, volumeMap []config.VolumeMapping, logger *slog.Logger) *LCovCollector {

	return &LCovCollector{
		client:       client,
		cfg:          cfg,
		workerTaskID: workerTaskID,
		corpusLabel:  corpusLabel,
		scratchRoot:  scratchRoot,
		volumeMap:    volumeMap,
		logger:       logger,
		lastSync:     time.Now(),
	}
}

const lcovReplayBatch = 10

func (c *LCovCollector) GetStat(ctx context.Context) (*model.FuzzStat, error) {
	since := c.lastSync
	c.lastSync = time.Now()

	entries, err := c.client.GetCorpus(ctx, &rpcapi.FilterCorpus{Label: c.corpusLabel, CreatedAfter: since})
	if err != nil {
		return nil, fmt.Errorf("list corpus for lcov replay: %w", err)
	}
	batch := *entries
	if len(batch) > lcovReplayBatch {
		batch = batch[len(batch)-lcovReplayBatch:]
	}

	exec, err := executor.New(c.cfg, c.workerTaskID, c.scratchRoot, lcovReplayPurpose, c.volumeMap, c.logger)
	if err != nil {
		return nil, fmt.Errorf("construct lcov replay executor: %w", err)
	}
	if err := exec.Setup(ctx); err != nil {
		return nil, fmt.Errorf("setup lcov replay executor: %w", err)
	}
	defer func() {
		exec.Close()
		os.RemoveAll(exec.CwdPath())
	}()

	for _, corp := range batch {
		dst := filepath.Join(exec.CwdPath(), corp.Checksum)
		if err := os.WriteFile(dst, corp.Content, 0o644); err != nil {
			return nil, fmt.Errorf("write replay corpus %s: %w", corp.Checksum, err)
		}
	}

	res, err := exec.SpawnBlocking(ctx)
	if err != nil {
		return nil, fmt.Errorf("run lcov replay: %w", err)
	}
	if res.ExitStatus != 0 && c.logger != nil {
		c.logger.Warn("lcov replay execution exited non-zero", "exit_status", res.ExitStatus)
	}

	dirEntries, err := os.ReadDir(exec.CwdPath())
	if err != nil {
		return nil, fmt.Errorf("read lcov replay cwd: %w", err)
	}

	var linesHit, branchesHit, functionsHit int64
	var found bool
	for _, e := range dirEntries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lcov" {
			continue
		}
		lh, bh, fh, err := parseLCov(filepath.Join(exec.CwdPath(), e.Name()))
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("lcov parse failed", "file", e.Name(), "error", err)
			}
			continue
		}
		linesHit += lh
		branchesHit += bh
		functionsHit += fh
		found = true
	}
	if !found {
		return nil, nil
	}
	return &model.FuzzStat{LineCoverage: &linesHit, BranchCoverage: &branchesHit, FunctionCoverage: &functionsHit}, nil
}

var (
	lcovDALine = regexp.MustCompile(`^DA:\d+,(\d+)`)
	lcovBRDA   = regexp.MustCompile(`^BRDA:\d+,\d+,\d+,(-|\d+)`)
	lcovFNDA   = regexp.MustCompile(`^FNDA:(\d+),`)
)

// parseLCov sums hit counts out of an lcov tracefile: a DA/BRDA/FNDA record
// with a non-zero (and, for BRDA, numeric-not-"-") hit count counts once.
func parseLCov(path string) (linesHit, branchesHit, functionsHit int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := lcovDALine.FindStringSubmatch(line); m != nil {
			if n, _ := strconv.ParseInt(m[1], 10, 64); n > 0 {
				linesHit++
			}
			continue
		}
		if m := lcovBRDA.FindStringSubmatch(line); m != nil {
			if m[1] != "-" {
				if n, _ := strconv.ParseInt(m[1], 10, 64); n > 0 {
					branchesHit++
				}
			}
			continue
		}
		if m := lcovFNDA.FindStringSubmatch(line); m != nil {
			if n, _ := strconv.ParseInt(m[1], 10, 64); n > 0 {
				functionsHit++
			}
			continue
		}
	}
	return linesHit, branchesHit, functionsHit, scanner.Err()
}
