// Package config loads MasterConfig and WorkerConfig the same two-pass way
// as the teacher: an optional INI file first, then command-line flags that
// override it. Nothing here is read from package-level globals once
// loaded; callers thread the returned value explicitly (see SPEC_FULL.md
// §4.A, §9 "Global mutable configuration").
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	// AppDirName names the per-OS application data directory both
	// binaries share for their default config file location.
	AppDirName = "go-fuzzfleet"

	// MasterConfigFilename is the default master config file name.
	MasterConfigFilename = "master.conf"

	// WorkerConfigFilename is the default worker config file name.
	WorkerConfigFilename = "worker.conf"

	// DefaultSchedulerInterval is the Scheduler's fixed tick period.
	DefaultSchedulerInterval = 10 * time.Second

	// DefaultReconcileInterval is the WorkerTaskManager's fixed tick
	// period.
	DefaultReconcileInterval = 5 * time.Second

	// DefaultHeartbeatInterval is how often a worker reports a SysStat.
	DefaultHeartbeatInterval = 10 * time.Second

	// UnreachableMultiplier is how many heartbeat intervals may elapse
	// before the Scheduler considers a worker unreachable (§4.10).
	UnreachableMultiplier = 25

	// RetentionPeriod is how long SysStat/TraceEvent rows are kept
	// before the Scheduler prunes them (§4.10).
	RetentionPeriod = 7 * 24 * time.Hour
)

// AppDataDir is the base directory both binaries look in for their
// default config file, mirroring the teacher's GoContinuousFuzzDir.
var AppDataDir = btcutil.AppDataDir(AppDirName, false)

// TLSConfig is the mTLS material shared by both binaries: the CA bundle
// used to verify peers, and this process's own certificate/key presented
// to the other side.
type TLSConfig struct {
	CACertPath string `long:"ca-cert-path" description:"Path to the CA certificate used to verify peer certificates" required:"true"`
	CertPath   string `long:"cert-path" description:"Path to this process's TLS certificate" required:"true"`
	KeyPath    string `long:"key-path" description:"Path to this process's TLS private key" required:"true"`
}

// VolumeMapping pairs a host path with the container path it is bind-
// mounted onto, parsed from a repeatable "--volume-map host:container"
// flag.
type VolumeMapping struct {
	HostPath      string
	ContainerPath string
}

// VolumeMapFlag is a go-flags compatible type implementing the
// "host:container" parsing for HostVolumeMap entries.
type VolumeMapFlag string

// Parse splits a "host:container" flag value into a VolumeMapping.
func (v VolumeMapFlag) Parse() (VolumeMapping, error) {
	parts := strings.SplitN(string(v), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return VolumeMapping{}, fmt.Errorf(
			"invalid volume-map %q: want host:container", v)
	}
	return VolumeMapping{HostPath: parts[0], ContainerPath: parts[1]}, nil
}

// MasterConfig configures cmd/master: the Scheduler loop plus the
// InterfaceServer (CollectorService/OrchestratorService).
//
//nolint:lll
type MasterConfig struct {
	ListenAddr string `long:"listen-addr" description:"Address the InterfaceServer listens on" default:":8443"`

	SchedulerInterval time.Duration `long:"scheduler-interval" description:"Scheduler tick period" default:"10s"`

	HeartbeatInterval time.Duration `long:"heartbeat-interval" description:"Expected worker heartbeat period, used to derive the unreachable-worker threshold" default:"10s"`

	RetentionPeriod time.Duration `long:"retention-period" description:"Age beyond which SysStat/TraceEvent rows are pruned" default:"168h"`

	ArchiveBucket string `long:"archive-bucket" description:"S3 bucket corpus/crash content is archived to; archival is disabled when empty"`

	ArchiveInterval time.Duration `long:"archive-interval" description:"Content archival tick period" default:"5m"`

	TLS TLSConfig `group:"TLS" namespace:"tls"`
}

// WorkerConfig configures cmd/worker: the WorkerTaskManager reconciliation
// loop, the master RPC client, and the host/container volume map used by
// the container Executor.
//
//nolint:lll
type WorkerConfig struct {
	MasterAddr string `long:"master-addr" description:"Address of the master's InterfaceServer" required:"true"`

	CPUs int `long:"cpus" description:"CPU capacity this worker advertises" required:"true"`

	Memory int64 `long:"memory" description:"Memory capacity (bytes) this worker advertises" required:"true"`

	ReconcileInterval time.Duration `long:"reconcile-interval" description:"WorkerTaskManager tick period" default:"5s"`

	HeartbeatInterval time.Duration `long:"heartbeat-interval" description:"SysStat heartbeat period" default:"10s"`

	ScratchDir string `long:"scratch-dir" description:"Base directory holding each worker_task's working directory"`

	VolumeMap []string `long:"volume-map" description:"Repeatable host:container path pair for the container Executor"`

	// HostVolumeMap is VolumeMap after parsing and validation.
	HostVolumeMap []VolumeMapping

	CrashRepoURL string `long:"crash-repo-url" description:"https://<owner>:<token>@github.com/<owner>/<repo> crash issues are filed against; notification is disabled when empty"`

	ShipTraceEvents bool `long:"ship-trace-events" description:"Mirror this process's log records to the master via submit_trace_event"`

	TLS TLSConfig `group:"TLS" namespace:"tls"`
}

// LoadMasterConfig loads a MasterConfig from the default INI file path (if
// present) and then from the process's command-line flags.
func LoadMasterConfig() (*MasterConfig, error) {
	var cfg MasterConfig
	parser := flags.NewParser(&cfg, flags.Default)
	if err := parseIniThenFlags(parser, defaultConfigFile(MasterConfigFilename)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorkerConfig loads a WorkerConfig the same way, additionally parsing
// and validating VolumeMap into HostVolumeMap and expanding ScratchDir.
func LoadWorkerConfig() (*WorkerConfig, error) {
	var cfg WorkerConfig
	parser := flags.NewParser(&cfg, flags.Default)
	if err := parseIniThenFlags(parser, defaultConfigFile(WorkerConfigFilename)); err != nil {
		return nil, err
	}

	if cfg.CPUs <= 0 {
		return nil, fmt.Errorf("invalid --cpus %d: must be positive", cfg.CPUs)
	}

	for _, raw := range cfg.VolumeMap {
		vm, err := VolumeMapFlag(raw).Parse()
		if err != nil {
			return nil, err
		}
		cfg.HostVolumeMap = append(cfg.HostVolumeMap, vm)
	}

	cfg.ScratchDir = CleanAndExpandPath(cfg.ScratchDir)
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(AppDataDir, "scratch")
	}

	return &cfg, nil
}

// ResolveContainerPath maps a host-side scratch path to its container-side
// mount point using c.HostVolumeMap, failing fatally (per SPEC_FULL.md §6)
// if no configured mapping covers it.
func (c *WorkerConfig) ResolveContainerPath(hostPath string) (string, error) {
	return ResolveContainerPath(c.HostVolumeMap, hostPath)
}

// ResolveContainerPath maps hostPath onto its container-side mount point
// using volumeMap, the free-standing form internal/executor calls directly
// (it builds container/job specs without a *WorkerConfig in hand). Failing
// to find a covering entry is the "missing volume map" protocol violation
// of spec.md §4.3/§7: every container/kubernetes executor must resolve its
// scratch cwd through here before it can bind-mount or launch.
func ResolveContainerPath(volumeMap []VolumeMapping, hostPath string) (string, error) {
	for _, vm := range volumeMap {
		if hostPath == vm.HostPath || strings.HasPrefix(hostPath, vm.HostPath+string(os.PathSeparator)) {
			rel := strings.TrimPrefix(hostPath, vm.HostPath)
			return filepath.Join(vm.ContainerPath, rel), nil
		}
	}
	return "", fmt.Errorf("protocol violation: no volume-map entry covers host path %q", hostPath)
}

func defaultConfigFile(filename string) string {
	return CleanAndExpandPath(filepath.Join(AppDataDir, filename))
}

func parseIniThenFlags(parser *flags.Parser, configFilePath string) error {
	err := flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var iniErr *flags.IniError
		var flagsErr *flags.Error
		if errors.As(err, &iniErr) || errors.As(err, &flagsErr) {
			return err
		}
	}

	if _, err := parser.Parse(); err != nil {
		return err
	}
	return nil
}

// CleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it. Verbatim from the
// teacher's config.go, itself taken from github.com/btcsuite/btcd.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
