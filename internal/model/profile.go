package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
)

// Executor names the two supported ExecutorConfig.Executor values.
type Executor string

const (
	ExecutorNative    Executor = "native"
	ExecutorContainer Executor = "container"
)

// Engine selects the backend used when Executor == ExecutorContainer.
// This generalizes the source's InCluster bool into a named choice so a
// single container Executor variant can target either a local Docker
// daemon or a Kubernetes cluster.
type Engine string

const (
	EngineDocker     Engine = "docker"
	EngineKubernetes Engine = "kubernetes"
)

// ExecutorConfig describes how to run one executable: natively or inside a
// container, with the working directory, arguments, and environment the
// FuzzDriver should launch it with.
type ExecutorConfig struct {
	Executor Executor          `json:"executor"`
	CPUs     int               `json:"cpus"`
	Image    string            `json:"image,omitempty"`
	Engine   Engine            `json:"engine,omitempty"`
	Exe      string            `json:"executable"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd"`
	Envs     map[string]string `json:"envs,omitempty"`
}

func (e ExecutorConfig) validate(field string) error {
	switch e.Executor {
	case ExecutorNative, ExecutorContainer:
	default:
		return fmt.Errorf("%s.executor: unrecognized executor %q", field, e.Executor)
	}
	if e.Executor == ExecutorContainer {
		if e.Image == "" {
			return fmt.Errorf("%s.image: required when executor=container", field)
		}
		switch e.Engine {
		case "", EngineDocker, EngineKubernetes:
		default:
			return fmt.Errorf("%s.engine: unrecognized engine %q", field, e.Engine)
		}
	}
	if e.CPUs <= 0 {
		return fmt.Errorf("%s.cpus: must be positive, got %d", field, e.CPUs)
	}
	if e.Exe == "" {
		return fmt.Errorf("%s.executable: required", field)
	}
	return nil
}

// CorpusConfig is the profile's corpus stanza: where seeds live relative to
// the executor's cwd, which sync label they share, and the push policy.
type CorpusConfig struct {
	Path             string `json:"path"`
	Label            string `json:"label"`
	RefreshIntervalS int    `json:"refresh_interval_s"`
	Upload           bool   `json:"upload"`
	UploadFilter     string `json:"upload_filter,omitempty"`
}

func (c CorpusConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("corpus.path: required")
	}
	if filepath.IsAbs(c.Path) {
		return fmt.Errorf("corpus.path: must be relative, got %q", c.Path)
	}
	if c.Label == "" {
		return fmt.Errorf("corpus.label: required")
	}
	if c.RefreshIntervalS <= 0 {
		return fmt.Errorf("corpus.refresh_interval_s: must be positive")
	}
	if c.UploadFilter != "" {
		if _, err := regexp.Compile(c.UploadFilter); err != nil {
			return fmt.Errorf("corpus.upload_filter: %w", err)
		}
	}
	return nil
}

// CrashConfig is the profile's crash stanza: where crashing inputs are
// written, the optional validation pass that confirms a crash still
// reproduces, and the optional deduplication pass.
type CrashConfig struct {
	Path        string          `json:"path"`
	Label       string          `json:"label"`
	Filter      string          `json:"filter,omitempty"`
	Validate    *ExecutorConfig `json:"validate,omitempty"`
	Deduplicate *ExecutorConfig `json:"deduplicate,omitempty"`
}

func (c CrashConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("crash.path: required")
	}
	if filepath.IsAbs(c.Path) {
		return fmt.Errorf("crash.path: must be relative, got %q", c.Path)
	}
	if c.Label == "" {
		return fmt.Errorf("crash.label: required")
	}
	if c.Filter != "" {
		if _, err := regexp.Compile(c.Filter); err != nil {
			return fmt.Errorf("crash.filter: %w", err)
		}
	}
	if c.Validate != nil {
		if err := c.Validate.validate("crash.validate"); err != nil {
			return err
		}
	}
	if c.Deduplicate != nil {
		if err := c.Deduplicate.validate("crash.deduplicate"); err != nil {
			return err
		}
	}
	return nil
}

// StatCollector names the builtin FuzzStatConfig.Collector values.
type StatCollector string

const (
	CollectorLCov StatCollector = "lcov"
)

// FuzzStatConfig is the profile's optional fuzz_stat stanza: which
// collector to run and how to execute it.
type FuzzStatConfig struct {
	Collector StatCollector  `json:"collector"`
	Execution ExecutorConfig `json:"execution"`
}

func (f FuzzStatConfig) validate() error {
	if f.Collector == "" {
		return fmt.Errorf("fuzz_stat.collector: required")
	}
	return f.Execution.validate("fuzz_stat.execution")
}

// DriverKind names the FuzzDriver variant a profile selects. The variants
// differ only in fix_args (the CLI flags they prepend) and their default
// stats collector; the state machine itself is shared.
type DriverKind string

const (
	DriverGeneric   DriverKind = "generic"
	DriverHonggfuzz DriverKind = "honggfuzz"
	DriverLibfuzzer DriverKind = "libfuzzer"
)

// FuzzConfig is the deserialized form of Task.Profile: the opaque text the
// operator submits, validated before the Store is ever touched.
type FuzzConfig struct {
	Driver    DriverKind      `json:"driver"`
	Execution ExecutorConfig  `json:"execution"`
	Corpus    CorpusConfig    `json:"corpus"`
	Crash     CrashConfig     `json:"crash"`
	FuzzStat  *FuzzStatConfig `json:"fuzz_stat,omitempty"`
}

// ParseFuzzConfig deserializes and validates a task profile. Profiles are
// JSON documents; this is the sole place that decision is made.
func ParseFuzzConfig(profile string) (*FuzzConfig, error) {
	var cfg FuzzConfig
	if err := json.Unmarshal([]byte(profile), &cfg); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := ValidateFuzzConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateFuzzConfig enforces the §3 invariant (fuzz_stat present implies
// corpus.upload) and the relative-path rule on corpus/crash paths, plus
// per-stanza structural checks.
func ValidateFuzzConfig(cfg *FuzzConfig) error {
	switch cfg.Driver {
	case "":
		cfg.Driver = DriverGeneric
	case DriverGeneric, DriverHonggfuzz, DriverLibfuzzer:
	default:
		return fmt.Errorf("driver: unrecognized driver %q", cfg.Driver)
	}
	if err := cfg.Execution.validate("execution"); err != nil {
		return err
	}
	if err := cfg.Corpus.validate(); err != nil {
		return err
	}
	if err := cfg.Crash.validate(); err != nil {
		return err
	}
	if cfg.FuzzStat != nil {
		if err := cfg.FuzzStat.validate(); err != nil {
			return err
		}
		if !cfg.Corpus.Upload {
			return fmt.Errorf("fuzz_stat present requires corpus.upload = true")
		}
	}
	return nil
}

// Marshal serializes a FuzzConfig back into its opaque profile text form.
func (f *FuzzConfig) Marshal() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal profile: %w", err)
	}
	return string(b), nil
}
