package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() FuzzConfig {
	return FuzzConfig{
		Execution: ExecutorConfig{
			Executor: ExecutorNative,
			CPUs:     1,
			Exe:      "./target",
			Cwd:      ".",
		},
		Corpus: CorpusConfig{
			Path:             "corpus",
			Label:            "default",
			RefreshIntervalS: 30,
			Upload:           true,
		},
		Crash: CrashConfig{
			Path:  "crashes",
			Label: "default",
		},
	}
}

func TestValidateFuzzConfig_Valid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, ValidateFuzzConfig(&cfg))
}

func TestValidateFuzzConfig_Invariants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FuzzConfig)
		wantErr string
	}{
		{
			name: "corpus path absolute",
			mutate: func(c *FuzzConfig) {
				c.Corpus.Path = "/abs/corpus"
			},
			wantErr: "corpus.path: must be relative",
		},
		{
			name: "crash path absolute",
			mutate: func(c *FuzzConfig) {
				c.Crash.Path = "/abs/crashes"
			},
			wantErr: "crash.path: must be relative",
		},
		{
			name: "fuzz_stat requires corpus upload",
			mutate: func(c *FuzzConfig) {
				c.Corpus.Upload = false
				c.FuzzStat = &FuzzStatConfig{
					Collector: CollectorLCov,
					Execution: ExecutorConfig{
						Executor: ExecutorNative,
						CPUs:     1,
						Exe:      "./lcov",
					},
				}
			},
			wantErr: "fuzz_stat present requires corpus.upload",
		},
		{
			name: "container executor requires image",
			mutate: func(c *FuzzConfig) {
				c.Execution.Executor = ExecutorContainer
				c.Execution.Image = ""
			},
			wantErr: "image: required",
		},
		{
			name: "unrecognized executor",
			mutate: func(c *FuzzConfig) {
				c.Execution.Executor = "chroot"
			},
			wantErr: "unrecognized executor",
		},
		{
			name: "non positive cpus",
			mutate: func(c *FuzzConfig) {
				c.Execution.CPUs = 0
			},
			wantErr: "cpus: must be positive",
		},
		{
			name: "bad upload filter regex",
			mutate: func(c *FuzzConfig) {
				c.Corpus.UploadFilter = "("
			},
			wantErr: "corpus.upload_filter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := ValidateFuzzConfig(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFuzzConfig_RoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.FuzzStat = &FuzzStatConfig{
		Collector: CollectorLCov,
		Execution: ExecutorConfig{
			Executor: ExecutorNative,
			CPUs:     1,
			Exe:      "./lcov",
		},
	}

	text, err := cfg.Marshal()
	require.NoError(t, err)

	parsed, err := ParseFuzzConfig(text)
	require.NoError(t, err)
	assert.Equal(t, cfg.Corpus.Label, parsed.Corpus.Label)
	assert.Equal(t, cfg.FuzzStat.Collector, parsed.FuzzStat.Collector)
}

func TestParseFuzzConfig_InvalidJSON(t *testing.T) {
	_, err := ParseFuzzConfig("not json")
	require.Error(t, err)
}
