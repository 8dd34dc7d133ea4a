package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	require.Equal(t, 100, cfg.Jobs.HistoryLimit)
	require.Equal(t, 15, cfg.Jobs.PageThreshold)
	require.Equal(t, "mineru", cfg.Jobs.DefaultParser)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 30, cfg.Limits.RequestsPerWindow)
	require.Equal(t, "sqlite", cfg.Dedup.Store)

	// Auto-tuned sizing is filled in when left at zero.
	require.Greater(t, cfg.Jobs.Workers, 0)
	require.Greater(t, cfg.Jobs.QueueDepth, 0)
	require.LessOrEqual(t, cfg.Jobs.QueueDepth, 16)
	require.Equal(t, "auto", cfg.Jobs.WorkersSource)
	require.Equal(t, "auto", cfg.Jobs.QueueDepthSource)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
jobs:
  workers: 3
  queue_depth: 8
auth:
  api_key: sekrit
dedup:
  store: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, 3, cfg.Jobs.Workers)
	require.Equal(t, 8, cfg.Jobs.QueueDepth)
	require.Equal(t, "config", cfg.Jobs.WorkersSource)
	require.Equal(t, "sekrit", cfg.Auth.APIKey)
	require.Equal(t, "memory", cfg.Dedup.Store)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("INTAKE_SERVER_PORT", "7070")
	t.Setenv("INTAKE_JOBS_WORKERS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 2, cfg.Jobs.Workers)
	require.Equal(t, "env", cfg.Jobs.WorkersSource)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Jobs.ProcessTimeoutSec = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.BaseURL = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Dedup.Store = "redis"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Dedup.Store = "sqlite"
	cfg.Dedup.Path = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Archive.DSN = "postgres://localhost/intake"
	cfg.Archive.Table = ""
	require.Error(t, cfg.Validate())
}

func TestAutoWorkers_Tiers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, AutoWorkers(1))
	require.Equal(t, 1, AutoWorkers(47))
	require.Equal(t, 2, AutoWorkers(48))
	require.Equal(t, 2, AutoWorkers(127))
	require.Equal(t, 4, AutoWorkers(128))
	require.Equal(t, 4, AutoWorkers(256))
}

func TestAutoQueueDepth_CappedMultiple(t *testing.T) {
	t.Parallel()

	require.Equal(t, 4, AutoQueueDepth(1))
	require.Equal(t, 8, AutoQueueDepth(2))
	require.Equal(t, 16, AutoQueueDepth(4))
	require.Equal(t, 16, AutoQueueDepth(10))
	require.Equal(t, 1, AutoQueueDepth(0))
}

func TestParseCgroupV2CPUMax(t *testing.T) {
	t.Parallel()

	cpus, ok := parseCgroupV2CPUMax("200000 100000\n")
	require.True(t, ok)
	require.Equal(t, 2, cpus)

	// Sub-core quotas round up to one CPU.
	cpus, ok = parseCgroupV2CPUMax("50000 100000")
	require.True(t, ok)
	require.Equal(t, 1, cpus)

	_, ok = parseCgroupV2CPUMax("max 100000")
	require.False(t, ok)

	_, ok = parseCgroupV2CPUMax("garbage")
	require.False(t, ok)
}

func TestParseCgroupV1CPU(t *testing.T) {
	t.Parallel()

	cpus, ok := parseCgroupV1CPU("400000\n", "100000\n")
	require.True(t, ok)
	require.Equal(t, 4, cpus)

	// -1 means unlimited.
	_, ok = parseCgroupV1CPU("-1", "100000")
	require.False(t, ok)

	_, ok = parseCgroupV1CPU("100000", "0")
	require.False(t, ok)
}

func TestEffectiveCPUs_AtLeastOne(t *testing.T) {
	t.Parallel()

	require.GreaterOrEqual(t, EffectiveCPUs(), 1)
}
