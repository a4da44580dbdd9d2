package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COB_CONFIG_FILE", "")
	cfg := Load()

	assert.Equal(t, "LOAN_COB", cfg.JobName)
	assert.Equal(t, 100, cfg.PartitionSize)
	assert.Equal(t, 65000, cfg.InClauseLimit)
	assert.Equal(t, ZeroBalanceFail, cfg.ZeroBalancePolicy)
	assert.Equal(t, []string{"inline", "catch-up", "default"}, cfg.PriorityQueues)
	assert.Equal(t, 2*time.Second, cfg.CatchUpPoll)
	assert.Equal(t, []string{"catch-up=1:0.0167"}, cfg.RateLimitRoutes)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COB_CONFIG_FILE", "")
	t.Setenv("COB_PARTITION_SIZE", "250")
	t.Setenv("OWNER_TRANSFER_ZERO_BALANCE", ZeroBalanceSettle)
	t.Setenv("PRIORITY_QUEUES", "inline, default ,")
	t.Setenv("COB_CATCH_UP_POLL", "500ms")
	t.Setenv("REPORT_S3_PATH_STYLE", "true")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")
	t.Setenv("RATE_LIMIT_ROUTES", "inline=20:2,run=2:0.01")

	cfg := Load()
	assert.Equal(t, 250, cfg.PartitionSize)
	assert.Equal(t, ZeroBalanceSettle, cfg.ZeroBalancePolicy)
	assert.Equal(t, []string{"inline", "default"}, cfg.PriorityQueues)
	assert.Equal(t, 500*time.Millisecond, cfg.CatchUpPoll)
	assert.True(t, cfg.ReportS3PathStyle)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, []string{"inline=20:2", "run=2:0.01"}, cfg.RateLimitRoutes)
}

func TestLoadOverlaysConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cob.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
job_name: LOAN_COB_EU
partition_size: 500
zero_balance_policy: settle
catch_up_poll: 5s
`), 0o600))
	t.Setenv("COB_CONFIG_FILE", path)
	t.Setenv("COB_PARTITION_SIZE", "250")

	cfg := Load()
	assert.Equal(t, "LOAN_COB_EU", cfg.JobName)
	assert.Equal(t, 500, cfg.PartitionSize)
	assert.Equal(t, ZeroBalanceSettle, cfg.ZeroBalancePolicy)
	assert.Equal(t, 5*time.Second, cfg.CatchUpPoll)
	assert.Equal(t, 65000, cfg.InClauseLimit)
}

func TestLoadIgnoresMissingConfigFile(t *testing.T) {
	t.Setenv("COB_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg := Load()
	assert.Equal(t, "LOAN_COB", cfg.JobName)
}
