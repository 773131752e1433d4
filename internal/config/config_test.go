package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsmetrics/governance-collector/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_single")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ghp_single"}, cfg.GitHubTokens)
	assert.Equal(t, "file", cfg.StoreType)
	assert.Equal(t, "fs", cfg.BlobType)
	assert.Equal(t, "loop", cfg.ContinuationMode)
	assert.Equal(t, 500, cfg.MinRemaining)
	assert.Equal(t, 350, cfg.CallsPerProject)
	assert.Equal(t, 60*time.Second, cfg.WaitBuffer)
	assert.Equal(t, 3700*time.Second, cfg.MaxWait)
	assert.Equal(t, 365, cfg.CollectionDays)
	assert.Equal(t, 500, cfg.CommitBatchSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMultipleTokens(t *testing.T) {
	t.Setenv("GITHUB_TOKENS", "tok_a, tok_b ,tok_c")
	t.Setenv("GITHUB_TOKEN", "ignored")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"tok_a", "tok_b", "tok_c"}, cfg.GitHubTokens)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok")
	t.Setenv("STORE_TYPE", "sqlite")
	t.Setenv("MIN_REMAINING", "200")
	t.Setenv("WAIT_BUFFER", "30")
	t.Setenv("TIME_BUDGET", "840")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.StoreType)
	assert.Equal(t, 200, cfg.MinRemaining)
	assert.Equal(t, 30*time.Second, cfg.WaitBuffer)
	assert.Equal(t, 14*time.Minute, cfg.TimeBudget)
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		t.Setenv("GITHUB_TOKEN", "tok")
		cfg, err := config.Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("missing tokens", func(t *testing.T) {
		cfg := base()
		cfg.GitHubTokens = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad store type", func(t *testing.T) {
		cfg := base()
		cfg.StoreType = "mongo"
		assert.Error(t, cfg.Validate())
	})

	t.Run("postgres without url", func(t *testing.T) {
		cfg := base()
		cfg.StoreType = "postgres"
		cfg.PostgresURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		cfg := base()
		cfg.BlobType = "s3"
		cfg.S3Bucket = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("sqs without queue", func(t *testing.T) {
		cfg := base()
		cfg.ContinuationMode = "sqs"
		cfg.SQSQueueURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("sqs with queue", func(t *testing.T) {
		cfg := base()
		cfg.ContinuationMode = "sqs"
		cfg.SQSQueueURL = "https://sqs.us-east-1.amazonaws.com/1/collect"
		assert.NoError(t, cfg.Validate())
	})
}
