package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should load defaults when nothing overrides them", func(t *testing.T) {
		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Engine.MaxRetries)
		assert.Equal(t, 3, cfg.Engine.MaxParallelTasks)
		assert.Equal(t, "sequential", cfg.Engine.DefaultMode)
		assert.Equal(t, 10, cfg.Manager.MaxConcurrentWorkflows)
		assert.Equal(t, 5*time.Minute, cfg.Manager.DefaultTimeout)
	})
	t.Run("Should apply environment overrides", func(t *testing.T) {
		t.Setenv("LIGHTAGENT_ENGINE_MAX_RETRIES", "5")
		t.Setenv("LIGHTAGENT_MANAGER_MAX_CONCURRENT_WORKFLOWS", "4")
		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Engine.MaxRetries)
		assert.Equal(t, 4, cfg.Manager.MaxConcurrentWorkflows)
	})
	t.Run("Should merge programmatic overrides on top", func(t *testing.T) {
		cfg, err := Load(&Config{Engine: EngineConfig{DefaultMode: "adaptive"}})
		require.NoError(t, err)
		assert.Equal(t, "adaptive", cfg.Engine.DefaultMode)
		// Untouched fields keep their defaults.
		assert.Equal(t, 2, cfg.Engine.MaxRetries)
	})
	t.Run("Should reject invalid execution mode", func(t *testing.T) {
		_, err := Load(&Config{Engine: EngineConfig{DefaultMode: "warp"}})
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestTransformEnvKey(t *testing.T) {
	t.Run("Should map env names to koanf paths", func(t *testing.T) {
		assert.Equal(t, "engine.max_retries", transformEnvKey("ENGINE_MAX_RETRIES"))
		assert.Equal(t, "log.level", transformEnvKey("LOG_LEVEL"))
		assert.Equal(t, "log", transformEnvKey("LOG"))
	})
}
