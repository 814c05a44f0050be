package core_test

import (
	"testing"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusType_IsTerminal(t *testing.T) {
	t.Run("Should report terminal statuses", func(t *testing.T) {
		for _, s := range []core.StatusType{
			core.StatusSuccess, core.StatusFailed, core.StatusSkipped, core.StatusCanceled,
		} {
			assert.True(t, s.IsTerminal(), "%s should be terminal", s)
		}
	})
	t.Run("Should report non-terminal statuses", func(t *testing.T) {
		for _, s := range []core.StatusType{
			core.StatusPending, core.StatusReady, core.StatusRunning, core.StatusPaused,
		} {
			assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
		}
	})
}

func TestPriorityType_Rank(t *testing.T) {
	t.Run("Should order priorities critical > high > medium > low", func(t *testing.T) {
		assert.Greater(t, core.PriorityCritical.Rank(), core.PriorityHigh.Rank())
		assert.Greater(t, core.PriorityHigh.Rank(), core.PriorityMedium.Rank())
		assert.Greater(t, core.PriorityMedium.Rank(), core.PriorityLow.Rank())
	})
	t.Run("Should rank unknown priority below low", func(t *testing.T) {
		assert.Less(t, core.PriorityType("urgent").Rank(), core.PriorityLow.Rank())
	})
}

func TestParsePriority(t *testing.T) {
	t.Run("Should parse known values case-insensitively", func(t *testing.T) {
		assert.Equal(t, core.PriorityCritical, core.ParsePriority(" Critical "))
		assert.Equal(t, core.PriorityLow, core.ParsePriority("LOW"))
	})
	t.Run("Should default to medium", func(t *testing.T) {
		assert.Equal(t, core.PriorityMedium, core.ParsePriority("whatever"))
		assert.Equal(t, core.PriorityMedium, core.ParsePriority(""))
	})
}

func TestDeepCopy(t *testing.T) {
	t.Run("Should deep copy Input preserving concrete type", func(t *testing.T) {
		src := core.Input{"nested": map[string]any{"k": "v"}}
		copied, err := core.DeepCopy(src)
		require.NoError(t, err)
		copied["nested"].(map[string]any)["k"] = "mutated"
		assert.Equal(t, "v", src["nested"].(map[string]any)["k"])
	})
	t.Run("Should return zero value for nil Output pointer", func(t *testing.T) {
		var src *core.Output
		copied, err := core.DeepCopy(src)
		require.NoError(t, err)
		assert.Nil(t, copied)
	})
}
