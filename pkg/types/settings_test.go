package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("from zero", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 0.5, s.PriceChangeThresholdCents)
		assert.Equal(t, "predicted", s.ForecastClass)
		assert.True(t, s.AutoSync)
		assert.Equal(t, 100.0, s.SpikeProtectionCapCents)
		assert.Equal(t, 50.0, s.SpikeProtectionValueCents)
		assert.Equal(t, 300.0, s.SpikeThresholdMWhDollar)
		assert.Equal(t, 30.0, s.RestoreSOC)
		assert.Equal(t, "AUD", s.PlanCurrency)
	})

	t.Run("already current", func(t *testing.T) {
		in := Settings{PriceChangeThresholdCents: 1.0}
		s, changed, err := MigrateSettings(in, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, in, s)
	})

	t.Run("preserves user values", func(t *testing.T) {
		in := Settings{
			PriceChangeThresholdCents: 2.0,
			SpikeProtectionCapCents:   150,
		}
		s, changed, err := MigrateSettings(in, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 2.0, s.PriceChangeThresholdCents)
		assert.Equal(t, 150.0, s.SpikeProtectionCapCents)
	})
}
