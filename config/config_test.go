package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvFloatMap(t *testing.T) {
	t.Setenv("COIN_SL_MULTIPLIERS", "sol:1.2, ada:0.8, dangling, DOGE:notanumber")

	m := getEnvFloatMap("COIN_SL_MULTIPLIERS", nil)
	assert.Len(t, m, 2)
	assert.InDelta(t, 1.2, m["SOL"], 1e-9)
	assert.InDelta(t, 0.8, m["ADA"], 1e-9)
}

func TestGetEnvFloatMapDefault(t *testing.T) {
	t.Setenv("COIN_SL_MULTIPLIERS", "")
	def := map[string]float64{"XRP": 1.1}
	assert.Equal(t, def, getEnvFloatMap("COIN_SL_MULTIPLIERS", def))

	// All pairs malformed falls back too.
	t.Setenv("COIN_SL_MULTIPLIERS", "nope,also:bad:pair:x")
	assert.Equal(t, def, getEnvFloatMap("COIN_SL_MULTIPLIERS", def))
}

func TestStopLossMultiplier(t *testing.T) {
	c := &Config{CoinStopLossMultipliers: map[string]float64{"SOL": 1.2}}
	assert.InDelta(t, 1.2, c.StopLossMultiplier("SOL"), 1e-9)
	assert.InDelta(t, 1.0, c.StopLossMultiplier("XRP"), 1e-9)

	// Non-positive values are ignored.
	c.CoinStopLossMultipliers["ADA"] = -2
	assert.InDelta(t, 1.0, c.StopLossMultiplier("ADA"), 1e-9)
}
