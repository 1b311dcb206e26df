package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	raw := `CHAIN_OF_THOUGHTS
XRP showing momentum with volume confirmation. Entering long.
DECISIONS
{
  "XRP": {
    "signal": "buy_to_enter",
    "leverage": 10,
    "confidence": 0.75,
    "profit_target": 0.56,
    "stop_loss": 0.48,
    "risk_usd": 45.0,
    "invalidation_condition": "If 4h price closes below 4h EMA20"
  },
  "SOL": { "signal": "hold" }
}`

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Contains(t, resp.ChainOfThoughts, "XRP showing momentum")

	xrp, ok := resp.Decisions["XRP"]
	require.True(t, ok)
	assert.Equal(t, SignalBuy, xrp.Signal)
	assert.Equal(t, 10, xrp.Leverage)
	assert.InDelta(t, 0.75, xrp.Confidence, 1e-9)
	require.NotNil(t, xrp.StopLoss)
	assert.InDelta(t, 0.48, *xrp.StopLoss, 1e-9)

	sol := resp.Decisions["SOL"]
	assert.Equal(t, SignalHold, sol.Signal)
	assert.Nil(t, sol.ProfitTarget)
	assert.True(t, resp.HasEntrySignal())
}

func TestParseResponseMarkdownFence(t *testing.T) {
	raw := "CHAIN_OF_THOUGHTS\nthinking\nDECISIONS\n```json\n{\"ADA\": {\"signal\": \"sell_to_enter\", \"confidence\": 0.8}}\n```"

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, SignalSell, resp.Decisions["ADA"].Signal)
}

func TestParseResponseFullWidthPunctuation(t *testing.T) {
	raw := "CHAIN_OF_THOUGHTS\nok\nDECISIONS\n｛\"DOGE\"：｛\"signal\"：\"hold\"｝｝"

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, SignalHold, resp.Decisions["DOGE"].Signal)
}

func TestParseResponseMissingKeywords(t *testing.T) {
	raw := `{"LINK": {"signal": "hold"}}`

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Keywords missing.", resp.ChainOfThoughts)
	assert.Equal(t, SignalHold, resp.Decisions["LINK"].Signal)
}

func TestParseResponseNoJSON(t *testing.T) {
	raw := "CHAIN_OF_THOUGHTS\nI cannot decide right now.\nDECISIONS\nnothing here"

	resp, err := ParseResponse(raw)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Decisions)
	// Raw text is preserved for the cycle record.
	assert.Contains(t, resp.ChainOfThoughts, "I cannot decide right now.")
}

func TestSafeHoldResponseRoundTrip(t *testing.T) {
	raw := SafeHoldResponse([]string{"XRP", "SOL"}, "Safe mode: holding due to API error")

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, resp.Decisions, 2)
	for _, d := range resp.Decisions {
		assert.Equal(t, SignalHold, d.Signal)
		assert.Contains(t, d.Justification, "Safe mode")
	}
	assert.False(t, resp.HasEntrySignal())
}

func TestReplayResponseRoundTrip(t *testing.T) {
	cached := map[string]Decision{
		"SOL": {Signal: SignalSell, Leverage: 10, Confidence: 0.7},
		"XRP": {Signal: SignalHold},
	}

	resp, err := ParseResponse(ReplayResponse(cached))
	require.NoError(t, err)
	assert.Equal(t, SignalSell, resp.Decisions["SOL"].Signal)
	assert.True(t, resp.HasEntrySignal())
}
