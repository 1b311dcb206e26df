package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/store"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	cfg := &config.Config{
		LLMAPIKey:  "test-key",
		LLMBaseURL: baseURL,
		LLMModel:   "deepseek-chat",
		Coins:      []string{"XRP", "SOL"},
	}
	c := NewClient(cfg, st)
	c.backoffMin = time.Millisecond
	return c
}

func chatReply(content string) []byte {
	out, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return out
}

func TestDecideModelSuccess(t *testing.T) {
	const reply = "CHAIN_OF_THOUGHTS\nok\nDECISIONS\n{\"XRP\": {\"signal\": \"hold\"}}"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-chat", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Write(chatReply(reply))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	raw, source := c.Decide(context.Background(), "prompt")

	assert.Equal(t, SourceModel, source)
	resp, err := decision.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, decision.SignalHold, resp.Decisions["XRP"].Signal)
}

func TestDecideRetriesServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(chatReply("CHAIN_OF_THOUGHTS\nok\nDECISIONS\n{\"SOL\": {\"signal\": \"hold\"}}"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, source := c.Decide(context.Background(), "prompt")

	assert.Equal(t, SourceModel, source)
	assert.Equal(t, 2, calls)
}

func TestDecideOutageReplaysCachedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	require.NoError(t, c.st.Write(store.DocCycleHistory, []decision.CycleRecord{
		{Cycle: 1, Decisions: map[string]decision.Decision{
			"XRP": {Signal: decision.SignalHold},
		}},
		{Cycle: 2, Decisions: map[string]decision.Decision{
			"SOL": {Signal: decision.SignalSell, Leverage: 10, Confidence: 0.7},
		}},
	}))

	raw, source := c.Decide(context.Background(), "prompt")

	assert.Equal(t, SourceReplay, source)
	resp, err := decision.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, decision.SignalSell, resp.Decisions["SOL"].Signal)
}

func TestDecideOutageWithoutCacheGoesSafeHold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	raw, source := c.Decide(context.Background(), "prompt")

	assert.Equal(t, SourceSafeHold, source)
	resp, err := decision.ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, resp.Decisions, 2)
	for _, d := range resp.Decisions {
		assert.Equal(t, decision.SignalHold, d.Signal)
	}
}

func TestDecideNonTransientErrorGoesSafeHold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	// Even with replayable cache, a non-transient failure holds everything.
	require.NoError(t, c.st.Write(store.DocCycleHistory, []decision.CycleRecord{
		{Cycle: 1, Decisions: map[string]decision.Decision{
			"SOL": {Signal: decision.SignalSell},
		}},
	}))

	_, source := c.Decide(context.Background(), "prompt")
	assert.Equal(t, SourceSafeHold, source)
}

func TestDecideWithoutKeyUsesSimulation(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	c := NewClient(&config.Config{Coins: []string{"XRP"}}, st)

	raw, source := c.Decide(context.Background(), "prompt")

	assert.Equal(t, SourceSimulation, source)
	resp, err := decision.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, decision.SignalSell, resp.Decisions["SOL"].Signal)
}
