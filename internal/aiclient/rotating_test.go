package aiclient

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
)

func selfRotatingConfig(url string) config.ClientConfig {
	return config.ClientConfig{
		Name:             "rotating-client",
		BaseURL:          url,
		Token:            "sk-base-token-000000",
		Variant:          VariantSelfRotating,
		Priority:         "freebie",
		Group:            "model scope",
		Models:           []string{"model-a", "model-b"},
		Tokens:           []string{"sk-token-one-111111", "sk-token-two-222222"},
		RotateModelEvery: 2,
	}
}

func TestSelfRotatingModelCadence(t *testing.T) {
	server := newChatServer(t, fixedReply(http.StatusOK, completionJSON("ok")))
	client, err := NewSelfRotatingClient(selfRotatingConfig(server.ts.URL), Options{})
	require.NoError(t, err)

	var models []string
	for i := 0; i < 5; i++ {
		_, err := client.Chat(context.Background(), simpleRequest())
		require.NoError(t, err)
		models = append(models, server.call(i).Body["model"].(string))
	}
	assert.Equal(t, []string{"model-a", "model-a", "model-b", "model-b", "model-a"}, models)
}

func TestSelfRotatingTokenCadence(t *testing.T) {
	server := newChatServer(t, fixedReply(http.StatusOK, completionJSON("ok")))
	cfg := selfRotatingConfig(server.ts.URL)
	cfg.RotateModelEvery = 0
	cfg.RotateTokenEvery = 1
	client, err := NewSelfRotatingClient(cfg, Options{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := client.Chat(context.Background(), simpleRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, "Bearer sk-token-one-111111", server.call(0).Authorization)
	assert.Equal(t, "Bearer sk-token-two-222222", server.call(1).Authorization)
	assert.Equal(t, "Bearer sk-token-one-111111", server.call(2).Authorization)
}

func TestSelfRotatingDailyBudget(t *testing.T) {
	server := newChatServer(t, fixedReply(http.StatusOK, completionJSON("ok")))
	cfg := selfRotatingConfig(server.ts.URL)
	cfg.MaxRequestsPerDay = 2
	client, err := NewSelfRotatingClient(cfg, Options{})
	require.NoError(t, err)

	now := time.Now()
	client.clock = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, err := client.Chat(context.Background(), simpleRequest())
		require.NoError(t, err)
	}

	_, err = client.Chat(context.Background(), simpleRequest())
	require.Error(t, err)
	aiErr, ok := huberrors.AsAIError(err)
	require.True(t, ok)
	assert.False(t, aiErr.Retryable())
	assert.False(t, client.Available())

	// The budget window rolls over and the client recovers by itself.
	now = now.Add(25 * time.Hour)
	assert.True(t, client.Available())
	_, err = client.Chat(context.Background(), simpleRequest())
	assert.NoError(t, err)
}

func TestSelfRotatingBudgetSeededFromLedger(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer func() { _ = ledger.Close() }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, ledger.RecordUsage(ctx, UsageRecord{Client: "rotating-client", Outcome: "success"}))
	}

	server := newChatServer(t, fixedReply(http.StatusOK, completionJSON("ok")))
	cfg := selfRotatingConfig(server.ts.URL)
	cfg.MaxRequestsPerDay = 2
	client, err := NewSelfRotatingClient(cfg, Options{Ledger: ledger})
	require.NoError(t, err)

	_, err = client.Chat(ctx, simpleRequest())
	require.Error(t, err)
	assert.Equal(t, 0, server.count())
}

func TestSelfRotatingAuthFailureAdvancesToken(t *testing.T) {
	server := newChatServer(t, func(auth string, _ map[string]any) (int, string) {
		if auth == "Bearer sk-token-one-111111" {
			return http.StatusUnauthorized, upstreamError
		}
		return http.StatusOK, completionJSON("ok")
	})
	cfg := selfRotatingConfig(server.ts.URL)
	cfg.RotateModelEvery = 0
	client, err := NewSelfRotatingClient(cfg, Options{})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), simpleRequest())
	require.Error(t, err)
	assert.True(t, client.Available())

	resp, err := client.Chat(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "Bearer sk-token-two-222222", server.call(1).Authorization)
}

func TestSelfRotatingAllTokensRejectedParksClient(t *testing.T) {
	server := newChatServer(t, fixedReply(http.StatusForbidden, upstreamError))
	cfg := selfRotatingConfig(server.ts.URL)
	cfg.RotateModelEvery = 0
	client, err := NewSelfRotatingClient(cfg, Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.Chat(context.Background(), simpleRequest())
		require.Error(t, err)
	}
	assert.False(t, client.Available())
}

// stubSource is a scripted TokenSource.
type stubSource struct {
	mu      sync.Mutex
	tokens  []string
	err     error
	bad     []string
	balance float64
}

func (s *stubSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if len(s.tokens) == 0 {
		return "", ErrKeysExhausted
	}
	return s.tokens[0], nil
}

func (s *stubSource) ReportBadKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bad = append(s.bad, key)
	if len(s.tokens) > 0 && s.tokens[0] == key {
		s.tokens = s.tokens[1:]
	}
}

func (s *stubSource) Balance(ctx context.Context) (float64, error) {
	return s.balance, nil
}

func (s *stubSource) badKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bad...)
}

func tokenRotatingConfig(url string) config.ClientConfig {
	return config.ClientConfig{
		Name:    "outer-client",
		BaseURL: url,
		Model:   "outer-model",
		Variant: VariantOuterRotating,
		Group:   "silicon flow",
	}
}

func TestTokenRotatingClientRotatesOnAuthFailure(t *testing.T) {
	server := newChatServer(t, func(auth string, _ map[string]any) (int, string) {
		if auth == "Bearer dead-key-00000000" {
			return http.StatusForbidden, upstreamError
		}
		return http.StatusOK, completionJSON("ok")
	})
	source := &stubSource{tokens: []string{"dead-key-00000000", "live-key-11111111"}}
	client, err := NewTokenRotatingClient(tokenRotatingConfig(server.ts.URL), source, Options{})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), simpleRequest())
	require.Error(t, err)
	assert.Equal(t, []string{"dead-key-00000000"}, source.badKeys())
	assert.True(t, client.Available())

	resp, err := client.Chat(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "Bearer live-key-11111111", server.call(1).Authorization)
}

func TestTokenRotatingClientWithoutKeys(t *testing.T) {
	source := &stubSource{err: ErrKeysExhausted}
	client, err := NewTokenRotatingClient(tokenRotatingConfig("http://127.0.0.1:1"), source, Options{})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), simpleRequest())
	require.Error(t, err)

	aiErr, ok := huberrors.AsAIError(err)
	require.True(t, ok)
	assert.False(t, aiErr.Retryable())
	assert.False(t, client.Available())
}

func TestTokenRotatingClientBalanceDelegates(t *testing.T) {
	source := &stubSource{tokens: []string{"live-key-11111111"}, balance: 7.5}
	client, err := NewTokenRotatingClient(tokenRotatingConfig("http://127.0.0.1:1"), source, Options{})
	require.NoError(t, err)

	balance, err := client.CheckBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.5, balance)
}
