package aiclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go/option"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
)

// budgetPeriod is the rolling window of the daily request budget.
const budgetPeriod = 24 * time.Hour

// SelfRotatingClient cycles through model and token lists on a request
// cadence. The daily request budget suits free tiers that cap calls per
// account rather than per key.
type SelfRotatingClient struct {
	state
	call    caller
	baseURL string
	logger  logging.Logger

	models           []string
	tokens           []string
	rotateModelEvery int
	rotateTokenEvery int
	budget           int

	clock func() time.Time

	rotMu       sync.Mutex
	requests    int
	modelIdx    int
	tokenIdx    int
	periodStart time.Time
	periodCount int
	budgetDead  bool
	authFails   int
}

var _ Client = (*SelfRotatingClient)(nil)

// NewSelfRotatingClient wires a self-rotating client from its roster
// entry. A single model or token falls back to the scalar fields.
func NewSelfRotatingClient(cfg config.ClientConfig, opts Options) (*SelfRotatingClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client config missing name")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client %s missing base_url", cfg.Name)
	}
	models := cfg.Models
	if len(models) == 0 && cfg.Model != "" {
		models = []string{cfg.Model}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("client %s has no models to rotate", cfg.Name)
	}
	tokens := cfg.Tokens
	if len(tokens) == 0 && cfg.Token != "" {
		tokens = []string{cfg.Token}
	}
	call, err := newCaller(cfg.BaseURL, cfg.Token, opts.Proxy, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
	}

	c := &SelfRotatingClient{
		state: state{
			name:      cfg.Name,
			group:     cfg.Group,
			priority:  ParsePriority(cfg.Priority),
			threshold: cfg.BalanceThreshold,
			available: cfg.StartsAvailable(),
		},
		call:             call,
		baseURL:          cfg.BaseURL,
		logger:           opts.logger().WithComponent("aiclient"),
		models:           models,
		tokens:           tokens,
		rotateModelEvery: cfg.RotateModelEvery,
		rotateTokenEvery: cfg.RotateTokenEvery,
		budget:           cfg.MaxRequestsPerDay,
		clock:            time.Now,
	}
	c.periodStart = c.clock()
	if opts.Ledger != nil && c.budget > 0 {
		// Requests already journaled inside the window count against
		// the budget, so a restart cannot double the daily allowance.
		if n, err := opts.Ledger.RequestsSince(context.Background(), cfg.Name, c.periodStart.Add(-budgetPeriod)); err == nil {
			c.periodCount = n
		}
	}
	return c, nil
}

// Model reports the model the next call will use.
func (c *SelfRotatingClient) Model() string {
	c.rotMu.Lock()
	defer c.rotMu.Unlock()
	return c.models[c.modelIdx]
}

// BaseURL reports the fixed endpoint.
func (c *SelfRotatingClient) BaseURL() string { return c.baseURL }

// Available folds the budget window into the availability gate.
func (c *SelfRotatingClient) Available() bool {
	c.rotMu.Lock()
	c.rollPeriodLocked(c.clock())
	c.rotMu.Unlock()
	return c.state.Available()
}

func (c *SelfRotatingClient) rollPeriodLocked(now time.Time) {
	if now.Sub(c.periodStart) < budgetPeriod {
		return
	}
	c.periodStart = now
	c.periodCount = 0
	if c.budgetDead {
		c.budgetDead = false
		c.setAvailable(true)
	}
}

// nextLease picks the model and token for one call and advances the
// rotation counters.
func (c *SelfRotatingClient) nextLease() (string, string, error) {
	c.rotMu.Lock()
	defer c.rotMu.Unlock()
	c.rollPeriodLocked(c.clock())
	if c.budget > 0 && c.periodCount >= c.budget {
		c.budgetDead = true
		c.setAvailable(false)
		return "", "", huberrors.NewAIUnavailableError(
			fmt.Sprintf("client %s spent its %d requests for the day", c.name, c.budget))
	}
	model := c.models[c.modelIdx]
	token := ""
	if len(c.tokens) > 0 {
		token = c.tokens[c.tokenIdx]
	}
	c.requests++
	c.periodCount++
	if c.rotateModelEvery > 0 && c.requests%c.rotateModelEvery == 0 {
		c.modelIdx = (c.modelIdx + 1) % len(c.models)
	}
	if c.rotateTokenEvery > 0 && len(c.tokens) > 0 && c.requests%c.rotateTokenEvery == 0 {
		c.tokenIdx = (c.tokenIdx + 1) % len(c.tokens)
	}
	return model, token, nil
}

// Chat rotates models and tokens on their cadence. An auth rejection
// advances the token immediately; a full cycle of rejections parks the
// client.
func (c *SelfRotatingClient) Chat(ctx context.Context, req Request) (*Response, error) {
	model, token, err := c.nextLease()
	if err != nil {
		return nil, err
	}
	var extra []option.RequestOption
	if token != "" {
		extra = append(extra, option.WithAPIKey(token))
	}
	resp, err := c.call.complete(ctx, model, req, extra...)
	if err != nil {
		if aiErr, ok := huberrors.AsAIError(err); ok && aiErr.AuthFailure() {
			c.retireToken(token)
		}
		return nil, err
	}
	c.rotMu.Lock()
	c.authFails = 0
	c.rotMu.Unlock()
	return resp, nil
}

func (c *SelfRotatingClient) retireToken(token string) {
	c.rotMu.Lock()
	defer c.rotMu.Unlock()
	c.authFails++
	c.logger.Debug("AI token rejected", "client", c.name, "token", tokenHint(token))
	if len(c.tokens) > 1 {
		c.tokenIdx = (c.tokenIdx + 1) % len(c.tokens)
	}
	if len(c.tokens) == 0 || c.authFails >= len(c.tokens) {
		c.setAvailable(false)
		c.logger.Warn("AI client tokens all rejected", "client", c.name)
	}
}

// CheckBalance probes the provider account endpoint with the token the
// next call would use.
func (c *SelfRotatingClient) CheckBalance(ctx context.Context) (float64, error) {
	if c.threshold <= 0 {
		return 0, ErrNoBalanceProbe
	}
	c.rotMu.Lock()
	token := c.call.token
	if len(c.tokens) > 0 {
		token = c.tokens[c.tokenIdx]
	}
	c.rotMu.Unlock()
	return ProbeBalance(ctx, c.call.httpc, c.baseURL, token)
}

// TokenSource supplies the key for the next call. Sources may also
// implement badKeyReporter and balanceSource.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// badKeyReporter retires a key the provider just rejected.
type badKeyReporter interface {
	ReportBadKey(key string)
}

// balanceSource probes the balance behind the active key.
type balanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// TokenRotatingClient reads its key from an external source before
// every call. The source decides when to move on, so a provider that
// drops sessions on key switch only ever sees the change between calls.
type TokenRotatingClient struct {
	state
	call    caller
	model   string
	baseURL string
	source  TokenSource
	logger  logging.Logger
}

var _ Client = (*TokenRotatingClient)(nil)

// NewTokenRotatingClient wires the client to its key source.
func NewTokenRotatingClient(cfg config.ClientConfig, source TokenSource, opts Options) (*TokenRotatingClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client config missing name")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client %s missing base_url", cfg.Name)
	}
	if source == nil {
		return nil, fmt.Errorf("client %s needs a token source", cfg.Name)
	}
	call, err := newCaller(cfg.BaseURL, cfg.Token, opts.Proxy, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
	}
	return &TokenRotatingClient{
		state: state{
			name:      cfg.Name,
			group:     cfg.Group,
			priority:  ParsePriority(cfg.Priority),
			threshold: cfg.BalanceThreshold,
			available: cfg.StartsAvailable(),
		},
		call:    call,
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		source:  source,
		logger:  opts.logger().WithComponent("aiclient"),
	}, nil
}

// Model reports the fixed model.
func (c *TokenRotatingClient) Model() string { return c.model }

// BaseURL reports the fixed endpoint.
func (c *TokenRotatingClient) BaseURL() string { return c.baseURL }

// Chat pulls the active key first, so a rotation scheduled by the
// source lands on the very next call.
func (c *TokenRotatingClient) Chat(ctx context.Context, req Request) (*Response, error) {
	token, err := c.source.Token(ctx)
	if err != nil {
		c.setAvailable(false)
		return nil, huberrors.NewAIUnavailableError(
			fmt.Sprintf("client %s has no usable key: %v", c.name, err))
	}
	c.setAvailable(true)
	resp, err := c.call.complete(ctx, c.model, req, option.WithAPIKey(token))
	if err != nil {
		if aiErr, ok := huberrors.AsAIError(err); ok && aiErr.AuthFailure() {
			if reporter, ok := c.source.(badKeyReporter); ok {
				reporter.ReportBadKey(token)
				c.logger.Warn("AI key rejected, rotating",
					"client", c.name, "key", tokenHint(token))
			} else {
				c.setAvailable(false)
			}
		}
		return nil, err
	}
	return resp, nil
}

// CheckBalance delegates to the key source when it can probe.
func (c *TokenRotatingClient) CheckBalance(ctx context.Context) (float64, error) {
	if src, ok := c.source.(balanceSource); ok {
		return src.Balance(ctx)
	}
	return 0, ErrNoBalanceProbe
}
