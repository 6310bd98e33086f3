package aiclient

import (
	"context"
	"fmt"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
)

// StandardClient is the fixed model and token variant.
type StandardClient struct {
	state
	call    caller
	model   string
	baseURL string
	logger  logging.Logger
}

var _ Client = (*StandardClient)(nil)

// NewStandardClient wires a standard client from its roster entry.
func NewStandardClient(cfg config.ClientConfig, opts Options) (*StandardClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client config missing name")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client %s missing base_url", cfg.Name)
	}
	call, err := newCaller(cfg.BaseURL, cfg.Token, opts.Proxy, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
	}
	return &StandardClient{
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
		logger:  opts.logger().WithComponent("aiclient"),
	}, nil
}

// Model reports the fixed model.
func (c *StandardClient) Model() string { return c.model }

// BaseURL reports the fixed endpoint.
func (c *StandardClient) BaseURL() string { return c.baseURL }

// Chat sends the conversation upstream. An auth rejection takes the
// client out of rotation until a balance probe restores it.
func (c *StandardClient) Chat(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.call.complete(ctx, c.model, req)
	if err != nil {
		if aiErr, ok := huberrors.AsAIError(err); ok && aiErr.AuthFailure() {
			c.setAvailable(false)
			c.logger.Warn("AI client credentials rejected",
				"client", c.name, "status", aiErr.StatusCode)
		}
		return nil, err
	}
	return resp, nil
}

// CheckBalance polls the provider account endpoint. Clients without a
// balance threshold are not probed.
func (c *StandardClient) CheckBalance(ctx context.Context) (float64, error) {
	if c.threshold <= 0 {
		return 0, ErrNoBalanceProbe
	}
	return ProbeBalance(ctx, c.call.httpc, c.baseURL, c.call.token)
}
