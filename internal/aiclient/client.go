// Package aiclient provides the chat clients the analysis pipeline
// leases: a standard fixed-endpoint client, a self-rotating client that
// cycles models and tokens on a request cadence, and an outer-rotating
// client fed by an external key pool.
package aiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
)

// Chat roles accepted by OpenAI-compatible endpoints.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Variant names accepted in the client roster configuration.
const (
	VariantStandard      = "standard"
	VariantSelfRotating  = "self_rotating"
	VariantOuterRotating = "outer_rotating"
)

// ErrNoBalanceProbe marks clients whose provider exposes no account
// endpoint worth polling.
var ErrNoBalanceProbe = errors.New("aiclient: no balance probe configured")

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage builds a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Request is one chat call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int64
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is a successful chat reply.
type Response struct {
	Content  string
	Model    string
	Usage    Usage
	Duration time.Duration
}

// Priority orders clients by cost tier. Lower values are leased first.
type Priority int

const (
	PriorityFreebie Priority = iota
	PriorityNormal
	PriorityExpensive
)

// ParsePriority maps a configuration string onto a cost tier,
// defaulting to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "freebie", "free":
		return PriorityFreebie
	case "expensive":
		return PriorityExpensive
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityFreebie:
		return "freebie"
	case PriorityExpensive:
		return "expensive"
	default:
		return "normal"
	}
}

// Client is one upstream chat endpoint the manager can lease.
type Client interface {
	// Chat sends the conversation and returns the reply. Failures are
	// classified per the errors package taxonomy.
	Chat(ctx context.Context, req Request) (*Response, error)

	Name() string
	// Model reports the model the next call will use.
	Model() string
	// BaseURL reports the endpoint the next call will hit.
	BaseURL() string
	Priority() Priority
	Group() string

	// Available reports whether the manager may lease the client.
	Available() bool
	// UpdateBalance records a probe result. Crossing the configured
	// threshold flips availability.
	UpdateBalance(balance float64)
	// Balance returns the last recorded balance.
	Balance() float64
	// CheckBalance queries the provider account endpoint, returning
	// ErrNoBalanceProbe when the client has none.
	CheckBalance(ctx context.Context) (float64, error)

	// InFlight, BeginLease and EndLease expose the lease gauge the
	// manager maintains.
	InFlight() int
	BeginLease()
	EndLease()
}

// Options carries the wiring shared by all client variants.
type Options struct {
	// Proxy routes calls through an HTTP(S) proxy when set.
	Proxy string
	// Timeout caps each upstream call.
	Timeout time.Duration
	Logger  logging.Logger
	// Ledger, when set, seeds daily budgets and mirrors key states.
	Ledger *Ledger
}

func (o Options) logger() logging.Logger {
	if o.Logger == nil {
		return logging.NewNoOpLogger()
	}
	return o.Logger
}

// Build constructs a client from its roster entry.
func Build(cfg config.ClientConfig, opts Options) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Variant)) {
	case "", VariantStandard:
		return NewStandardClient(cfg, opts)
	case VariantSelfRotating:
		return NewSelfRotatingClient(cfg, opts)
	case VariantOuterRotating:
		if cfg.KeysFile == "" {
			return nil, fmt.Errorf("client %s needs keys_file", cfg.Name)
		}
		rotator, err := NewKeyRotator(cfg.KeysFile, cfg.KeysRecordFile, RotatorOptions{
			Threshold: cfg.BalanceThreshold,
			BaseURL:   cfg.BaseURL,
			Proxy:     opts.Proxy,
			Logger:    opts.Logger,
			Ledger:    opts.Ledger,
			Owner:     cfg.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
		}
		return NewTokenRotatingClient(cfg, rotator, opts)
	default:
		return nil, fmt.Errorf("unknown client variant %q", cfg.Variant)
	}
}

// state carries the identity, availability and lease gauge shared by
// the client variants.
type state struct {
	name      string
	group     string
	priority  Priority
	threshold float64

	mu        sync.Mutex
	available bool
	balance   float64

	inflight atomic.Int64
}

func (s *state) Name() string       { return s.name }
func (s *state) Group() string      { return s.group }
func (s *state) Priority() Priority { return s.priority }

func (s *state) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *state) setAvailable(v bool) {
	s.mu.Lock()
	s.available = v
	s.mu.Unlock()
}

// UpdateBalance records a probe result. A zero threshold keeps the
// availability gate manual.
func (s *state) UpdateBalance(balance float64) {
	s.mu.Lock()
	s.balance = balance
	if s.threshold > 0 {
		s.available = balance >= s.threshold
	}
	s.mu.Unlock()
}

// Balance returns the last recorded balance.
func (s *state) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

func (s *state) InFlight() int { return int(s.inflight.Load()) }
func (s *state) BeginLease()   { s.inflight.Add(1) }
func (s *state) EndLease()     { s.inflight.Add(-1) }

// caller owns the SDK plumbing shared by the client variants.
type caller struct {
	api     openai.Client
	httpc   *http.Client
	token   string
	timeout time.Duration
}

func newCaller(baseURL, token, proxy string, timeout time.Duration) (caller, error) {
	// The hub owns the retry policy; SDK retries would multiply it.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if token != "" {
		opts = append(opts, option.WithAPIKey(token))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	httpc := http.DefaultClient
	if proxy != "" {
		parsed, err := url.Parse(proxy)
		if err != nil {
			return caller{}, fmt.Errorf("parse proxy url: %w", err)
		}
		httpc = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(parsed)}}
		opts = append(opts, option.WithHTTPClient(httpc))
	}
	return caller{
		api:     openai.NewClient(opts...),
		httpc:   httpc,
		token:   token,
		timeout: timeout,
	}, nil
}

func (c caller) complete(ctx context.Context, model string, req Request, extra ...option.RequestOption) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("aiclient: empty message list")
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       openai.ChatModel(model),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	completion, err := c.api.Chat.Completions.New(callCtx, params, extra...)
	if err != nil {
		return nil, classifyCallError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, huberrors.NewAIParseError("completion carried no choices")
	}
	return &Response{
		Content: completion.Choices[0].Message.Content,
		Model:   completion.Model,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}

// classifyCallError maps SDK failures onto the retry taxonomy.
func classifyCallError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return huberrors.NewAIHTTPError(apiErr.StatusCode, msg, err)
	}
	return huberrors.NewAITransportError(err)
}

// tokenHint masks a key for logs and ledger rows.
func tokenHint(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
