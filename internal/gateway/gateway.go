// Package gateway wraps the completion provider: it validates outbound
// dialogue, bounds each call with a timeout and classifies failures into the
// domain error kinds the session controller reacts to.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"companion/internal/cache"
	"companion/internal/domain"
	"companion/internal/infra"
	"companion/internal/infra/metrics"
	"companion/internal/providers/completion"
)

// DefaultMaxContentLength bounds each outbound turn, in characters.
const DefaultMaxContentLength = 2000

const (
	defaultMaxTokens      = 400
	defaultTemperature    = 0.9
	defaultTimeout        = 15 * time.Second
	healthChecksPerMinute = 6
)

// Provider is the completion backend.
type Provider interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
}

// Params are the sampling and timeout settings of one call. A nil
// Temperature falls back to the gateway default; zero is a valid setting.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
}

// Temperature returns a pointer for Params.Temperature.
func Temperature(v float64) *float64 { return &v }

func (p Params) temperature() float64 {
	if p.Temperature == nil {
		return 0
	}
	return *p.Temperature
}

// Request is a validated, ready-to-send completion request.
type Request struct {
	Messages []domain.Turn
	Params   Params
	key      cache.Key
}

// Fingerprint identifies the request for caching.
func (r Request) Fingerprint() string { return r.key.Fingerprint() }

// Result is a successful completion.
type Result struct {
	Content        string        `json:"content"`
	TokensUsed     int           `json:"tokens_used"`
	ProcessingTime time.Duration `json:"processing_time"`
	Model          string        `json:"model"`
	Cached         bool          `json:"cached"`
}

// Options configures a Gateway.
type Options struct {
	Provider           Provider
	Cache              *cache.Cache
	Defaults           Params
	MaxContentLength   int
	RateLimitPerMinute int
	Now                func() time.Time
	Logger             *infra.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	provider   Provider
	cache      *cache.Cache
	defaults   Params
	maxContent int
	limiter    *windowLimiter
	checks     *windowLimiter
	now        func() time.Time
	logger     *infra.Logger
}

// New builds a Gateway. Provider is required.
func New(opts Options) (*Gateway, error) {
	if opts.Provider == nil {
		return nil, errors.New("gateway: provider is required")
	}
	defaults := opts.Defaults
	if defaults.MaxTokens <= 0 {
		defaults.MaxTokens = defaultMaxTokens
	}
	if defaults.Temperature == nil {
		defaults.Temperature = Temperature(defaultTemperature)
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = defaultTimeout
	}
	maxContent := opts.MaxContentLength
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.DefaultSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "gateway").Logger()
	return &Gateway{
		provider:   opts.Provider,
		cache:      c,
		defaults:   defaults,
		maxContent: maxContent,
		limiter:    newWindowLimiter(opts.RateLimitPerMinute, time.Minute),
		checks:     newWindowLimiter(healthChecksPerMinute, time.Minute),
		now:        now,
		logger:     &l,
	}, nil
}

// Prepare builds [system] + turns and validates it. Zero-valued params fall
// back to the gateway defaults. Violations yield domain.ErrValidation.
func (g *Gateway) Prepare(systemPrompt string, turns []domain.Turn, params Params) (Request, error) {
	params = g.withDefaults(params)
	messages := make([]domain.Turn, 0, len(turns)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, domain.Turn{Role: domain.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, turns...)
	if err := g.validate(messages); err != nil {
		return Request{}, err
	}

	key := cache.Key{
		Messages:    make([]cache.Message, len(messages)),
		Model:       params.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.temperature(),
	}
	for i, m := range messages {
		key.Messages[i] = cache.Message{Role: string(m.Role), Content: m.Content}
	}
	return Request{Messages: messages, Params: params, key: key}, nil
}

func (g *Gateway) validate(messages []domain.Turn) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: message list cannot be empty", domain.ErrValidation)
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: invalid role %q in message %d", domain.ErrValidation, m.Role, i)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: message %d content is empty", domain.ErrValidation, i)
		}
		if n := utf8.RuneCountInString(m.Content); n > g.maxContent {
			return fmt.Errorf("%w: message %d exceeds maximum length of %d", domain.ErrValidation, i, g.maxContent)
		}
	}
	return nil
}

func (g *Gateway) withDefaults(p Params) Params {
	if p.Model == "" {
		p.Model = g.defaults.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = g.defaults.MaxTokens
	}
	if p.Temperature == nil {
		p.Temperature = g.defaults.Temperature
	}
	if p.Timeout <= 0 {
		p.Timeout = g.defaults.Timeout
	}
	return p
}

// MaxContentLength is the per-turn limit Prepare enforces.
func (g *Gateway) MaxContentLength() int { return g.maxContent }

// Ready reports whether the local limiter would admit a call now without
// taking a slot. Callers check it before spending credits.
func (g *Gateway) Ready() error {
	if !g.limiter.Ready(g.now()) {
		return g.rateLimited()
	}
	return nil
}

func (g *Gateway) rateLimited() error {
	metrics.GatewayLatency.WithLabelValues("local_rate_limited").Observe(0)
	return fmt.Errorf("%w: local limit of %d requests per minute reached", domain.ErrGatewayRateLimited, g.limiter.limit)
}

// Lookup returns a cached result for req, marked Cached.
func (g *Gateway) Lookup(req Request) (*Result, bool) {
	e, ok := g.cache.Get(req.Fingerprint())
	if !ok {
		return nil, false
	}
	return &Result{
		Content:        e.Content,
		TokensUsed:     e.TokensUsed,
		ProcessingTime: e.ProcessingTime,
		Model:          e.Model,
		Cached:         true,
	}, true
}

// Store caches a successful result for req.
func (g *Gateway) Store(req Request, res *Result) {
	if res == nil || res.Cached {
		return
	}
	g.cache.Put(cache.Entry{
		Fingerprint:    req.Fingerprint(),
		Content:        res.Content,
		TokensUsed:     res.TokensUsed,
		ProcessingTime: res.ProcessingTime,
		Model:          res.Model,
		CreatedAt:      g.now(),
	})
}

// Complete issues exactly one provider call bounded by req.Params.Timeout.
// It never retries.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: request was not prepared", domain.ErrValidation)
	}
	if !g.limiter.Allow(g.now()) {
		return nil, g.rateLimited()
	}
	return g.call(ctx, req)
}

func (g *Gateway) call(ctx context.Context, req Request) (*Result, error) {

	callCtx, cancel := context.WithTimeout(ctx, req.Params.Timeout)
	defer cancel()

	messages := make([]completion.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = completion.Message{Role: string(m.Role), Content: m.Content}
	}

	start := g.now()
	resp, err := g.provider.Complete(callCtx, completion.Request{
		Model:       req.Params.Model,
		Messages:    messages,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.temperature(),
	})
	elapsed := g.now().Sub(start)
	if err != nil {
		classified := classify(callCtx, err)
		outcome := outcomeLabel(classified)
		metrics.GatewayLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
		g.logger.Warn().Err(err).Str("outcome", outcome).Dur("elapsed", elapsed).Msg("gateway: completion failed")
		return nil, classified
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		metrics.GatewayLatency.WithLabelValues("provider_failure").Observe(elapsed.Seconds())
		return nil, fmt.Errorf("%w: empty completion", domain.ErrProviderFailure)
	}
	metrics.GatewayLatency.WithLabelValues("ok").Observe(elapsed.Seconds())
	model := resp.Model
	if model == "" {
		model = req.Params.Model
	}
	g.logger.Info().Str("model", model).Int("tokens", resp.TotalTokens).Dur("elapsed", elapsed).Msg("gateway: completion ok")
	return &Result{
		Content:        content,
		TokensUsed:     resp.TotalTokens,
		ProcessingTime: elapsed,
		Model:          model,
	}, nil
}

func classify(callCtx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(callCtx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	case errors.Is(err, completion.ErrRateLimited),
		strings.Contains(strings.ToLower(err.Error()), "rate limit"):
		return fmt.Errorf("%w: %v", domain.ErrGatewayRateLimited, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrGatewayRateLimited):
		return "rate_limited"
	default:
		return "provider_failure"
	}
}

// Health is the result of a health completion.
type Health struct {
	Status    string        `json:"status"`
	Model     string        `json:"model"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Cache     cache.Stats   `json:"cache"`
}

// Health sends a tiny uncached completion. Health checks have their own small
// per-minute budget and never use the chat limiter.
func (g *Gateway) Health(ctx context.Context) Health {
	h := Health{Model: g.defaults.Model, CheckedAt: g.now(), Cache: g.cache.Stats()}
	req, err := g.Prepare("", []domain.Turn{{Role: domain.RoleUser, Content: "ping"}}, Params{MaxTokens: 5})
	if err == nil && !g.checks.Allow(g.now()) {
		err = fmt.Errorf("%w: health check limit of %d per minute reached", domain.ErrGatewayRateLimited, g.checks.limit)
	}
	if err == nil {
		var res *Result
		res, err = g.call(ctx, req)
		if err == nil {
			h.Latency = res.ProcessingTime
		}
	}
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}
	h.Status = "healthy"
	return h
}

// ClearCache drops every cached reply and returns how many were dropped.
func (g *Gateway) ClearCache() int {
	n := g.cache.Stats().Size
	g.cache.Clear()
	g.logger.Info().Int("entries", n).Msg("gateway: cache cleared")
	return n
}

// Stats reports cache and limiter state.
type Stats struct {
	Cache             cache.Stats `json:"cache"`
	RequestsLastMin   int         `json:"requests_last_minute"`
	RequestsPerMinute int         `json:"requests_per_minute_limit"`
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Cache:             g.cache.Stats(),
		RequestsLastMin:   g.limiter.Count(g.now()),
		RequestsPerMinute: g.limiter.limit,
	}
}
