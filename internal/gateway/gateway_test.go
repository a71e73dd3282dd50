package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"companion/internal/cache"
	"companion/internal/domain"
	"companion/internal/providers/completion"
)

type providerFunc func(ctx context.Context, req completion.Request) (*completion.Response, error)

func (f providerFunc) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	return f(ctx, req)
}

func okProvider(calls *int32) providerFunc {
	return func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		atomic.AddInt32(calls, 1)
		return &completion.Response{Content: " hola ", TotalTokens: 9}, nil
	}
}

func newTestGateway(t *testing.T, p Provider, opts Options) *Gateway {
	t.Helper()
	opts.Provider = p
	if opts.Defaults.Model == "" {
		opts.Defaults = Params{Model: "llama-3.1-8b-instant", MaxTokens: 400, Temperature: Temperature(0.9), Timeout: time.Second}
	}
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return g
}

func userTurn(s string) domain.Turn { return domain.Turn{Role: domain.RoleUser, Content: s} }

func TestPrepareValidation(t *testing.T) {
	var calls int32
	g := newTestGateway(t, okProvider(&calls), Options{MaxContentLength: 10})

	tests := []struct {
		name   string
		system string
		turns  []domain.Turn
	}{
		{name: "empty list", turns: nil},
		{name: "bad role", turns: []domain.Turn{{Role: "tool", Content: "x"}}},
		{name: "blank content", turns: []domain.Turn{userTurn("   ")}},
		{name: "too long", turns: []domain.Turn{userTurn(strings.Repeat("a", 11))}},
		{name: "system too long", system: strings.Repeat("s", 11), turns: []domain.Turn{userTurn("hi")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Prepare(tt.system, tt.turns, Params{}); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Prepare error = %v, want ErrValidation", err)
			}
		})
	}
	if calls != 0 {
		t.Fatalf("provider called %d times during validation", calls)
	}

	// multibyte characters count once each
	if _, err := g.Prepare("", []domain.Turn{userTurn(strings.Repeat("ñ", 10))}, Params{}); err != nil {
		t.Fatalf("Prepare rejected 10 runes: %v", err)
	}
}

func TestPrepareBuildsSystemFirst(t *testing.T) {
	var calls int32
	g := newTestGateway(t, okProvider(&calls), Options{})
	req, err := g.Prepare("be kind", []domain.Turn{userTurn("hola")}, Params{})
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != domain.RoleSystem || req.Messages[1].Content != "hola" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Params.MaxTokens != 400 || req.Params.Timeout != time.Second {
		t.Fatalf("params = %+v, want defaults", req.Params)
	}
}

func TestCompleteSuccessAndCache(t *testing.T) {
	var calls int32
	g := newTestGateway(t, okProvider(&calls), Options{Cache: cache.New(4)})
	req, err := g.Prepare("sys", []domain.Turn{userTurn("hola")}, Params{})
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	if _, ok := g.Lookup(req); ok {
		t.Fatalf("unexpected cache hit")
	}

	res, err := g.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if res.Content != "hola" || res.TokensUsed != 9 || res.Cached {
		t.Fatalf("result = %+v", res)
	}
	if res.Model != "llama-3.1-8b-instant" {
		t.Fatalf("Model = %q, want request model", res.Model)
	}
	g.Store(req, res)

	again, _ := g.Prepare("sys", []domain.Turn{userTurn("hola")}, Params{})
	hit, ok := g.Lookup(again)
	if !ok || !hit.Cached || hit.Content != "hola" {
		t.Fatalf("Lookup = %+v, %v", hit, ok)
	}
	if calls != 1 {
		t.Fatalf("provider calls = %d, want 1", calls)
	}
	if s := g.Stats(); s.Cache.Hits != 1 || s.Cache.Misses != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestCompleteTimeout(t *testing.T) {
	g := newTestGateway(t, providerFunc(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Options{})
	req, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Complete(context.Background(), req)
	if !errors.Is(err, domain.ErrGatewayTimeout) {
		t.Fatalf("error = %v, want ErrGatewayTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}
	if !domain.IsGatewayFailure(err) {
		t.Fatalf("IsGatewayFailure(%v) = false", err)
	}
}

func TestCompleteClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "429", err: completion.ErrRateLimited, want: domain.ErrGatewayRateLimited},
		{name: "rate limit text", err: errors.New("Rate limit reached"), want: domain.ErrGatewayRateLimited},
		{name: "generic", err: errors.New("completion: status 500: boom"), want: domain.ErrProviderFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, providerFunc(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
				return nil, tt.err
			}), Options{})
			req, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{})
			if _, err := g.Complete(context.Background(), req); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLocalRateLimit(t *testing.T) {
	var calls int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGateway(t, okProvider(&calls), Options{
		RateLimitPerMinute: 2,
		Now:                func() time.Time { return now },
	})
	req, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{})

	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), req); err != nil {
			t.Fatalf("call %d error: %v", i, err)
		}
	}
	if _, err := g.Complete(context.Background(), req); !errors.Is(err, domain.ErrGatewayRateLimited) {
		t.Fatalf("third call error = %v, want ErrGatewayRateLimited", err)
	}
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}

	now = now.Add(61 * time.Second)
	if _, err := g.Complete(context.Background(), req); err != nil {
		t.Fatalf("call after window error: %v", err)
	}
}

func TestHealth(t *testing.T) {
	var calls int32
	g := newTestGateway(t, okProvider(&calls), Options{})
	if h := g.Health(context.Background()); h.Status != "healthy" {
		t.Fatalf("Health = %+v", h)
	}

	bad := newTestGateway(t, providerFunc(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		return nil, errors.New("down")
	}), Options{})
	h := bad.Health(context.Background())
	if h.Status != "unhealthy" || h.Error == "" {
		t.Fatalf("Health = %+v", h)
	}
}

func TestZeroTemperatureIsKept(t *testing.T) {
	var sent []float64
	g := newTestGateway(t, providerFunc(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		sent = append(sent, req.Temperature)
		return &completion.Response{Content: "ok"}, nil
	}), Options{})

	zero, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{Temperature: Temperature(0)})
	unset, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{})
	if zero.Fingerprint() == unset.Fingerprint() {
		t.Fatalf("temperature 0 and default share a fingerprint")
	}
	for _, req := range []Request{zero, unset} {
		if _, err := g.Complete(context.Background(), req); err != nil {
			t.Fatalf("Complete error: %v", err)
		}
	}
	if len(sent) != 2 || sent[0] != 0 || sent[1] != 0.9 {
		t.Fatalf("temperatures sent = %v, want [0 0.9]", sent)
	}

	// a gateway configured with temperature 0 keeps it as its default
	cold, err := New(Options{Provider: okProvider(new(int32)), Defaults: Params{Temperature: Temperature(0)}})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	req, _ := cold.Prepare("", []domain.Turn{userTurn("hola")}, Params{})
	if req.Params.temperature() != 0 {
		t.Fatalf("default temperature = %v, want 0", req.Params.temperature())
	}
}

func TestReadyDoesNotTakeASlot(t *testing.T) {
	var calls int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGateway(t, okProvider(&calls), Options{
		RateLimitPerMinute: 1,
		Now:                func() time.Time { return now },
	})
	for i := 0; i < 3; i++ {
		if err := g.Ready(); err != nil {
			t.Fatalf("Ready #%d error: %v", i, err)
		}
	}
	req, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{})
	if _, err := g.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if err := g.Ready(); !errors.Is(err, domain.ErrGatewayRateLimited) {
		t.Fatalf("Ready after limit = %v, want ErrGatewayRateLimited", err)
	}
}

func TestHealthUsesItsOwnBudget(t *testing.T) {
	var calls int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGateway(t, okProvider(&calls), Options{
		RateLimitPerMinute: 2,
		Now:                func() time.Time { return now },
	})
	for i := 0; i < 40; i++ {
		g.Health(context.Background())
	}
	if calls != healthChecksPerMinute {
		t.Fatalf("health calls = %d, want %d", calls, healthChecksPerMinute)
	}
	if h := g.Health(context.Background()); h.Status != "unhealthy" {
		t.Fatalf("Health over budget = %+v", h)
	}
	if s := g.Stats(); s.RequestsLastMin != 0 {
		t.Fatalf("chat limiter used by health checks: %+v", s)
	}

	req, _ := g.Prepare("", []domain.Turn{userTurn("hola")}, Params{})
	if _, err := g.Complete(context.Background(), req); err != nil {
		t.Fatalf("chat after health checks error = %v", err)
	}
}
