package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/planfit-dev/planfit/pkg/observability"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
)

// SleepFunc suspends the caller for d, honoring ctx cancellation.
// Injected so retry timing is unit-testable without real sleeps.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Client sends prompts through tiered providers with classified retry.
type Client struct {
	fast        Provider
	deep        Provider
	sleep       SleepFunc
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	debug       bool
}

// Option configures a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleeper (tests inject a recorder).
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithRateLimiter installs a client-side request limiter waited on
// before every attempt. Upstream is rate-limited and each call costs
// money, so the client smooths its own request rate.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMaxAttempts overrides the total attempt count.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithDebug enables per-attempt logging.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// NewClient creates a gateway client over a fast-tier and a deep-tier
// provider. The two tiers may be backed by the same provider.
func NewClient(fast, deep Provider, opts ...Option) *Client {
	c := &Client{
		fast:        fast,
		deep:        deep,
		sleep:       defaultSleep,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) provider(tier Tier) Provider {
	if tier == TierDeep {
		return c.deep
	}
	return c.fast
}

// Send issues one generation request with up to maxAttempts attempts.
// Transient failures back off exponentially (1s, 2s, ...); credential,
// endpoint and contract defects return immediately. After exhausting
// retries the last error is surfaced unchanged.
func (c *Client) Send(ctx context.Context, prompt, systemPrompt string, cfg RequestConfig) (*Reply, error) {
	prov := c.provider(cfg.Tier)
	req := Request{Prompt: prompt, SystemPrompt: systemPrompt, Config: cfg}

	ctx, span := observability.StartSpan(ctx, "gateway.send",
		trace.WithAttributes(
			attribute.String("gateway.provider", prov.Name()),
			attribute.String("gateway.tier", string(cfg.Tier)),
			attribute.String("gateway.thinking_budget", string(cfg.ThinkingBudget)),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << uint(attempt-1)
			observability.GatewayRetries.WithLabelValues(prov.Name()).Inc()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		reply, err := c.attempt(ctx, prov, req)
		if err == nil {
			reply.Attempts = attempt + 1
			span.SetAttributes(
				attribute.Int("gateway.attempts", reply.Attempts),
				attribute.Int("gateway.usage.total_tokens", reply.Usage.TotalTokens),
			)
			return reply, nil
		}
		lastErr = err

		ge, ok := AsError(err)
		if !ok || !ge.Retryable() {
			span.RecordError(err)
			return nil, err
		}
		if c.debug {
			log.Printf("[Gateway] attempt %d/%d on %s failed: %v", attempt+1, c.maxAttempts, prov.Name(), err)
		}
	}

	span.RecordError(lastErr)
	return nil, lastErr
}

// SendWithFallback wraps Send with a one-shot fast-tier attempt at the
// highest thinking budget when a deep-tier request fails after retries.
// The fallback is a single attempt, not a further retry loop.
func (c *Client) SendWithFallback(ctx context.Context, prompt, systemPrompt string, cfg RequestConfig) (*Reply, error) {
	reply, err := c.Send(ctx, prompt, systemPrompt, cfg)
	if err == nil || cfg.Tier != TierDeep {
		return reply, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	fb := cfg
	fb.Tier = TierFast
	fb.ThinkingBudget = BudgetHigh
	fb.Model = ""
	observability.GatewayFallbacks.Inc()
	log.Printf("[Gateway] deep tier exhausted, falling back to fast tier: %v", err)

	fbCtx, span := observability.StartSpan(ctx, "gateway.fallback",
		trace.WithAttributes(attribute.String("gateway.provider", c.provider(TierFast).Name())),
	)
	defer span.End()

	reply, fbErr := c.attempt(fbCtx, c.provider(TierFast), Request{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Config:       fb,
	})
	if fbErr != nil {
		span.RecordError(fbErr)
		// Surface the primary failure; the fallback was best-effort.
		return nil, err
	}
	reply.Attempts = c.maxAttempts + 1
	return reply, nil
}

// attempt performs exactly one provider call, recording metrics.
func (c *Client) attempt(ctx context.Context, prov Provider, req Request) (*Reply, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	reply, err := prov.Generate(ctx, req)
	observability.GatewayRequestDuration.WithLabelValues(prov.Name()).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		if ge, ok := AsError(err); ok {
			status = ge.Code
		}
	}
	observability.GatewayRequests.WithLabelValues(prov.Name(), string(req.Config.Tier), status).Inc()

	if err == nil && reply != nil && reply.Usage.TotalTokens > 0 {
		observability.GatewayTokens.WithLabelValues(prov.Name(), "prompt").Add(float64(reply.Usage.PromptTokens))
		observability.GatewayTokens.WithLabelValues(prov.Name(), "completion").Add(float64(reply.Usage.CompletionTokens))
	}

	return reply, err
}
