package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Both built-in providers support health pings.
var (
	_ Pinger = (*GeminiProvider)(nil)
	_ Pinger = (*OpenAIProvider)(nil)
)

// fakeProvider returns scripted replies/errors in order, repeating the
// last script entry once exhausted.
type fakeProvider struct {
	name     string
	script   []fakeResult
	calls    int
	requests []Request
}

type fakeResult struct {
	reply *Reply
	err   error
}

func (f *fakeProvider) Generate(ctx context.Context, req Request) (*Reply, error) {
	f.requests = append(f.requests, req)
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	r := f.script[idx]
	return r.reply, r.err
}

func (f *fakeProvider) Name() string { return f.name }

// recordingSleeper captures requested delays without sleeping.
type recordingSleeper struct {
	delays []time.Duration
	err    error
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return r.err
}

func okReply(text string) fakeResult {
	return fakeResult{reply: &Reply{Text: text, Usage: Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}}}
}

func serverError() fakeResult {
	e := NewError("fake", CodeServerError, "internal error", nil)
	e.StatusCode = 503
	return fakeResult{err: e}
}

func newTestClient(fast, deep Provider, sleeper *recordingSleeper) *Client {
	return NewClient(fast, deep, WithSleep(sleeper.sleep))
}

func TestSendRetriesServerErrorThreeTimes(t *testing.T) {
	deep := &fakeProvider{name: "deep", script: []fakeResult{serverError()}}
	sleeper := &recordingSleeper{}
	c := newTestClient(&fakeProvider{name: "fast", script: []fakeResult{okReply("x")}}, deep, sleeper)

	_, err := c.Send(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.Error(t, err)

	assert.Equal(t, 3, deep.calls, "always-failing server error should be attempted exactly 3 times")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.delays)

	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeServerError, ge.Code)
	assert.Equal(t, 503, ge.StatusCode, "last error surfaces unchanged")
}

func TestSendDoesNotRetryNonTransientErrors(t *testing.T) {
	for _, code := range []string{CodeNoCredential, CodeInvalidEndpoint, CodeParseError} {
		t.Run(code, func(t *testing.T) {
			deep := &fakeProvider{name: "deep", script: []fakeResult{{err: NewError("fake", code, code, nil)}}}
			sleeper := &recordingSleeper{}
			c := newTestClient(&fakeProvider{name: "fast"}, deep, sleeper)

			_, err := c.Send(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
			require.Error(t, err)
			assert.Equal(t, 1, deep.calls)
			assert.Empty(t, sleeper.delays)
		})
	}
}

func TestSendRecoversOnSecondAttempt(t *testing.T) {
	deep := &fakeProvider{name: "deep", script: []fakeResult{
		{err: NewError("fake", CodeRateLimited, "slow down", nil)},
		okReply("recovered"),
	}}
	sleeper := &recordingSleeper{}
	c := newTestClient(&fakeProvider{name: "fast"}, deep, sleeper)

	reply, err := c.Send(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)
	assert.Equal(t, 2, deep.calls)
	assert.Equal(t, []time.Duration{1 * time.Second}, sleeper.delays)
}

func TestSendAbortsWhenSleepCancelled(t *testing.T) {
	deep := &fakeProvider{name: "deep", script: []fakeResult{serverError()}}
	sleeper := &recordingSleeper{err: context.Canceled}
	c := newTestClient(&fakeProvider{name: "fast"}, deep, sleeper)

	_, err := c.Send(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, deep.calls)
}

func TestSendWithFallbackUsesFastTierOnce(t *testing.T) {
	deep := &fakeProvider{name: "deep", script: []fakeResult{serverError()}}
	fast := &fakeProvider{name: "fast", script: []fakeResult{okReply("fallback plan")}}
	sleeper := &recordingSleeper{}
	c := newTestClient(fast, deep, sleeper)

	reply, err := c.SendWithFallback(context.Background(), "p", "s", RequestConfig{
		Tier:           TierDeep,
		ThinkingBudget: BudgetHigh,
		JSONMode:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback plan", reply.Text)
	assert.Equal(t, 3, deep.calls, "primary send still exhausts its retries")
	assert.Equal(t, 1, fast.calls, "fallback is a single attempt")

	fbReq := fast.requests[0]
	assert.Equal(t, TierFast, fbReq.Config.Tier)
	assert.Equal(t, BudgetHigh, fbReq.Config.ThinkingBudget)
	assert.True(t, fbReq.Config.JSONMode)
}

func TestSendWithFallbackSurfacesPrimaryError(t *testing.T) {
	deep := &fakeProvider{name: "deep", script: []fakeResult{serverError()}}
	fast := &fakeProvider{name: "fast", script: []fakeResult{{err: NewError("fake", CodeRateLimited, "busy", nil)}}}
	c := newTestClient(fast, deep, &recordingSleeper{})

	_, err := c.SendWithFallback(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.Error(t, err)

	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeServerError, ge.Code, "primary failure is what the caller sees")
	assert.Equal(t, 1, fast.calls)
}

func TestSendWithFallbackSkippedForFastTier(t *testing.T) {
	fast := &fakeProvider{name: "fast", script: []fakeResult{{err: NewError("fake", CodeServerError, "down", nil)}}}
	c := newTestClient(fast, &fakeProvider{name: "deep"}, &recordingSleeper{})

	_, err := c.SendWithFallback(context.Background(), "p", "s", RequestConfig{Tier: TierFast})
	require.Error(t, err)
	assert.Equal(t, 3, fast.calls, "no second fallback loop on the fast tier")
}

func TestErrorClassification(t *testing.T) {
	retryable := []string{CodeRateLimited, CodeServerError, CodeTimeout, CodeNetworkError}
	for _, code := range retryable {
		assert.True(t, NewError("p", code, "m", nil).Retryable(), code)
	}
	fatal := []string{CodeNoCredential, CodeInvalidEndpoint, CodeParseError}
	for _, code := range fatal {
		assert.False(t, NewError("p", code, "m", nil).Retryable(), code)
	}
}

func TestAsErrorUnwrapsWrappedErrors(t *testing.T) {
	inner := NewError("p", CodeTimeout, "deadline", nil)
	wrapped := errors.Join(errors.New("outer"), inner)
	ge, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, ge.Code)
}

// recordSpans routes the global tracer through an in-memory recorder
// for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func findSpan(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func TestSendEmitsSpanWithAttemptCount(t *testing.T) {
	sr := recordSpans(t)
	deep := &fakeProvider{name: "deep", script: []fakeResult{
		{err: NewError("fake", CodeRateLimited, "slow down", nil)},
		okReply("recovered"),
	}}
	c := newTestClient(&fakeProvider{name: "fast"}, deep, &recordingSleeper{})

	_, err := c.Send(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.NoError(t, err)

	span := findSpan(sr.Ended(), "gateway.send")
	require.NotNil(t, span)
	attrs := make(map[string]any)
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "deep", attrs["gateway.provider"])
	assert.Equal(t, int64(2), attrs["gateway.attempts"])
	assert.Empty(t, span.Events())
}

func TestSendRecordsErrorOnSpan(t *testing.T) {
	sr := recordSpans(t)
	deep := &fakeProvider{name: "deep", script: []fakeResult{{err: NewError("fake", CodeNoCredential, "no key", nil)}}}
	c := newTestClient(&fakeProvider{name: "fast"}, deep, &recordingSleeper{})

	_, err := c.Send(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.Error(t, err)

	span := findSpan(sr.Ended(), "gateway.send")
	require.NotNil(t, span)
	require.NotEmpty(t, span.Events())
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestFallbackEmitsOwnSpan(t *testing.T) {
	sr := recordSpans(t)
	deep := &fakeProvider{name: "deep", script: []fakeResult{serverError()}}
	fast := &fakeProvider{name: "fast", script: []fakeResult{okReply("fallback plan")}}
	c := newTestClient(fast, deep, &recordingSleeper{})

	_, err := c.SendWithFallback(context.Background(), "p", "s", RequestConfig{Tier: TierDeep})
	require.NoError(t, err)

	require.NotNil(t, findSpan(sr.Ended(), "gateway.send"))
	require.NotNil(t, findSpan(sr.Ended(), "gateway.fallback"))
}

func TestThinkingBudgetTokens(t *testing.T) {
	assert.Equal(t, int32(0), BudgetNone.Tokens())
	assert.Greater(t, BudgetHigh.Tokens(), BudgetMedium.Tokens())
	assert.Greater(t, BudgetMedium.Tokens(), BudgetLow.Tokens())
	assert.Greater(t, BudgetLow.Tokens(), BudgetMinimal.Tokens())
}
