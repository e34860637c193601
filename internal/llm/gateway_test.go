package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/curious-surfer/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type funcClient func(ctx context.Context, req Request) (Response, error)

func (f funcClient) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Complete(ctx context.Context, req Request) (Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Response), args.Error(1)
}

func validRequest() Request {
	return Request{
		Model:    "gpt-4o-mini",
		Messages: Prompt("classify", "content"),
		Purpose:  "test",
	}
}

func TestGatewaySuccess(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("Complete", mock.Anything, mock.AnythingOfType("llm.Request")).
		Return(Response{Content: `{"ok":true}`, PromptTokens: 12, CompletionTokens: 3}, nil).Once()

	tracker := usage.NewTracker()
	g := NewGateway(client, GatewayConfig{Timeout: time.Second}, WithTracker(tracker))

	out := g.Call(context.Background(), validRequest())
	require.True(t, out.OK())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "gpt-4o-mini", out.Response.Model)
	client.AssertExpectations(t)

	s := tracker.Summary()
	require.Len(t, s.Models, 1)
	assert.Equal(t, 12, s.PromptTokens)
	assert.Equal(t, 0, s.TotalFailures)
}

func TestGatewayClientErrorIsTransient(t *testing.T) {
	t.Parallel()

	g := NewGateway(funcClient(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("upstream 502: bad gateway")
	}), GatewayConfig{Timeout: time.Second})

	out := g.Call(context.Background(), validRequest())
	assert.Equal(t, KindTransient, out.Kind)
	assert.Contains(t, out.Detail, "bad gateway")
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, out.Kind.Retryable())
}

func TestGatewayTimeoutExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var released atomic.Int32
	g := NewGateway(funcClient(func(ctx context.Context, _ Request) (Response, error) {
		calls.Add(1)
		<-ctx.Done()
		released.Add(1)
		return Response{}, ctx.Err()
	}), GatewayConfig{Timeout: 20 * time.Millisecond, MaxAttempts: 3})

	out := g.Call(context.Background(), validRequest())
	assert.Equal(t, KindTimeoutExhausted, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, out.Response.Content)
	assert.EqualValues(t, 3, calls.Load())
	require.Eventually(t, func() bool { return released.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestGatewayRetriesAfterTimeout(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	g := NewGateway(funcClient(func(ctx context.Context, _ Request) (Response, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return Response{}, ctx.Err()
		}
		return Response{Content: "late but fine"}, nil
	}), GatewayConfig{Timeout: 20 * time.Millisecond, MaxAttempts: 3})

	out := g.Call(context.Background(), validRequest())
	require.True(t, out.OK())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "late but fine", out.Response.Content)
}

func TestGatewayModelTimeoutOverride(t *testing.T) {
	t.Parallel()

	g := NewGateway(funcClient(func(ctx context.Context, _ Request) (Response, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return Response{Content: "done"}, nil
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}), GatewayConfig{
		Timeout:       time.Second,
		ModelTimeouts: map[string]time.Duration{"gpt-4o-mini": 10 * time.Millisecond},
		MaxAttempts:   1,
	})

	out := g.Call(context.Background(), validRequest())
	assert.Equal(t, KindTimeoutExhausted, out.Kind)
}

func TestGatewayInvalidRequestAborts(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	g := NewGateway(client, GatewayConfig{})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing model", Request{Messages: Prompt("", "x")}},
		{"no messages", Request{Model: "m"}},
		{"bad role", Request{Model: "m", Messages: []Message{{Role: "robot", Content: "x"}}}},
		{"temperature too high", Request{Model: "m", Messages: Prompt("", "x"), Temperature: 3}},
	}
	for _, tt := range tests {
		out := g.Call(context.Background(), tt.req)
		assert.Equal(t, KindAbort, out.Kind, tt.name)
		assert.Contains(t, out.Detail, "invalid request", tt.name)
	}
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestGatewayCancelledParentAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGateway(funcClient(func(ctx context.Context, _ Request) (Response, error) {
		return Response{}, ctx.Err()
	}), GatewayConfig{Timeout: time.Second})

	out := g.Call(ctx, validRequest())
	assert.Equal(t, KindAbort, out.Kind)
	assert.False(t, out.Kind.Retryable())
}

func TestGatewayOpenBreakerAborts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	g := NewGateway(funcClient(func(context.Context, Request) (Response, error) {
		calls.Add(1)
		return Response{}, errors.New("service unavailable")
	}), GatewayConfig{
		Timeout: time.Second,
		Breaker: BreakerConfig{Enabled: true, FailureRatio: 0.5, MinRequests: 1, OpenTimeout: time.Minute},
	})

	first := g.Call(context.Background(), validRequest())
	assert.Equal(t, KindTransient, first.Kind)

	second := g.Call(context.Background(), validRequest())
	assert.Equal(t, KindAbort, second.Kind)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGatewayClientPanicIsTransient(t *testing.T) {
	t.Parallel()

	g := NewGateway(funcClient(func(context.Context, Request) (Response, error) {
		panic("boom")
	}), GatewayConfig{Timeout: time.Second})

	out := g.Call(context.Background(), validRequest())
	assert.Equal(t, KindTransient, out.Kind)
	assert.Contains(t, out.Detail, "boom")
}

func TestGatewayRateLimitCancelled(t *testing.T) {
	t.Parallel()

	g := NewGateway(funcClient(func(context.Context, Request) (Response, error) {
		return Response{Content: "x"}, nil
	}), GatewayConfig{Timeout: time.Second, RequestsPerMinute: 1})

	require.True(t, g.Call(context.Background(), validRequest()).OK())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := g.Call(ctx, validRequest())
	assert.Equal(t, KindAbort, out.Kind)
	assert.Contains(t, out.Detail, "rate limit")
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var dst struct {
		Score int `json:"score"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"score\": 4}\n```", &dst))
	assert.Equal(t, 4, dst.Score)

	require.NoError(t, DecodeJSON("Here you go: {\"score\": 2} thanks", &dst))
	assert.Equal(t, 2, dst.Score)

	assert.ErrorIs(t, DecodeJSON("   ", &dst), ErrEmptyContent)
	assert.Error(t, DecodeJSON("not json", &dst))
}

func TestObjectSchemaRequiresEveryProperty(t *testing.T) {
	t.Parallel()

	s := ObjectSchema("x", map[string]any{"b": StringProp(), "a": BooleanProp()})
	assert.Equal(t, []string{"a", "b"}, s.Definition["required"])
	assert.Equal(t, false, s.Definition["additionalProperties"])
}
