package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/curious-surfer/internal/metrics"
	"github.com/JakeFAU/curious-surfer/internal/usage"
)

var errAttemptTimeout = errors.New("llm attempt timed out")

// BreakerConfig tunes the circuit breaker in front of the client.
type BreakerConfig struct {
	Enabled      bool
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration
}

// GatewayConfig holds the resilience limits.
type GatewayConfig struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// ModelTimeouts overrides Timeout per model id.
	ModelTimeouts map[string]time.Duration
	// MaxAttempts counts total tries, including the first.
	MaxAttempts       int
	RequestsPerMinute float64
	Breaker           BreakerConfig
}

func (c *GatewayConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Gateway issues LLM calls with per-attempt deadlines, bounded retries on
// timeout and a typed outcome classification. It is safe for concurrent use.
type Gateway struct {
	client   Client
	cfg      GatewayConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	validate *validator.Validate
	tracker  *usage.Tracker
	logger   *zap.Logger
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithTracker records every call in t.
func WithTracker(t *usage.Tracker) GatewayOption {
	return func(g *Gateway) { g.tracker = t }
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway wraps client.
func NewGateway(client Client, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	cfg.defaults()
	g := &Gateway{
		client:   client,
		cfg:      cfg,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("llm_gateway")
	if cfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), 1)
	}
	if cfg.Breaker.Enabled {
		g.breaker = newBreaker(cfg.Breaker, g.logger)
	}
	return g
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 {
		ratio = 0.8
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Call executes req. It never returns a Go error: the outcome kind says
// whether the caller got an answer, may retry, or must stop.
func (g *Gateway) Call(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: KindAbort, Detail: fmt.Sprintf("gateway fault: %v", r), Attempts: out.Attempts}
		}
		g.observe(req, out, time.Since(start))
	}()

	if err := g.validate.Struct(req); err != nil {
		return Outcome{Kind: KindAbort, Detail: "invalid request: " + err.Error()}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: KindAbort, Detail: "rate limit wait: " + err.Error()}
		}
	}

	timeout := g.timeoutFor(req.Model)
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: KindAbort, Detail: err.Error(), Attempts: attempt - 1}
		}
		resp, err := g.attempt(ctx, req, timeout)
		switch {
		case err == nil:
			if resp.Model == "" {
				resp.Model = req.Model
			}
			return Outcome{Response: resp, Attempts: attempt}
		case errors.Is(err, errAttemptTimeout):
			g.logger.Warn("llm attempt timed out",
				zap.String("model", req.Model),
				zap.String("purpose", req.Purpose),
				zap.Int("attempt", attempt),
				zap.Duration("timeout", timeout),
			)
			continue
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return Outcome{Kind: KindAbort, Detail: err.Error(), Attempts: attempt}
		case ctx.Err() != nil:
			return Outcome{Kind: KindAbort, Detail: ctx.Err().Error(), Attempts: attempt}
		default:
			return Outcome{Kind: KindTransient, Detail: err.Error(), Attempts: attempt}
		}
	}
	return Outcome{
		Kind:     KindTimeoutExhausted,
		Detail:   fmt.Sprintf("no response within %s after %d attempts", timeout, g.cfg.MaxAttempts),
		Attempts: g.cfg.MaxAttempts,
	}
}

// attempt runs one client call on its own goroutine and races it against the
// attempt deadline. Cancelling the attempt context aborts the in-flight
// request; the result channel is buffered so the goroutine always exits.
func (g *Gateway) attempt(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("client panic: %v", r)}
			}
		}()
		resp, err := g.execute(actx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return Response{}, errAttemptTimeout
		}
		return r.resp, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		return Response{}, errAttemptTimeout
	}
}

func (g *Gateway) execute(ctx context.Context, req Request) (Response, error) {
	if g.breaker == nil {
		return g.client.Complete(ctx, req)
	}
	v, err := g.breaker.Execute(func() (interface{}, error) {
		return g.client.Complete(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	resp, ok := v.(Response)
	if !ok {
		return Response{}, fmt.Errorf("unexpected breaker result %T", v)
	}
	return resp, nil
}

func (g *Gateway) timeoutFor(model string) time.Duration {
	if d, ok := g.cfg.ModelTimeouts[model]; ok && d > 0 {
		return d
	}
	return g.cfg.Timeout
}

func (g *Gateway) observe(req Request, out Outcome, elapsed time.Duration) {
	g.tracker.Record(req.Model, out.Response.PromptTokens, out.Response.CompletionTokens, !out.OK())
	metrics.ObserveLLMCall(req.Model, req.Purpose, out.Kind.String(), elapsed)
	metrics.ObserveLLMTokens(req.Model, out.Response.PromptTokens, out.Response.CompletionTokens)
	if !out.OK() {
		g.logger.Warn("llm call failed",
			zap.String("model", req.Model),
			zap.String("purpose", req.Purpose),
			zap.String("kind", out.Kind.String()),
			zap.String("detail", out.Detail),
			zap.Int("attempts", out.Attempts),
		)
		return
	}
	g.logger.Debug("llm call complete",
		zap.String("model", req.Model),
		zap.String("purpose", req.Purpose),
		zap.Int("attempts", out.Attempts),
		zap.Int("prompt_tokens", out.Response.PromptTokens),
		zap.Int("completion_tokens", out.Response.CompletionTokens),
		zap.Duration("elapsed", elapsed),
	)
}
