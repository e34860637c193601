// Package chunking runs LLM requests whose content exceeds the model's context
// budget by folding the content through a running summary.
//
// Content that fits is sent once with the plain instruction. Otherwise it is
// cut at token boundaries into slices that fit next to the memory-aware
// instruction and the current proto-memory; every slice is summarised with the
// previous summary prepended, and the per-slice summaries become the content of
// the next pass. Passes repeat until the content fits, stops shrinking, or the
// depth cap is reached.
package chunking

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/llm"
	"github.com/JakeFAU/curious-surfer/internal/metrics"
	"github.com/JakeFAU/curious-surfer/internal/tokens"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultSafetyBuffer    = 2500
	DefaultMaxDepth        = 4
	DefaultMaxChunkRetries = 3
)

const (
	memoryOpen  = "§§§Memory§§§"
	memoryClose = "§§§End of Memory§§§"

	// FoldSchemaName names the structured output of chunk calls.
	FoldSchemaName = "memory_fold"
)

var (
	// ErrBudgetExhausted means instruction plus proto-memory leave no room for content.
	ErrBudgetExhausted = errors.New("chunking: no token budget left for content")
	// ErrNoProgress means a folding pass did not shrink the content.
	ErrNoProgress = errors.New("chunking: folding pass did not reduce content")
	// ErrDepthExceeded means the content still did not fit after the maximum number of passes.
	ErrDepthExceeded = errors.New("chunking: maximum folding depth reached")
)

// Caller issues one gateway call. *llm.Gateway implements it.
type Caller interface {
	Call(ctx context.Context, req llm.Request) llm.Outcome
}

// InstructionPair holds the instruction for a single call and the variant that
// knows about the memory wrapper.
type InstructionPair struct {
	Plain  string
	Memory string
}

// Template carries the request fields shared by every call of one Process.
type Template struct {
	Model       string
	Temperature float64
	// Schema applies to the final plain call only; chunk calls use the fold schema.
	Schema  *llm.Schema
	Purpose string
}

func (t Template) request(instruction, content string, schema *llm.Schema, purpose string) llm.Request {
	return llm.Request{
		Model:       t.Model,
		Messages:    llm.Prompt(instruction, content),
		Temperature: t.Temperature,
		Schema:      schema,
		Purpose:     purpose,
	}
}

// Result is the outcome of Process.
type Result struct {
	Response llm.Response
	Kind     llm.ErrorKind
	Detail   string
	// Partial is set when folding stopped early; Response.Content then holds
	// the summaries gathered so far.
	Partial    bool
	Passes     int
	ChunkCalls int
}

// OK reports a complete, successful answer.
func (r Result) OK() bool { return r.Kind == llm.KindNone && !r.Partial }

// Engine is safe for concurrent use; it keeps no per-call state.
type Engine struct {
	caller          Caller
	acc             *tokens.Accountant
	logger          *zap.Logger
	safetyBuffer    int
	maxDepth        int
	maxChunkRetries int
	foldSchema      *llm.Schema
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSafetyBuffer reserves n tokens of every budget for the response and framing.
func WithSafetyBuffer(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.safetyBuffer = n
		}
	}
}

// WithMaxDepth caps the number of folding passes.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithMaxChunkRetries bounds repeated calls for one failing chunk.
func WithMaxChunkRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxChunkRetries = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Engine on caller, measuring text with acc.
func New(caller Caller, acc *tokens.Accountant, opts ...Option) *Engine {
	e := &Engine{
		caller:          caller,
		acc:             acc,
		logger:          zap.NewNop(),
		safetyBuffer:    DefaultSafetyBuffer,
		maxDepth:        DefaultMaxDepth,
		maxChunkRetries: DefaultMaxChunkRetries,
		foldSchema:      llm.ObjectSchema(FoldSchemaName, map[string]any{"text_output": llm.StringProp()}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("chunking")
	return e
}

// Fits reports whether instruction and content fit in one call.
func (e *Engine) Fits(instruction, content string, budget int) bool {
	return e.acc.Count(instruction)+e.acc.Count(content) <= budget-e.safetyBuffer
}

// Process answers pair.Plain over content within budget tokens per call.
// A returned error explains why a Partial result stopped early; call
// failures are reported through Result.Kind instead.
func (e *Engine) Process(ctx context.Context, tmpl Template, pair InstructionPair, content string, budget int) (Result, error) {
	var res Result
	for {
		if e.Fits(pair.Plain, content, budget) {
			out := e.caller.Call(ctx, tmpl.request(pair.Plain, content, tmpl.Schema, tmpl.Purpose))
			res.Response, res.Kind, res.Detail = out.Response, out.Kind, out.Detail
			return res, nil
		}
		if res.Passes >= e.maxDepth {
			e.logger.Warn("folding depth reached, returning partial content",
				zap.Int("passes", res.Passes), zap.String("purpose", tmpl.Purpose))
			return partial(res, content), ErrDepthExceeded
		}
		res.Passes++

		summaries, out, err := e.fold(ctx, tmpl, pair.Memory, content, budget, &res)
		folded := strings.Join(summaries, " ")
		if err != nil || !out.OK() {
			res = partial(res, folded)
			res.Kind, res.Detail = out.Kind, out.Detail
			e.logger.Warn("folding stopped early",
				zap.String("purpose", tmpl.Purpose),
				zap.Int("pass", res.Passes),
				zap.Int("summaries", len(summaries)),
				zap.String("kind", out.Kind.String()),
				zap.Error(err),
			)
			return res, err
		}

		before, after := e.acc.Count(content), e.acc.Count(folded)
		if after >= before {
			e.logger.Warn("folding pass did not shrink content",
				zap.Int("before_tokens", before), zap.Int("after_tokens", after))
			return partial(res, folded), ErrNoProgress
		}
		e.logger.Debug("folding pass complete",
			zap.String("purpose", tmpl.Purpose),
			zap.Int("pass", res.Passes),
			zap.Int("before_tokens", before),
			zap.Int("after_tokens", after),
		)
		content = folded
	}
}

func partial(res Result, content string) Result {
	res.Partial = true
	res.Response = llm.Response{Content: content}
	return res
}

// fold runs one pass over content and returns the ordered chunk summaries.
// The returned outcome is the last failing call when the pass stopped early.
func (e *Engine) fold(ctx context.Context, tmpl Template, memInstr, content string, budget int, res *Result) ([]string, llm.Outcome, error) {
	pieces := e.acc.Pieces(content)
	memTokens := e.acc.Count(memInstr)
	proto := ""
	var summaries []string

	for pos := 0; pos < len(pieces); {
		if err := ctx.Err(); err != nil {
			return summaries, llm.Outcome{Kind: llm.KindAbort, Detail: err.Error()}, nil
		}
		maxChunk := budget - memTokens - e.acc.Count(proto) - e.safetyBuffer
		if maxChunk <= 0 {
			return summaries, llm.Outcome{}, ErrBudgetExhausted
		}
		end := pos + maxChunk
		if end > len(pieces) {
			end = len(pieces)
		}
		req := tmpl.request(memInstr, Wrap(proto, tokens.Join(pieces[pos:end])), e.foldSchema, tmpl.Purpose+":fold")

		out := e.callChunk(ctx, req, res)
		if !out.OK() {
			return summaries, out, nil
		}
		proto = summaryOf(out.Response.Content)
		summaries = append(summaries, proto)
		pos = end
	}
	return summaries, llm.Outcome{}, nil
}

// callChunk calls the gateway for one chunk, repeating retryable failures
// without advancing.
func (e *Engine) callChunk(ctx context.Context, req llm.Request, res *Result) llm.Outcome {
	var out llm.Outcome
	for try := 0; try <= e.maxChunkRetries; try++ {
		res.ChunkCalls++
		out = e.caller.Call(ctx, req)
		switch {
		case out.OK():
			metrics.ObserveChunkCall("ok")
			return out
		case out.Kind.Retryable() && try < e.maxChunkRetries:
			metrics.ObserveChunkCall("retry")
			e.logger.Debug("retrying chunk", zap.Int("try", try+1), zap.String("kind", out.Kind.String()))
		default:
			metrics.ObserveChunkCall("failed")
			return out
		}
	}
	return out
}

// Wrap prefixes chunk with the proto-memory block.
func Wrap(proto, chunk string) string {
	var b strings.Builder
	b.Grow(len(memoryOpen) + len(memoryClose) + len(proto) + len(chunk) + 3)
	b.WriteString(memoryOpen)
	b.WriteByte('\n')
	b.WriteString(proto)
	b.WriteByte('\n')
	b.WriteString(memoryClose)
	b.WriteByte('\n')
	b.WriteString(chunk)
	return b.String()
}

// Unwrap splits a wrapped chunk into its memory and content parts.
func Unwrap(wrapped string) (proto, chunk string, ok bool) {
	if !strings.HasPrefix(wrapped, memoryOpen+"\n") {
		return "", "", false
	}
	rest := strings.TrimPrefix(wrapped, memoryOpen+"\n")
	idx := strings.Index(rest, "\n"+memoryClose+"\n")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(memoryClose)+2:], true
}

func summaryOf(content string) string {
	var fold struct {
		TextOutput string `json:"text_output"`
	}
	if err := llm.DecodeJSON(content, &fold); err == nil && strings.TrimSpace(fold.TextOutput) != "" {
		return strings.TrimSpace(fold.TextOutput)
	}
	return strings.TrimSpace(content)
}
