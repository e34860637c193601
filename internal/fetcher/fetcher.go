// Package fetcher turns a URL into the cleaned page text the agents read.
//
// A fetch waits on the per-domain rate limit, runs the static fetcher (which
// retries timeouts), re-renders JavaScript-heavy pages headlessly when the
// detector asks for it, sanitises the HTML, converts it to Markdown and
// finally rejects clutter. Failures never surface as errors: they become a
// time-out or clutter Page.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/fetcher/clutter"
	"github.com/JakeFAU/curious-surfer/internal/metrics"
)

// RateLimiter spaces requests per domain.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	ReportResult(rawURL string, statusCode int)
}

// Policy gates fetches and headless renders.
type Policy interface {
	AllowFetch(rawURL string) bool
	AllowHeadless(rawURL string) bool
}

// ClutterChecker classifies extracted text.
type ClutterChecker interface {
	Check(text string, html []byte) clutter.Verdict
}

// PageFetcher implements crawler.PageFetcher.
type PageFetcher struct {
	static    crawler.Fetcher
	headless  crawler.Fetcher
	detector  crawler.HeadlessDetector
	limiter   RateLimiter
	policy    Policy
	clutter   ClutterChecker
	sanitizer *bluemonday.Policy
	markdown  *converter.Converter
	headers   http.Header
	logger    *zap.Logger
}

var _ crawler.PageFetcher = (*PageFetcher)(nil)

// Option customizes a PageFetcher.
type Option func(*PageFetcher)

// WithHeadless enables re-rendering pages the detector promotes.
func WithHeadless(f crawler.Fetcher, d crawler.HeadlessDetector) Option {
	return func(p *PageFetcher) {
		p.headless = f
		p.detector = d
	}
}

// WithRateLimiter sets the per-domain limiter.
func WithRateLimiter(l RateLimiter) Option { return func(p *PageFetcher) { p.limiter = l } }

// WithPolicy sets the fetch policy.
func WithPolicy(pol Policy) Option { return func(p *PageFetcher) { p.policy = pol } }

// WithClutterChecker replaces the default clutter detector.
func WithClutterChecker(c ClutterChecker) Option {
	return func(p *PageFetcher) {
		if c != nil {
			p.clutter = c
		}
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(h http.Header) Option { return func(p *PageFetcher) { p.headers = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *PageFetcher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New wraps a static fetcher.
func New(static crawler.Fetcher, opts ...Option) *PageFetcher {
	p := &PageFetcher{
		static:    static,
		clutter:   clutter.New(clutter.Config{}),
		sanitizer: bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("fetcher")
	return p
}

// FetchPage fetches rawURL and returns its cleaned text.
func (p *PageFetcher) FetchPage(ctx context.Context, rawURL string) crawler.Page {
	start := time.Now()
	page := p.fetch(ctx, rawURL)
	page.URL = rawURL
	page.Duration = time.Since(start)
	metrics.ObserveFetch(rawURL, string(page.Status), len(page.Text))
	switch {
	case page.Status != crawler.FetchOK:
		p.logger.Info("page not usable",
			zap.String("url", rawURL),
			zap.String("status", string(page.Status)),
			zap.String("reason", page.Reason),
		)
	case page.Reason != "":
		p.logger.Info("page fetched without robots.txt",
			zap.String("url", rawURL),
			zap.String("note", page.Reason),
		)
	}
	return page
}

func (p *PageFetcher) fetch(ctx context.Context, rawURL string) crawler.Page {
	if p.policy != nil && !p.policy.AllowFetch(rawURL) {
		return crawler.Page{Status: crawler.FetchClutter, Reason: "domain blocked"}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, rawURL); err != nil {
			return crawler.Page{Status: crawler.FetchTimeOut, Reason: err.Error()}
		}
	}

	resp, err := p.static.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Headers: p.headers})
	if err != nil {
		return crawler.Page{Status: classify(err), Reason: err.Error()}
	}
	if p.limiter != nil {
		p.limiter.ReportResult(rawURL, resp.StatusCode)
	}
	resp = p.maybeRender(ctx, rawURL, resp)

	text, err := p.extract(resp)
	if err != nil {
		return crawler.Page{Status: crawler.FetchClutter, Reason: err.Error(), StatusCode: resp.StatusCode}
	}
	if verdict := p.clutter.Check(text, resp.Body); verdict.Clutter {
		return crawler.Page{
			Status:       crawler.FetchClutter,
			Reason:       verdict.Reason,
			StatusCode:   resp.StatusCode,
			UsedHeadless: resp.UsedHeadless,
		}
	}
	return crawler.Page{
		Status:       crawler.FetchOK,
		Text:         text,
		StatusCode:   resp.StatusCode,
		UsedHeadless: resp.UsedHeadless,
		Reason:       resp.RobotsNote,
	}
}

func (p *PageFetcher) maybeRender(ctx context.Context, rawURL string, resp crawler.FetchResponse) crawler.FetchResponse {
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(resp) {
		return resp
	}
	if p.policy != nil && !p.policy.AllowHeadless(rawURL) {
		p.logger.Debug("headless budget used up", zap.String("url", rawURL))
		return resp
	}
	metrics.ObserveHeadlessPromotion()
	rendered, err := p.headless.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Headers: p.headers})
	if err != nil {
		p.logger.Warn("headless render failed, keeping static body", zap.String("url", rawURL), zap.Error(err))
		return resp
	}
	return rendered
}

func (p *PageFetcher) extract(resp crawler.FetchResponse) (string, error) {
	clean := p.sanitizer.SanitizeBytes(resp.Body)
	md, err := p.markdown.ConvertString(string(clean), converter.WithDomain(resp.URL))
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return md, nil
}

// classify maps a fetch error onto the page statuses: timeouts that survived
// the retry policy are time-outs, everything else is clutter.
func classify(err error) crawler.FetchStatus {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return crawler.FetchTimeOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawler.FetchTimeOut
	}
	return crawler.FetchClutter
}
