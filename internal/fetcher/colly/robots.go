package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/metrics"
)

const (
	robotsAttempts = 3
	robotsAllowAll = "User-agent: *\nAllow: /"

	noteUnreachable = "robots.txt unreachable, fetched without it"
	noteHTMLPage    = "robots.txt answered with an HTML page, fetched without it"
	noteServerError = "robots.txt answered %d, site treated as disallowed"
)

// robotsGate sits in front of the collector transport. Career sites often
// hide robots.txt behind slow CDNs or answer it with their careers page; the
// gate retries the request and replaces unusable answers with an allow-all
// file, noting what happened so the page can carry it.
type robotsGate struct {
	base    http.RoundTripper
	outcome *robotsOutcome
	backoff func(attempt int) time.Duration
}

func newRobotsGate(base http.RoundTripper, retry crawler.RetryPolicy) *robotsGate {
	g := &robotsGate{base: base, outcome: &robotsOutcome{}, backoff: defaultRobotsBackoff}
	if retry != nil {
		g.backoff = retry.Backoff
	}
	return g
}

func defaultRobotsBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 250 * time.Millisecond
}

func (g *robotsGate) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots gate: nil request")
	}
	if !isRobotsTxt(req) {
		resp, err := g.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots gate roundtrip: %w", err)
		}
		return resp, nil
	}

	for attempt := 1; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return g.inspect(req, resp)
		}
		if !unreachable(err) {
			return nil, fmt.Errorf("robots request: %w", err)
		}
		if attempt >= robotsAttempts {
			g.outcome.fallback(noteUnreachable)
			return allowAll(req), nil
		}
		if err := sleepWithContext(req.Context(), g.backoff(attempt)); err != nil {
			return nil, fmt.Errorf("robots request backoff: %w", err)
		}
	}
}

// inspect passes a usable robots.txt through. A 5xx is kept (colly then
// disallows the site) but noted; an HTML page in place of the file is
// replaced with allow-all.
func (g *robotsGate) inspect(req *http.Request, resp *http.Response) (*http.Response, error) {
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		g.outcome.note(fmt.Sprintf(noteServerError, resp.StatusCode))
		return resp, nil
	case resp.StatusCode == http.StatusOK && servesHTML(resp):
		_ = resp.Body.Close()
		g.outcome.fallback(noteHTMLPage)
		return allowAll(req), nil
	default:
		return resp, nil
	}
}

func isRobotsTxt(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func servesHTML(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && (mediaType == "text/html" || mediaType == "application/xhtml+xml")
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

// unreachable reports errors worth another try: timeouts, TLS handshake
// stalls and connections dropped by the CDN.
func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

// robotsOutcome keeps the first note of one fetch.
type robotsOutcome struct {
	text string
}

func (p *robotsOutcome) note(text string) {
	if p.text == "" {
		p.text = text
	}
}

func (p *robotsOutcome) fallback(text string) {
	if p.text == "" {
		metrics.ObserveRobotsFallback()
	}
	p.note(text)
}

func (p *robotsOutcome) annotate(resp *crawler.FetchResponse) {
	if p != nil && resp != nil {
		resp.RobotsNote = p.text
	}
}

// explain adds the robots note to a failed fetch.
func (p *robotsOutcome) explain(err error) error {
	if p == nil || p.text == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, p.text)
}
