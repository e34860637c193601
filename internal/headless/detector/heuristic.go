// Package detector decides when a career page needs a headless re-render.
package detector

import (
	"bytes"
	"net/http"
	"regexp"
	"strings"

	"github.com/JakeFAU/curious-surfer/internal/crawler"
)

const (
	defaultBodyLengthThreshold = 2048
	defaultMinVisibleText      = 400
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// MinVisibleText is the amount of tag-free text below which an app shell
	// or a "enable JavaScript" notice triggers a render.
	MinVisibleText int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinVisibleText: defaultMinVisibleText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var jsRequiredMarkers = [][]byte{
	[]byte("enable javascript"),
	[]byte("javascript is required"),
	[]byte("javascript aktivieren"),
	[]byte("<noscript"),
}

// Applicant tracking systems whose embedded boards only render client side.
var embeddedBoardMarkers = [][]byte{
	[]byte("boards.greenhouse.io/embed"),
	[]byte("jobs.lever.co"),
	[]byte("myworkdayjobs.com"),
	[]byte("jobs.personio"),
	[]byte("smartrecruiters.com"),
}

var (
	scriptOrStyle = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	anyTag        = regexp.MustCompile(`(?s)<[^>]*>`)
)

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	if containsAny(lower, embeddedBoardMarkers) {
		return true
	}
	if visibleTextLen(body) >= h.minVisibleText() {
		return false
	}
	return containsAny(body, spaMarkers) || containsAny(lower, jsRequiredMarkers)
}

func (h *Heuristic) minVisibleText() int {
	if h.MinVisibleText > 0 {
		return h.MinVisibleText
	}
	return defaultMinVisibleText
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func visibleTextLen(body []byte) int {
	text := scriptOrStyle.ReplaceAll(body, nil)
	text = anyTag.ReplaceAll(text, []byte(" "))
	return len(strings.Join(strings.Fields(string(text)), " "))
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
