package crawler

import (
	"net/http"
	"time"
)

// FetchStatus classifies the outcome of a page fetch as seen by the agents.
type FetchStatus string

// Page fetch statuses. TimeOut and Clutter are soft failures: they lower the
// site's score but are never retried by the caller.
const (
	FetchOK      FetchStatus = "OK"
	FetchTimeOut FetchStatus = "time-out"
	FetchClutter FetchStatus = "clutter"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// IgnoreRobots skips robots.txt for this request even when the fetcher
	// is configured to respect it.
	IgnoreRobots bool
}

// FetchResponse is the raw result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	// RobotsNote is set when robots.txt was unusable: the fetch went ahead
	// without it, or the site was treated as disallowed.
	RobotsNote string
}

// Page is the cleaned, text-only view of a fetched URL handed to the agents.
type Page struct {
	Status       FetchStatus
	Text         string
	URL          string
	StatusCode   int
	UsedHeadless bool
	Duration     time.Duration
	// Reason explains a non-OK status (error text or clutter rule). On an OK
	// page it carries the robots.txt note, if any.
	Reason string
}

// OK reports whether the page carries usable text.
func (p Page) OK() bool {
	return p.Status == FetchOK && p.Text != ""
}
