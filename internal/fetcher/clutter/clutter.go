// Package clutter decides whether fetched page text is worth sending to the
// model or is boilerplate, a link farm or an empty shell.
package clutter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultMinWords       = 80
	defaultMaxLinkDensity = 0.75
	minChars              = 150
	minJobIndicators      = 2
)

var jobIndicators = []string{
	"position", "vacancy", "responsibilities", "qualifications",
	"experience", "skills", "apply", "application", "interim",
	"manager", "management", "project", "lead", "director", "head of",
	"stellenangebot", "karriere", "bewerbung", "tätigkeiten", "aufgaben",
}

var boilerplate = regexp.MustCompile(`cookies?\s+policy|privacy\s+policy|terms\s+of\s+service|subscribe|subscription|sign\s+up|login|advertisement|please\s+enable\s+javascript|this\s+site\s+uses\s+cookies|akzeptieren|datenschutz`)

// Config tunes the detector. Zero values use the defaults.
type Config struct {
	MinWords       int
	MaxLinkDensity float64
}

// Verdict explains a Check.
type Verdict struct {
	Clutter            bool
	Reason             string
	Words              int
	JobIndicators      int
	BoilerplateMatches int
	LinkDensity        float64
}

// Detector is stateless and safe for concurrent use.
type Detector struct {
	minWords       int
	maxLinkDensity float64
}

// New builds a Detector.
func New(cfg Config) *Detector {
	d := &Detector{minWords: defaultMinWords, maxLinkDensity: defaultMaxLinkDensity}
	if cfg.MinWords > 0 {
		d.minWords = cfg.MinWords
	}
	if cfg.MaxLinkDensity > 0 {
		d.maxLinkDensity = cfg.MaxLinkDensity
	}
	return d
}

// Check classifies the extracted text. html is the page it came from and
// may be nil, in which case link density is not considered.
func (d *Detector) Check(text string, html []byte) Verdict {
	lower := strings.ToLower(text)
	v := Verdict{
		Words:              len(strings.Fields(text)),
		JobIndicators:      CountJobIndicators(lower),
		BoilerplateMatches: len(boilerplate.FindAllStringIndex(lower, -1)),
	}
	if len(strings.TrimSpace(text)) < minChars {
		return v.clutter(fmt.Sprintf("fewer than %d characters", minChars))
	}
	if len(html) > 0 {
		density, err := LinkDensity(html)
		if err == nil {
			v.LinkDensity = density
			if density > d.maxLinkDensity && v.JobIndicators < minJobIndicators {
				return v.clutter(fmt.Sprintf("link density %.2f", density))
			}
		}
	}
	if v.JobIndicators >= minJobIndicators {
		return v
	}
	if v.Words < d.minWords {
		return v.clutter(fmt.Sprintf("%d words", v.Words))
	}
	if boilerplateHeavy(text, v.BoilerplateMatches, v.Words) {
		return v.clutter("boilerplate")
	}
	return v
}

func (v Verdict) clutter(reason string) Verdict {
	v.Clutter = true
	v.Reason = reason
	return v
}

// CountJobIndicators counts how many distinct job vocabulary terms occur in
// the lowercased text.
func CountJobIndicators(lower string) int {
	n := 0
	for _, term := range jobIndicators {
		if strings.Contains(lower, term) {
			n++
		}
	}
	return n
}

func boilerplateHeavy(text string, matches, words int) bool {
	segments := len(strings.Split(text, "\n\n"))
	switch {
	case words < 150 && matches > 0:
		return true
	case float64(matches) > float64(segments)/2:
		return true
	default:
		return matches > 5 || (matches > 2 && words < 300)
	}
}

// LinkDensity is the share of the body's visible text that sits inside
// anchors.
func LinkDensity(html []byte) (float64, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}
	body := doc.Find("body")
	body.Find("script, style, noscript").Remove()
	total := len(strings.Join(strings.Fields(body.Text()), ""))
	if total == 0 {
		return 0, nil
	}
	linked := 0
	body.Find("a").Each(func(_ int, a *goquery.Selection) {
		linked += len(strings.Join(strings.Fields(a.Text()), ""))
	})
	return float64(linked) / float64(total), nil
}
