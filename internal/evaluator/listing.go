package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Listing is one sub-listing embedded in a portal page.
type Listing struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	URL         string `json:"url" yaml:"url"`
}

func (l Listing) empty() bool { return l.Title == "" && l.URL == "" }

// ErrUnparseable is returned when no parser understood a listing.
var ErrUnparseable = errors.New("evaluator: listing could not be parsed")

// ListingParser turns one semi-structured listing string into a Listing.
type ListingParser interface {
	Name() string
	Parse(raw string) (Listing, error)
}

// DefaultParsers is the chain used by Pipeline: strict JSON, then the
// permissive flow-mapping parse, then the regex scrape.
func DefaultParsers() []ListingParser {
	return []ListingParser{JSONParser{}, PermissiveParser{}, RegexParser{}}
}

// JSONParser accepts a strict JSON object.
type JSONParser struct{}

// Name implements ListingParser.
func (JSONParser) Name() string { return "json" }

// Parse implements ListingParser.
func (JSONParser) Parse(raw string) (Listing, error) {
	var l Listing
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &l); err != nil {
		return Listing{}, fmt.Errorf("json listing: %w", err)
	}
	if l.empty() {
		return Listing{}, ErrUnparseable
	}
	return l, nil
}

// PermissiveParser reads single-quoted, literal-style mappings
// ({'title': 'x', 'url': None}) as YAML flow mappings. Bare None, True and
// False are read as literals, not as words.
type PermissiveParser struct{}

// Name implements ListingParser.
func (PermissiveParser) Name() string { return "permissive" }

// Parse implements ListingParser.
func (PermissiveParser) Parse(raw string) (Listing, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return Listing{}, ErrUnparseable
	}
	var m map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return Listing{}, fmt.Errorf("permissive listing: %w", err)
	}
	l := Listing{
		Title:       literal(m["title"]),
		Description: literal(m["description"]),
		URL:         literal(m["url"]),
	}
	if l.empty() {
		return Listing{}, ErrUnparseable
	}
	return l, nil
}

// literal returns the text of a scalar node. Unquoted None and YAML nulls
// are empty; unquoted True and False become lower-case booleans.
func literal(n yaml.Node) string {
	if n.Kind != yaml.ScalarNode {
		return ""
	}
	value := strings.TrimSpace(n.Value)
	if n.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) != 0 {
		return value
	}
	switch {
	case n.Tag == "!!null", value == "None":
		return ""
	case value == "True", value == "False":
		return strings.ToLower(value)
	}
	return value
}

var (
	urlFieldRE   = regexp.MustCompile(`['"]url['"]\s*:\s*['"]([^'"]*)['"]`)
	titleFieldRE = regexp.MustCompile(`['"]title['"]\s*:\s*['"]([^'"]*)['"]`)
)

// RegexParser scrapes the url and title fields out of anything that looks
// like a mapping. Results are degraded-confidence.
type RegexParser struct{}

// Name implements ListingParser.
func (RegexParser) Name() string { return "regex" }

// Parse implements ListingParser.
func (RegexParser) Parse(raw string) (Listing, error) {
	var l Listing
	if m := urlFieldRE.FindStringSubmatch(raw); m != nil {
		l.URL = strings.TrimSpace(m[1])
	}
	if m := titleFieldRE.FindStringSubmatch(raw); m != nil {
		l.Title = strings.TrimSpace(m[1])
	}
	if l.empty() {
		return Listing{}, ErrUnparseable
	}
	return l, nil
}

// ParseListing runs the parsers in order and returns the first success.
func ParseListing(parsers []ListingParser, raw string, logger *zap.Logger) (Listing, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, p := range parsers {
		l, err := p.Parse(raw)
		if err != nil {
			continue
		}
		if _, ok := p.(RegexParser); ok {
			logger.Warn("listing recovered by regex fallback",
				zap.String("title", l.Title), zap.String("url", l.URL))
		}
		return l, p.Name(), nil
	}
	return Listing{}, "", ErrUnparseable
}
