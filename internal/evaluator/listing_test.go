package evaluator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseListingChain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		raw    string
		parser string
		want   Listing
	}{
		{
			name:   "strict json",
			raw:    `{"title":"Interim CFO","description":"12 months","url":"https://a.example/1"}`,
			parser: "json",
			want:   Listing{Title: "Interim CFO", Description: "12 months", URL: "https://a.example/1"},
		},
		{
			name:   "literal style mapping",
			raw:    `{'title': 'Head of IT', 'description': 'Projekt', 'url': '/jobs/7'}`,
			parser: "permissive",
			want:   Listing{Title: "Head of IT", Description: "Projekt", URL: "/jobs/7"},
		},
		{
			name:   "unquoted keys",
			raw:    `{title: Programme Lead, url: /jobs/2}`,
			parser: "permissive",
			want:   Listing{Title: "Programme Lead", URL: "/jobs/2"},
		},
		{
			name:   "python none",
			raw:    `{'title': 'Interim CFO', 'description': 'Sanierung', 'url': None}`,
			parser: "permissive",
			want:   Listing{Title: "Interim CFO", Description: "Sanierung"},
		},
		{
			name:   "quoted none is text",
			raw:    `{'title': 'None', 'url': '/jobs/9'}`,
			parser: "permissive",
			want:   Listing{Title: "None", URL: "/jobs/9"},
		},
		{
			name:   "python booleans",
			raw:    `{'title': True, 'description': False, 'url': '/jobs/4'}`,
			parser: "permissive",
			want:   Listing{Title: "true", Description: "false", URL: "/jobs/4"},
		},
		{
			name:   "regex scrape",
			raw:    `listing "title": "Projektleiter", 'url': 'https://a.example/3' (truncated`,
			parser: "regex",
			want:   Listing{Title: "Projektleiter", URL: "https://a.example/3"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, parser, err := ParseListing(DefaultParsers(), tc.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.parser, parser)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseListingRejectsNoise(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "garbage", "{}", `{"description":"only"}`, "[1,2,3]", "{'url': None, 'title': None}"} {
		_, _, err := ParseListing(DefaultParsers(), raw, nil)
		assert.ErrorIs(t, err, ErrUnparseable, raw)
	}
}

func TestParseListingLogsRegexFallback(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	_, parser, err := ParseListing(DefaultParsers(), `"title": "CTO"`, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, "regex", parser)
	assert.Equal(t, 1, logs.FilterMessage("listing recovered by regex fallback").Len())

	core, logs = observer.New(zap.WarnLevel)
	_, _, err = ParseListing(DefaultParsers(), `{"title":"CTO"}`, zap.New(core))
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}

func TestParseListingCustomChain(t *testing.T) {
	t.Parallel()

	_, _, err := ParseListing([]ListingParser{JSONParser{}}, `{'title': 'x'}`, nil)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func FuzzParseListing(f *testing.F) {
	for _, seed := range []string{
		`{"title":"a","url":"b"}`,
		`{'title': 'a', 'url': 'b'}`,
		`"title": "a"`,
		`{title: [1, {x: y}]}`,
		`{'url': }`,
		"{\x00}",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		l, parser, err := ParseListing(DefaultParsers(), raw, nil)
		if err != nil {
			return
		}
		if parser == "" {
			t.Fatalf("parsed %q without naming a parser", raw)
		}
		if l.Title == "" && l.URL == "" {
			t.Fatalf("parser %s returned an empty listing for %q", parser, raw)
		}
		if parser == "regex" && !strings.Contains(raw, l.URL) {
			t.Fatalf("regex url %q is not part of the input", l.URL)
		}
	})
}

func TestResolvePrompts(t *testing.T) {
	t.Parallel()

	configured := map[string]string{PromptRelevance: "custom relevance"}
	lookup := func(name, fallback string) string {
		if v, ok := configured[name]; ok {
			return v
		}
		return fallback
	}

	p := ResolvePrompts(lookup, []string{" Interimsmanager ", "", "Restrukturierung"})
	assert.True(t, strings.HasPrefix(p.Relevance, "custom relevance"))
	assert.Contains(t, p.Relevance, "Interimsmanager, Restrukturierung.")
	assert.Contains(t, p.PreFilter, "Werkstudent")
	assert.Contains(t, p.PreFilter, "Interimsmanager")
	assert.Equal(t, defaultExtractorPrompt, p.Extractor)

	bare := ResolvePrompts(nil, nil)
	assert.Equal(t, DefaultPrompts(), bare)
}

func TestInstructionPairMentionsMemoryMarkers(t *testing.T) {
	t.Parallel()

	pr := pair("judge this")
	assert.Equal(t, "judge this", pr.Plain)
	assert.True(t, strings.HasPrefix(pr.Memory, "judge this"))
	assert.Contains(t, pr.Memory, "§§§Memory§§§")
	assert.Contains(t, pr.Memory, "text_output")
}

func TestCandidateWithoutURLSearchesByTitle(t *testing.T) {
	t.Parallel()

	p := New(newFakeProc(), nil, Config{})
	const base = "https://jobs.example.com/careers"

	c, ok := p.candidate(base, `{'title': 'Interim CFO', 'description': 'Sanierung', 'url': None}`)
	require.True(t, ok)
	assert.Equal(t, base+"?q=Interim+CFO", c.URL)
	assert.Equal(t, "Interim CFO", c.Title)

	c, ok = p.candidate(base, `{'title': 'Head of IT', 'url': '/jobs/7'}`)
	require.True(t, ok)
	assert.Equal(t, "https://jobs.example.com/jobs/7", c.URL)
}
