package clutter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", n/5))
}

func TestCheck(t *testing.T) {
	t.Parallel()

	linkFarm := []byte("<html><body>" + strings.Repeat(`<a href="/x">lorem ipsum dolor sit amet</a> `, 30) + "<p>tiny</p></body></html>")

	tests := []struct {
		name       string
		text       string
		html       []byte
		wantReason string
	}{
		{name: "too short", text: "Hello world", wantReason: "fewer than 150 characters"},
		{name: "plain long text", text: words(100)},
		{name: "job text with few words", text: "Interim Project Manager wanted. Apply with your experience in management of complex programmes across Europe, starting next month for at least twelve months."},
		{name: "few words", text: words(60), wantReason: "60 words"},
		{name: "boilerplate in short text", text: words(100) + " privacy policy", wantReason: "boilerplate"},
		{name: "link farm", text: words(150), html: linkFarm, wantReason: "link density"},
		{name: "job links are kept", text: words(150) + " vacancy position", html: linkFarm},
	}

	d := New(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := d.Check(tt.text, tt.html)
			if tt.wantReason == "" {
				assert.False(t, v.Clutter, v.Reason)
				return
			}
			assert.True(t, v.Clutter)
			assert.Contains(t, v.Reason, tt.wantReason)
		})
	}
}

func TestBoilerplateHeavy(t *testing.T) {
	t.Parallel()

	assert.True(t, boilerplateHeavy("a\n\nb", 2, 500))
	assert.True(t, boilerplateHeavy("a\n\nb\n\nc\n\nd\n\ne\n\nf\n\ng\n\nh\n\ni\n\nj\n\nk\n\nl\n\nm", 6, 1000))
	assert.True(t, boilerplateHeavy("a\n\nb\n\nc\n\nd\n\ne\n\nf\n\ng", 3, 250))
	assert.False(t, boilerplateHeavy("a\n\nb\n\nc\n\nd\n\ne\n\nf\n\ng", 3, 400))
	assert.False(t, boilerplateHeavy("a", 0, 10))
}

func TestLinkDensity(t *testing.T) {
	t.Parallel()

	got, err := LinkDensity([]byte(`<html><body><p>abcd</p><a href="#">efgh</a><script>xxxxxxxx</script></body></html>`))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got, 1e-9)

	got, err = LinkDensity([]byte(`<html><body></body></html>`))
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestCountJobIndicators(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, CountJobIndicators("lorem ipsum"))
	assert.Equal(t, 3, CountJobIndicators("interim manager, bitte bewerbung senden"))
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	d := New(Config{MinWords: 10, MaxLinkDensity: 0.5})
	assert.Equal(t, 10, d.minWords)
	assert.InDelta(t, 0.5, d.maxLinkDensity, 1e-9)
	d = New(Config{})
	assert.Equal(t, defaultMinWords, d.minWords)
}
