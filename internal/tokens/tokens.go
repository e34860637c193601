// Package tokens counts and splits text in model token units.
//
// Every Tokenizer guarantees that the pieces it returns concatenate back to
// the exact input, so callers can cut a document at token boundaries without
// losing or duplicating bytes.
package tokens

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Heuristic names the regex tokenizer used when no BPE table is available.
const Heuristic = "heuristic"

// Tokenizer splits text into token pieces.
type Tokenizer interface {
	Name() string
	Pieces(text string) []string
}

var loaderOnce sync.Once

// NewBPE returns a tiktoken encoding by name (cl100k_base, o200k_base, ...).
// The BPE ranks are compiled in, so no network access is needed.
func NewBPE(encoding string) (Tokenizer, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &bpe{name: encoding, enc: enc}, nil
}

type bpe struct {
	name string
	enc  *tiktoken.Tiktoken
}

func (b *bpe) Name() string { return b.name }

// Pieces decodes each token id back to its text. A multibyte rune split
// across ids decodes to partial bytes; those are carried into the next piece
// so the result stays valid UTF-8 and still joins to the input.
func (b *bpe) Pieces(text string) []string {
	if text == "" {
		return nil
	}
	ids := b.enc.Encode(text, nil, nil)
	out := make([]string, 0, len(ids))
	var pending strings.Builder
	consumed := 0
	for _, id := range ids {
		pending.WriteString(b.enc.Decode([]int{id}))
		p := pending.String()
		if !strings.HasPrefix(text[consumed:], p) {
			continue
		}
		if !validBoundary(text, consumed+len(p)) {
			continue
		}
		out = append(out, p)
		consumed += len(p)
		pending.Reset()
	}
	if consumed < len(text) {
		out = append(out, text[consumed:])
	}
	return out
}

func validBoundary(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	// UTF-8 continuation bytes are 10xxxxxx.
	return text[i]&0xC0 != 0x80
}

var heuristicPattern = regexp.MustCompile(`\s*(?:[\p{L}\p{N}]{1,4}|[^\s\p{L}\p{N}])|\s+`)

type heuristic struct{}

// NewHeuristic returns a tokenizer that approximates BPE: runs of up to four
// letters or digits, or a single symbol, each with its leading whitespace.
func NewHeuristic() Tokenizer { return heuristic{} }

func (heuristic) Name() string { return Heuristic }

func (heuristic) Pieces(text string) []string {
	if text == "" {
		return nil
	}
	return heuristicPattern.FindAllString(text, -1)
}
