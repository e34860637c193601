package tokens

import (
	"strings"

	"go.uber.org/zap"
)

// Accountant answers token questions for one tokenizer profile.
type Accountant struct {
	tok Tokenizer
}

// NewAccountant wraps tok.
func NewAccountant(tok Tokenizer) *Accountant {
	return &Accountant{tok: tok}
}

// ForProfile resolves a profile name to an Accountant. Unknown or unloadable
// BPE profiles fall back to the heuristic tokenizer with a warning.
func ForProfile(name string, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" || name == Heuristic {
		return NewAccountant(NewHeuristic())
	}
	tok, err := NewBPE(name)
	if err != nil {
		logger.Warn("tokenizer unavailable, using heuristic", zap.String("profile", name), zap.Error(err))
		return NewAccountant(NewHeuristic())
	}
	return NewAccountant(tok)
}

// Profile reports the underlying tokenizer name.
func (a *Accountant) Profile() string { return a.tok.Name() }

// Count returns the number of tokens in text.
func (a *Accountant) Count(text string) int {
	return len(a.tok.Pieces(text))
}

// Pieces returns text split at token boundaries.
func (a *Accountant) Pieces(text string) []string {
	return a.tok.Pieces(text)
}

// Split groups the pieces of text into consecutive chunks of at most max
// tokens each. Concatenating the chunks yields text.
func (a *Accountant) Split(text string, max int) []string {
	if max <= 0 || text == "" {
		return nil
	}
	pieces := a.tok.Pieces(text)
	chunks := make([]string, 0, len(pieces)/max+1)
	for start := 0; start < len(pieces); start += max {
		end := start + max
		if end > len(pieces) {
			end = len(pieces)
		}
		chunks = append(chunks, Join(pieces[start:end]))
	}
	return chunks
}

// Join concatenates token pieces.
func Join(pieces []string) string {
	return strings.Join(pieces, "")
}
