// Package segment turns an incrementally arriving text stream into complete
// sentences as early as each boundary can be decided.
//
// The segmenter is a best-effort heuristic, not a grammar. It recognises
// ellipses, terminal punctuation with decimal-number and abbreviation guards,
// and a newline rule for list-style output. A missed or false boundary
// degrades segmentation quality but is never an error.
//
// Usage:
//
//	s := segment.New()
//	for fragment := range deltas {
//	    for _, sentence := range s.PushPartial(fragment) {
//	        deliver(sentence)
//	    }
//	}
//	if tail, ok := s.FlushRemainder(); ok {
//	    deliver(tail)
//	}
//
// Segmenter is not safe for concurrent use; confine each instance to a single
// goroutine.
package segment

import (
	"strings"
	"unicode"
)

// abbreviations is the fixed, case-insensitive set of words after which a
// period does not end a sentence. Titles, measurement units, month names,
// and common Latin shorthands. Single letters ("J.", the segments of "e.g.")
// are guarded separately in precedingWordBlocks.
var abbreviations = map[string]struct{}{
	// titles
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"sr": {}, "jr": {}, "st": {}, "sgt": {}, "capt": {}, "lt": {},
	"col": {}, "gen": {}, "sen": {}, "rep": {}, "hon": {}, "fr": {},
	// units and counting
	"oz": {}, "lb": {}, "lbs": {}, "ft": {}, "kg": {}, "km": {},
	"cm": {}, "mm": {}, "mi": {}, "gal": {}, "qt": {}, "sec": {},
	"min": {}, "hr": {}, "no": {}, "vol": {}, "pp": {}, "approx": {},
	"est": {},
	// months
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {},
	"aug": {}, "sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {},
	// latin and business
	"etc": {}, "vs": {}, "eg": {}, "ie": {}, "cf": {}, "al": {},
	"inc": {}, "ltd": {}, "co": {}, "corp": {}, "dept": {}, "univ": {},
	"assn": {}, "misc": {},
}

// closers are characters consumed into a sentence after its terminator:
// closing quotes and brackets, plus piled-up terminal punctuation ("?!").
const closers = `"'”’)]}!?.`

// Segmenter accumulates text fragments and emits complete sentences.
// The unterminated tail is retained across calls until the next boundary,
// a [Segmenter.FlushRemainder], or a [Segmenter.Reset].
type Segmenter struct {
	buf []rune
}

// New returns an empty Segmenter.
func New() *Segmenter {
	return &Segmenter{}
}

// PushPartial appends fragment to the running buffer, space-joining it to any
// retained remainder, and returns every sentence completed by the new text in
// order of appearance. The unconsumed tail stays buffered.
func (s *Segmenter) PushPartial(fragment string) []string {
	if fragment == "" {
		return nil
	}
	if len(s.buf) > 0 {
		s.buf = append(s.buf, ' ')
	}
	s.buf = append(s.buf, []rune(fragment)...)
	return s.scan()
}

// FlushRemainder force-emits the buffered tail, trimmed of surrounding
// whitespace, as a final sentence. It reports false (and emits nothing) when
// the buffer holds no visible text; calling it repeatedly is a no-op.
func (s *Segmenter) FlushRemainder() (string, bool) {
	tail := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	if tail == "" {
		return "", false
	}
	return tail, true
}

// Reset discards the buffered remainder without emitting it. Used when a turn
// is cancelled and its undelivered text must not survive into the next turn.
func (s *Segmenter) Reset() {
	s.buf = s.buf[:0]
}

// Remainder returns the current unterminated tail. Intended for tests and
// introspection.
func (s *Segmenter) Remainder() string {
	return string(s.buf)
}

// scan walks the buffer left to right emitting completed sentences. A
// boundary whose terminator run touches the end of the buffer is left
// undecided; the next fragment (or a flush) resolves it. This keeps
// incremental segmentation consistent with segmenting the concatenation.
func (s *Segmenter) scan() []string {
	var out []string
	r := s.buf
	start := 0

	for i := start; i < len(r); i++ {
		var end int
		switch c := r[i]; {
		case c == '.' && i+2 < len(r) && r[i+1] == '.' && r[i+2] == '.':
			// Ellipsis: one boundary after the third dot.
			end = i + 3
		case c == '!' || c == '?':
			end = i + 1
		case c == '.':
			if isDecimalPoint(r, i) || precedingWordBlocks(r, start, i) {
				continue
			}
			end = i + 1
		case c == '\n':
			if !newlineBoundary(r, i) {
				continue
			}
			if sentence := strings.TrimSpace(string(r[start:i])); sentence != "" {
				out = append(out, sentence)
			}
			start = skipSpace(r, i)
			i = start - 1
			continue
		default:
			continue
		}

		// Trailing closers belong to this sentence.
		for end < len(r) && strings.ContainsRune(closers, r[end]) {
			end++
		}
		if end == len(r) {
			// Terminator run touches the end of the buffer; more closing
			// punctuation may still arrive. Defer the decision.
			s.buf = r[start:]
			return out
		}
		if sentence := strings.TrimSpace(string(r[start:end])); sentence != "" {
			out = append(out, sentence)
		}
		start = skipSpace(r, end)
		i = start - 1
	}

	s.buf = r[start:]
	return out
}

// skipSpace returns the index of the first non-whitespace rune at or after pos.
func skipSpace(r []rune, pos int) int {
	for pos < len(r) && unicode.IsSpace(r[pos]) {
		pos++
	}
	return pos
}

// isDecimalPoint reports whether the period at i sits between two digits.
func isDecimalPoint(r []rune, i int) bool {
	return i > 0 && i+1 < len(r) &&
		unicode.IsDigit(r[i-1]) && unicode.IsDigit(r[i+1])
}

// precedingWordBlocks reports whether the word immediately before the period
// at i suppresses the boundary: a known abbreviation or a single letter
// (initials, the segments of "e.g.").
func precedingWordBlocks(r []rune, start, i int) bool {
	w := i
	for w > start && unicode.IsLetter(r[w-1]) {
		w--
	}
	if w == i {
		return false
	}
	word := strings.ToLower(string(r[w:i]))
	if len([]rune(word)) == 1 {
		return true
	}
	_, ok := abbreviations[word]
	return ok
}

// newlineBoundary reports whether the newline at i ends a sentence: either a
// blank line, or the following text opens like a new sentence (uppercase
// letter, quote, or opening parenthesis).
func newlineBoundary(r []rune, i int) bool {
	if i > 0 && r[i-1] == '\n' {
		return true
	}
	if i+1 < len(r) {
		next := r[i+1]
		return unicode.IsUpper(next) || next == '"' || next == '\'' ||
			next == '“' || next == '(' || next == '['
	}
	return false
}
