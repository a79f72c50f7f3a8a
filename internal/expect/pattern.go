package expect

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is something an expectation waits for in the output.
// Patterns are immutable and safe to reuse across calls and sessions.
type Pattern interface {
	fmt.Stringer

	// find locates the first match in text. closed reports that no more
	// output will ever follow text.
	find(text string, closed bool) (span, bool)
}

// span locates a match within the text it was found in.
type span struct {
	start, end int
	groups     []string
	index      int // winning alternative for Any
}

// Contains matches the first occurrence of a literal string.
func Contains(s string) Pattern {
	return literal(s)
}

type literal string

func (l literal) String() string {
	return fmt.Sprintf("contains(%q)", string(l))
}

func (l literal) find(text string, _ bool) (span, bool) {
	i := strings.Index(text, string(l))
	if i < 0 {
		return span{}, false
	}
	return span{start: i, end: i + len(l), groups: []string{string(l)}}, true
}

// Regexp matches the leftmost-first match of re and exposes its capture groups.
// Groups[0] is the whole match; unmatched optional groups are empty.
func Regexp(re *regexp.Regexp) Pattern {
	return regex{re}
}

// MustRegexp compiles expr and panics if it is invalid.
func MustRegexp(expr string) Pattern {
	return regex{regexp.MustCompile(expr)}
}

type regex struct {
	re *regexp.Regexp
}

func (r regex) String() string {
	return fmt.Sprintf("regexp(%q)", r.re.String())
}

func (r regex) find(text string, _ bool) (span, bool) {
	loc := r.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return span{}, false
	}
	groups := make([]string, len(loc)/2)
	for i := range groups {
		if loc[2*i] >= 0 {
			groups[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return span{start: loc[0], end: loc[1], groups: groups}, true
}

// EOF matches once the output stream has ended, taking all remaining text as
// the match. It never matches while the process can still write.
func EOF() Pattern {
	return eof{}
}

type eof struct{}

func (eof) String() string {
	return "eof()"
}

func (eof) find(text string, closed bool) (span, bool) {
	if !closed {
		return span{}, false
	}
	return span{start: 0, end: len(text), groups: []string{text}}, true
}

// Any matches whichever alternative occurs earliest in the output. When two
// start at the same offset the one listed first wins. An EOF alternative only
// wins if no other alternative matches the final output. Result.Index
// reports the winner.
func Any(patterns ...Pattern) Pattern {
	return anyOf(patterns)
}

type anyOf []Pattern

func (a anyOf) String() string {
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.String()
	}
	return "any(" + strings.Join(parts, ", ") + ")"
}

func (a anyOf) find(text string, closed bool) (span, bool) {
	best := span{start: -1}
	eofAt := -1
	for i, p := range a {
		if _, ok := p.(eof); ok {
			if eofAt < 0 {
				eofAt = i
			}
			continue
		}
		s, ok := p.find(text, closed)
		if !ok {
			continue
		}
		if best.start < 0 || s.start < best.start {
			s.index = i
			best = s
		}
	}
	if best.start < 0 && eofAt >= 0 && closed {
		best, _ = eof{}.find(text, closed)
		best.index = eofAt
	}
	return best, best.start >= 0
}
