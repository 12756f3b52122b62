// Package pattern implements the filename-pattern list collaborator from
// direvent's external interfaces (§6): a constructor accepting one of
// {exact, glob, regex} with optional negation, and a match predicate where
// an empty list matches everything.
package pattern

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Kind selects how a Pattern's text is interpreted.
type Kind int

const (
	Exact Kind = iota
	Glob
	Regex
)

// Pattern is a single filename test, optionally negated.
type Pattern struct {
	kind    Kind
	negate  bool
	text    string
	glob    glob.Glob
	re      *regexp.Regexp
}

// New compiles one pattern. For Glob it uses github.com/gobwas/glob so that
// "*.log"-style matching doesn't pull in a hand-rolled matcher; for Regex it
// uses the standard library's RE2 engine.
func New(kind Kind, text string, negate bool) (Pattern, error) {
	p := Pattern{kind: kind, negate: negate, text: text}
	switch kind {
	case Exact:
		// nothing to compile
	case Glob:
		g, err := glob.Compile(text, '/')
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern: bad glob %q: %w", text, err)
		}
		p.glob = g
	case Regex:
		re, err := regexp.Compile(text)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern: bad regex %q: %w", text, err)
		}
		p.re = re
	default:
		return Pattern{}, fmt.Errorf("pattern: unknown kind %d", kind)
	}
	return p, nil
}

// matches reports the pattern's raw verdict, before negation is applied.
func (p Pattern) matches(name string) bool {
	switch p.kind {
	case Exact:
		return p.text == name
	case Glob:
		return p.glob.Match(name)
	case Regex:
		return p.re.MatchString(name)
	}
	return false
}

// Match reports whether name satisfies this pattern, honoring negation.
func (p Pattern) Match(name string) bool {
	m := p.matches(name)
	if p.negate {
		return !m
	}
	return m
}

// List is an ordered set of patterns. An empty list matches every name —
// handlers with no filename filter run unconditionally (§4.5 step 7).
//
// A name is accepted iff every pattern in the list matches it: positive
// patterns narrow the set, negated patterns exclude from it.
type List []Pattern

// Match implements "match(list, name) == 0 on match" from §6, returning
// true on match (the boolean is the Go-idiomatic rendition of the C
// zero-is-success convention).
func (l List) Match(name string) bool {
	for _, p := range l {
		if !p.Match(name) {
			return false
		}
	}
	return true
}
