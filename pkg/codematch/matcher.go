// Package codematch compiles HTTP status code acceptance expressions such as
// "200-299,301" into a reusable matcher.
package codematch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// DefaultExpression is used when a site does not configure one.
const DefaultExpression = "200-299"

type span struct {
	lo, hi int
}

// Matcher is a compiled acceptance expression. Safe for concurrent use.
type Matcher struct {
	expr  string
	spans []span
}

// Compile parses a comma-separated list of codes and inclusive lo-hi ranges.
// Whitespace is ignored. An empty expression compiles to DefaultExpression.
func Compile(expr string) (*Matcher, error) {
	cleaned := strings.Join(strings.Fields(expr), "")
	if cleaned == "" {
		cleaned = DefaultExpression
	}

	m := &Matcher{expr: cleaned}
	for i, term := range strings.Split(cleaned, ",") {
		if term == "" {
			return nil, fmt.Errorf("%w: empty term #%d in %q", utils.ErrStatusExpression, i+1, expr)
		}
		s, err := parseTerm(term)
		if err != nil {
			return nil, fmt.Errorf("%w: term #%d (%q) in %q: %v", utils.ErrStatusExpression, i+1, term, expr, err)
		}
		m.spans = append(m.spans, s)
	}
	return m, nil
}

// MustCompile is like Compile but panics on error. Intended for constants.
func MustCompile(expr string) *Matcher {
	m, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return m
}

func parseTerm(term string) (span, error) {
	loStr, hiStr, isRange := strings.Cut(term, "-")
	lo, err := strconv.Atoi(loStr)
	if err != nil {
		return span{}, fmt.Errorf("bad code %q", loStr)
	}
	if !isRange {
		return span{lo, lo}, nil
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil {
		return span{}, fmt.Errorf("bad code %q", hiStr)
	}
	if hi < lo {
		return span{}, fmt.Errorf("range end %d before start %d", hi, lo)
	}
	return span{lo, hi}, nil
}

// Match reports whether code is accepted.
func (m *Matcher) Match(code int) bool {
	for _, s := range m.spans {
		if code >= s.lo && code <= s.hi {
			return true
		}
	}
	return false
}

// String returns the normalized expression.
func (m *Matcher) String() string {
	return m.expr
}
