package rule

import (
	"errors"
	"strings"
)

// ErrTCPMatcher is returned by ParseTCP for matchers that need HTTP
// request data.
var ErrTCPMatcher = errors.New("matcher not available for tcp routers")

// ParseTCP parses a TCP router rule. Only ClientIP can be evaluated before
// any bytes are read, so every other matcher is rejected. An empty rule or
// "*" matches every connection and yields a nil Rule.
func ParseTCP(input string) (Rule, error) {
	if s := strings.TrimSpace(input); s == "" || s == "*" {
		return nil, nil
	}

	r, err := Parse(input)
	if err != nil {
		return nil, err
	}

	var bad Matcher
	Walk(r, func(m Matcher) {
		if bad == nil && m.Kind() != KindClientIP {
			bad = m
		}
	})
	if bad != nil {
		return nil, parseErrorf(len(input), ErrTCPMatcher, "%s", bad.Kind())
	}
	return r, nil
}
