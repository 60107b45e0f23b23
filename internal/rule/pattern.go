package rule

import (
	"regexp"
	"strings"
)

func compileRegexp(expr string) (*regexp.Regexp, error) {
	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, parseErrorf(0, ErrInvalidRegex, "%q: %v", expr, err)
	}
	return rx, nil
}

// compileTemplate turns a pattern with optional {name:regexp} placeholders
// into an anchored regular expression. Text outside placeholders is
// literal; a placeholder without an expression matches one path segment.
func compileTemplate(tmpl, prefix, suffix string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(prefix)

	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, parseErrorf(0, ErrInvalidRegex, "%q: unbalanced braces", tmpl)
			}
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		if strings.IndexByte(rest[:open], '}') >= 0 {
			return nil, parseErrorf(0, ErrInvalidRegex, "%q: unbalanced braces", tmpl)
		}
		b.WriteString(regexp.QuoteMeta(rest[:open]))

		end := closingBrace(rest, open)
		if end < 0 {
			return nil, parseErrorf(0, ErrInvalidRegex, "%q: unbalanced braces", tmpl)
		}

		name, expr, hasExpr := strings.Cut(rest[open+1:end], ":")
		if strings.TrimSpace(name) == "" {
			return nil, parseErrorf(0, ErrInvalidRegex, "%q: placeholder without a name", tmpl)
		}
		if !hasExpr {
			expr = "[^/]+"
		}
		b.WriteString("(?:")
		b.WriteString(expr)
		b.WriteString(")")

		rest = rest[end+1:]
	}

	b.WriteString(suffix)
	return compileRegexp(b.String())
}

// closingBrace returns the index of the brace closing the one at open,
// honouring nested braces such as {id:[0-9]{3}}.
func closingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
