package rule

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"go4.org/netipx"
)

var (
	ErrSyntax             = errors.New("syntax error")
	ErrUnterminatedString = errors.New("unterminated string")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrArgumentCount      = errors.New("wrong number of arguments")
	ErrTrailingInput      = errors.New("unexpected trailing input")
	ErrDuplicateQueryKey  = errors.New("duplicate query key")
	ErrInvalidRegex       = errors.New("invalid regular expression")
	ErrInvalidIP          = errors.New("invalid ip or network")
	ErrUnknownMethod      = errors.New("unknown method")
)

// ParseError reports why and where parsing a rule failed. Offset is the
// number of input bytes consumed when the error was detected.
type ParseError struct {
	Reason error
	Offset int
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rule: %v at offset %d", e.Reason, e.Offset)
	}
	return fmt.Sprintf("rule: %v: %s at offset %d", e.Reason, e.Detail, e.Offset)
}

func (e *ParseError) Unwrap() error { return e.Reason }

func parseErrorf(offset int, reason error, format string, args ...any) *ParseError {
	return &ParseError{Reason: reason, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

type parser struct {
	lx  lexer
	tok token
}

// Parse parses a routing rule, e.g.
//
//	Host(`example.org`) && (PathPrefix(`/api`) || !Method(`GET`))
//
// Regular expressions and networks are compiled here, so a successfully
// parsed rule never fails at evaluation time.
func Parse(input string) (Rule, error) {
	p := &parser{lx: lexer{code: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.id == tokEOF {
		return nil, parseErrorf(p.tok.pos, ErrSyntax, "empty rule")
	}

	r, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.tok.id != tokEOF {
		return nil, parseErrorf(p.tok.pos, ErrTrailingInput, "found %s", p.tok.id)
	}

	return r, nil
}

func (p *parser) advance() error {
	t, err := p.lx.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(id tokenID) (token, error) {
	t := p.tok
	if t.id != id {
		return t, parseErrorf(t.pos, ErrSyntax, "expected %s, found %s", id, t.id)
	}
	return t, p.advance()
}

func (p *parser) parseOr() (Rule, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	rules := []Rule{first}
	for p.tok.id == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	if len(rules) == 1 {
		return first, nil
	}
	return &Or{Rules: rules}, nil
}

func (p *parser) parseAnd() (Rule, error) {
	first, err := p.parseMatcher()
	if err != nil {
		return nil, err
	}

	rules := []Rule{first}
	for p.tok.id == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseMatcher()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	if len(rules) == 1 {
		return first, nil
	}
	return &And{Rules: rules}, nil
}

func (p *parser) parseMatcher() (Rule, error) {
	switch p.tok.id {
	case tokNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseMatcher()
		if err != nil {
			return nil, err
		}
		return &Negated{Rule: r}, nil
	case tokOpenParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokCloseParen); err != nil {
			return nil, err
		}
		return r, nil
	case tokIdent:
		return p.parseCall()
	}

	return nil, parseErrorf(p.tok.pos, ErrSyntax, "unexpected %s", p.tok.id)
}

type argument struct {
	text string
	// pair is set for arguments written as `key`=`value`.
	pair  bool
	key   string
	value string
}

func (p *parser) parseCall() (Rule, error) {
	name := p.tok
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokOpenParen); err != nil {
		return nil, err
	}

	var args []argument
	for p.tok.id != tokCloseParen {
		if len(args) > 0 {
			if _, err := p.expect(tokComma); err != nil {
				return nil, err
			}
		}
		a, err := p.parseArgument()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}

	closing := p.tok
	if err := p.advance(); err != nil {
		return nil, err
	}

	m, err := newMatcher(name.val, args)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Offset = closing.end
			return nil, pe
		}
		return nil, &ParseError{Reason: err, Offset: closing.end}
	}

	return &Function{Matcher: m}, nil
}

func (p *parser) parseArgument() (argument, error) {
	first, err := p.expect(tokString)
	if err != nil {
		return argument{}, err
	}
	if p.tok.id != tokEquals {
		return argument{text: first.val}, nil
	}

	if err := p.advance(); err != nil {
		return argument{}, err
	}
	second, err := p.expect(tokString)
	if err != nil {
		return argument{}, err
	}

	return argument{
		text:  first.val + "=" + second.val,
		pair:  true,
		key:   first.val,
		value: second.val,
	}, nil
}

func plain(name string, args []argument, min, max int) ([]string, error) {
	if len(args) < min || (max > 0 && len(args) > max) {
		return nil, parseErrorf(0, ErrArgumentCount, "%s takes %s, got %d", name, arity(min, max), len(args))
	}

	out := make([]string, len(args))
	for i, a := range args {
		if a.pair {
			return nil, parseErrorf(0, ErrSyntax, "%s does not take key=value arguments", name)
		}
		out[i] = a.text
	}
	return out, nil
}

func arity(min, max int) string {
	switch {
	case min == max:
		return fmt.Sprintf("%d arguments", min)
	case max <= 0:
		return fmt.Sprintf("at least %d argument(s)", min)
	}
	return fmt.Sprintf("%d to %d arguments", min, max)
}

func newMatcher(name string, args []argument) (Matcher, error) {
	switch Kind(name) {
	case KindHeaders:
		a, err := plain(name, args, 2, 2)
		if err != nil {
			return nil, err
		}
		return &Headers{Key: http.CanonicalHeaderKey(a[0]), Value: a[1]}, nil
	case KindHeadersRegexp:
		a, err := plain(name, args, 2, 2)
		if err != nil {
			return nil, err
		}
		rx, err := compileRegexp(a[1])
		if err != nil {
			return nil, err
		}
		return &HeadersRegexp{Key: http.CanonicalHeaderKey(a[0]), Pattern: rx, raw: a[1]}, nil
	case KindHost, KindHostHeader:
		a, err := plain(name, args, 1, 0)
		if err != nil {
			return nil, err
		}
		hosts, err := normalizeHosts(a)
		if err != nil {
			return nil, err
		}
		if Kind(name) == KindHost {
			return &Host{Hosts: hosts}, nil
		}
		return &HostHeader{Hosts: hosts}, nil
	case KindHostRegexp:
		a, err := plain(name, args, 1, 0)
		if err != nil {
			return nil, err
		}
		m := &HostRegexp{raw: a}
		for _, s := range a {
			rx, err := compileTemplate(s, "(?i)^", "$")
			if err != nil {
				return nil, err
			}
			m.Patterns = append(m.Patterns, rx)
		}
		return m, nil
	case KindMethod:
		a, err := plain(name, args, 1, 0)
		if err != nil {
			return nil, err
		}
		for _, method := range a {
			if !knownMethods[method] {
				return nil, parseErrorf(0, ErrUnknownMethod, "%q", method)
			}
		}
		return &Method{Methods: a}, nil
	case KindPath:
		a, err := plain(name, args, 1, 0)
		if err != nil {
			return nil, err
		}
		m := &Path{raw: a}
		for _, s := range a {
			rx, err := compileTemplate(s, "^", "$")
			if err != nil {
				return nil, err
			}
			m.Patterns = append(m.Patterns, rx)
		}
		return m, nil
	case KindPathPrefix:
		a, err := plain(name, args, 1, 0)
		if err != nil {
			return nil, err
		}
		return newPathPrefix(a)
	case KindQuery:
		return newQuery(args)
	case KindClientIP:
		a, err := plain(name, args, 1, 0)
		if err != nil {
			return nil, err
		}
		return newClientIP(a)
	}

	return nil, parseErrorf(0, ErrUnknownFunction, "%q", name)
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

func normalizeHosts(hosts []string) ([]string, error) {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || h == "*." {
			return nil, parseErrorf(0, ErrSyntax, "empty host")
		}
		out = append(out, h)
	}
	return out, nil
}

func newPathPrefix(patterns []string) (*PathPrefix, error) {
	m := &PathPrefix{raw: patterns}
	for _, s := range patterns {
		rx, err := compileTemplate(s, "^", "")
		if err != nil {
			return nil, err
		}
		m.Patterns = append(m.Patterns, rx)

		var exact *regexp.Regexp
		if len(s) > 1 && strings.HasSuffix(s, "/") {
			e, err := compileTemplate(strings.TrimSuffix(s, "/"), "^", "$")
			if err != nil {
				return nil, err
			}
			exact = e
		}
		m.exact = append(m.exact, exact)
	}
	return m, nil
}

func newQuery(args []argument) (*Query, error) {
	if len(args) == 0 {
		return nil, parseErrorf(0, ErrArgumentCount, "%s takes %s, got 0", KindQuery, arity(1, 0))
	}

	seen := make(map[string]bool, len(args))
	m := &Query{}
	for _, a := range args {
		key, value := a.key, a.value
		if !a.pair {
			var ok bool
			key, value, ok = strings.Cut(a.text, "=")
			if !ok {
				return nil, parseErrorf(0, ErrSyntax, "query argument %q is not key=value", a.text)
			}
		}
		if key == "" {
			return nil, parseErrorf(0, ErrSyntax, "empty query key")
		}
		if seen[key] {
			return nil, parseErrorf(0, ErrDuplicateQueryKey, "%q", key)
		}
		seen[key] = true
		m.Pairs = append(m.Pairs, QueryPair{Key: key, Value: value})
	}
	return m, nil
}

func newClientIP(args []string) (*ClientIP, error) {
	var b netipx.IPSetBuilder
	for _, s := range args {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, parseErrorf(0, ErrInvalidIP, "%q", s)
			}
			b.AddPrefix(pfx.Masked())
			continue
		}

		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, parseErrorf(0, ErrInvalidIP, "%q", s)
		}
		// a bare address is a single host network: /32 or /128
		b.Add(addr.Unmap())
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, parseErrorf(0, ErrInvalidIP, "%v", err)
	}
	return &ClientIP{Nets: set, raw: args}, nil
}
