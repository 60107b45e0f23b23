package rule

import (
	"unicode"
)

type tokenID int

const (
	tokEOF tokenID = iota
	tokIdent
	tokString
	tokOpenParen
	tokCloseParen
	tokComma
	tokEquals
	tokNot
	tokAnd
	tokOr
)

func (id tokenID) String() string {
	switch id {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokOpenParen:
		return "'('"
	case tokCloseParen:
		return "')'"
	case tokComma:
		return "','"
	case tokEquals:
		return "'='"
	case tokNot:
		return "'!'"
	case tokAnd:
		return "'&&'"
	case tokOr:
		return "'||'"
	}
	return "unknown"
}

type token struct {
	id  tokenID
	val string
	// pos is the offset of the first byte of the token.
	pos int
	// end is the offset right after the token.
	end int
}

var fixedTokens = []struct {
	text string
	id   tokenID
}{
	{"&&", tokAnd},
	{"||", tokOr},
	{"(", tokOpenParen},
	{")", tokCloseParen},
	{",", tokComma},
	{"=", tokEquals},
	{"!", tokNot},
}

type lexer struct {
	code string
	pos  int
}

func isWhitespace(c byte) bool { return unicode.IsSpace(rune(c)) }
func isSymbolChar(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.code) && isWhitespace(l.code[l.pos]) {
		l.pos++
	}
}

// next scans the following token. Errors carry the offset where scanning
// stopped.
func (l *lexer) next() (token, error) {
	l.skipWhitespace()
	if l.pos >= len(l.code) {
		return token{id: tokEOF, pos: l.pos, end: l.pos}, nil
	}

	start := l.pos
	rest := l.code[l.pos:]
	for _, ft := range fixedTokens {
		if len(rest) >= len(ft.text) && rest[:len(ft.text)] == ft.text {
			l.pos += len(ft.text)
			return token{id: ft.id, val: ft.text, pos: start, end: l.pos}, nil
		}
	}

	c := rest[0]
	switch {
	case c == '`' || c == '"':
		return l.scanString(c)
	case isSymbolChar(c):
		for l.pos < len(l.code) && isSymbolChar(l.code[l.pos]) {
			l.pos++
		}
		return token{id: tokIdent, val: l.code[start:l.pos], pos: start, end: l.pos}, nil
	}

	return token{}, parseErrorf(start, ErrSyntax, "invalid character %q", c)
}

// scanString reads a literal delimited by backticks or double quotes.
// Double quoted literals accept backslash escapes of the delimiter and of
// the backslash; backtick literals are raw.
func (l *lexer) scanString(delimiter byte) (token, error) {
	start := l.pos
	l.pos++

	var b []byte
	for l.pos < len(l.code) {
		c := l.code[l.pos]
		switch {
		case c == delimiter:
			l.pos++
			return token{id: tokString, val: string(b), pos: start, end: l.pos}, nil
		case delimiter == '"' && c == '\\' && l.pos+1 < len(l.code):
			l.pos++
			b = append(b, l.code[l.pos])
		default:
			b = append(b, c)
		}
		l.pos++
	}

	return token{}, parseErrorf(l.pos, ErrUnterminatedString, "string starting at %d", start)
}
