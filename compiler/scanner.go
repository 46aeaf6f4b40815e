package compiler

// ---------------------------------------------------------------------------
// Scanner: tokenizer for Rox source
// ---------------------------------------------------------------------------

// Scanner produces tokens lazily from source text. Malformed input yields
// TokenError tokens carrying a message; scanning continues past them so the
// compiler can surface several lexical errors in one pass.
type Scanner struct {
	source  string
	start   int // start of the lexeme being scanned
	current int // current scan position
	line    int // current line (1-based)
}

// NewScanner creates a scanner at the start of source.
func NewScanner(source string) *Scanner {
	return &Scanner{source: source, line: 1}
}

// NextToken scans and returns the next token. After the end of input it
// returns TokenEOF forever.
func (s *Scanner) NextToken() Token {
	s.skipWhitespaceAndComments()
	s.start = s.current

	if s.isAtEnd() {
		return s.make(TokenEOF)
	}

	c := s.advance()

	switch {
	case isAlpha(c):
		return s.identifier()
	case isDigit(c):
		return s.number()
	}

	switch c {
	case '(':
		return s.make(TokenLeftParen)
	case ')':
		return s.make(TokenRightParen)
	case '{':
		return s.make(TokenLeftBrace)
	case '}':
		return s.make(TokenRightBrace)
	case ',':
		return s.make(TokenComma)
	case '.':
		return s.make(TokenDot)
	case '-':
		return s.make(TokenMinus)
	case '+':
		return s.make(TokenPlus)
	case ';':
		return s.make(TokenSemicolon)
	case '/':
		return s.make(TokenSlash)
	case '*':
		return s.make(TokenStar)
	case '!':
		if s.match('=') {
			return s.make(TokenBangEqual)
		}
		return s.make(TokenBang)
	case '=':
		if s.match('=') {
			return s.make(TokenEqualEqual)
		}
		return s.make(TokenEqual)
	case '<':
		if s.match('=') {
			return s.make(TokenLessEqual)
		}
		return s.make(TokenLess)
	case '>':
		if s.match('=') {
			return s.make(TokenGreaterEqual)
		}
		return s.make(TokenGreater)
	case '"':
		return s.stringLiteral()
	}

	return s.errorToken("Unexpected character.")
}

// ---------------------------------------------------------------------------
// Lexeme scanners
// ---------------------------------------------------------------------------

func (s *Scanner) identifier() Token {
	for isAlpha(s.peek()) || isDigit(s.peek()) {
		s.advance()
	}
	lexeme := s.source[s.start:s.current]
	if keyword, ok := reservedWords[lexeme]; ok {
		return s.make(keyword)
	}
	return s.make(TokenIdentifier)
}

func (s *Scanner) number() Token {
	for isDigit(s.peek()) {
		s.advance()
	}
	// Fractional part requires a digit after the dot; `1.` is a number
	// followed by a dot.
	if s.peek() == '.' && isDigit(s.peekNext()) {
		s.advance()
		for isDigit(s.peek()) {
			s.advance()
		}
	}
	return s.make(TokenNumber)
}

func (s *Scanner) stringLiteral() Token {
	for !s.isAtEnd() && s.peek() != '"' {
		if s.peek() == '\n' {
			s.line++
		}
		s.advance()
	}
	if s.isAtEnd() {
		return s.errorToken("Unterminated string.")
	}
	s.advance() // the closing quote
	return s.make(TokenString)
}

// ---------------------------------------------------------------------------
// Low-level helpers
// ---------------------------------------------------------------------------

func (s *Scanner) skipWhitespaceAndComments() {
	for {
		switch s.peek() {
		case ' ', '\r', '\t':
			s.advance()
		case '\n':
			s.line++
			s.advance()
		case '/':
			if s.peekNext() != '/' {
				return
			}
			for !s.isAtEnd() && s.peek() != '\n' {
				s.advance()
			}
		default:
			return
		}
	}
}

func (s *Scanner) isAtEnd() bool {
	return s.current >= len(s.source)
}

func (s *Scanner) advance() byte {
	c := s.source[s.current]
	s.current++
	return c
}

func (s *Scanner) peek() byte {
	if s.isAtEnd() {
		return 0
	}
	return s.source[s.current]
}

func (s *Scanner) peekNext() byte {
	if s.current+1 >= len(s.source) {
		return 0
	}
	return s.source[s.current+1]
}

func (s *Scanner) match(expected byte) bool {
	if s.isAtEnd() || s.source[s.current] != expected {
		return false
	}
	s.current++
	return true
}

func (s *Scanner) make(t TokenType) Token {
	return Token{Type: t, Lexeme: s.source[s.start:s.current], Line: s.line}
}

func (s *Scanner) errorToken(message string) Token {
	return Token{Type: TokenError, Lexeme: message, Line: s.line}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}
