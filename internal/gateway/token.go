package gateway

// Token identifies one generation of session activity.  Tokens are
// issued in strictly increasing order starting at 1.
type Token uint64

// TokenAny tags events that apply regardless of generation.
const TokenAny Token = 0

// tokenLedger issues tokens and decides whether an event is current.
// It is owned by the loop goroutine.
type tokenLedger struct {
	current Token
}

// next issues a new token and makes it current.
func (l *tokenLedger) next() Token {
	l.current++
	return l.current
}

// Current returns the active token, TokenAny before the first issue.
func (l *tokenLedger) Current() Token { return l.current }

// stale reports whether an event tagged t must be dropped.
func (l *tokenLedger) stale(t Token) bool {
	return t != TokenAny && t != l.current
}
