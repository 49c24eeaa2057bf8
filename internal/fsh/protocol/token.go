package protocol

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// TokenLen is the wire size of a token payload.
const TokenLen = 16

// Token is the 16-byte opaque identifier naming a forward session.
// Equality is bytewise.
type Token [TokenLen]byte

// Zero reports whether t is the all-zero token, which on LOGIN means
// "assign me one".
func (t Token) Zero() bool {
	return t == Token{}
}

// GenerateToken returns a uniformly random token from a non-predictable
// source (all 16 bytes read from crypto/rand). It panics if crypto/rand
// fails.
func GenerateToken() Token {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		panic(fmt.Sprintf("protocol: generating token: %v", err))
	}
	return t
}

// String renders the canonical 36-character 8-4-4-4-12 hyphenated hex form.
func (t Token) String() string {
	return uuid.UUID(t).String()
}

// TokenFromString parses the canonical 36-char hyphenated hex form only
// (spec §4.2, §6). uuid.Parse itself is lenient — it also accepts the
// undashed 32-char form, a "urn:uuid:" prefix, and brace-wrapped input —
// so length is checked first to reject anything but the canonical form.
func TokenFromString(s string) (Token, error) {
	if len(s) != 36 {
		return Token{}, fmt.Errorf("protocol: invalid token %q: want 36-char hyphenated form", s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Token{}, err
	}
	return Token(u), nil
}
