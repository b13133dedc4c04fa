// Package lobbycode generates and validates the short codes that identify
// lobbies. Codes are meant to be read off a screen and typed on a phone, so
// the alphabet excludes characters that are easy to confuse by hand (0/O and
// 1/I) and matching is case-insensitive.
package lobbycode

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
)

// Alphabet is the set of characters codes are drawn from.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the fixed code length.
const Length = 6

// Generate returns a new random code.
func Generate() (string, error) {
	var buf [Length]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate lobby code: %w", err)
	}
	out := make([]byte, Length)
	for i, b := range buf {
		out[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out), nil
}

// Normalize upper-cases and trims a hand-typed code. It does not attempt to
// repair excluded look-alike characters; an 0/O/1/I simply fails Valid.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code is a well-formed lobby code. It expects
// normalized input.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Alphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// JoinURL returns the controller join URL for a code, e.g.
// https://example.com/controller?lobby=AB23C9.
func JoinURL(origin, code string) string {
	return strings.TrimSuffix(origin, "/") + "/controller?lobby=" + url.QueryEscape(code)
}
