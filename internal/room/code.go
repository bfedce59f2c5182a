// internal/room/code.go
package room

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// CodeLength is the number of characters in a room code.
const CodeLength = 6

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a random code of uppercase letters and digits.
func GenerateCode() string {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// NormalizeCode strips whitespace and uppercases a code typed by a user.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if len(code) != CodeLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomCode, raw)
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", fmt.Errorf("%w: %q", ErrInvalidRoomCode, raw)
		}
	}
	return code, nil
}
