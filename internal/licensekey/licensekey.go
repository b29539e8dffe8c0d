// Package licensekey derives human-transcribable license identifiers of the
// form PM-XXXX-XXXX-XXXX-XXXX-XXXX from crypto/rand.
package licensekey

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	Prefix        = "PM"
	Separator     = "-"
	Groups        = 5
	GroupLength   = 4
	alphabet      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no I, O, 0, 1
	alphabetSize  = len(alphabet)
	keyCharacters = Groups * GroupLength

	// Bytes at or above this bound are discarded so every symbol is equally
	// likely. With 32 symbols the bound is 256 and nothing is discarded.
	rejectBound = 256 - 256%alphabetSize
)

// Length is the total length of a generated key, separators included.
const Length = len(Prefix) + Groups*(len(Separator)+GroupLength)

// Alphabet returns the symbols a key group may contain.
func Alphabet() string {
	return alphabet
}

// Generate returns a fresh key read from crypto/rand.
func Generate() (string, error) {
	return generate(rand.Reader)
}

func generate(src io.Reader) (string, error) {
	symbols := make([]byte, 0, keyCharacters)
	buf := make([]byte, keyCharacters)

	for len(symbols) < keyCharacters {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectBound {
				continue
			}
			symbols = append(symbols, alphabet[int(b)%alphabetSize])
			if len(symbols) == keyCharacters {
				break
			}
		}
	}

	var sb strings.Builder
	sb.Grow(Length)
	sb.WriteString(Prefix)
	for g := 0; g < Groups; g++ {
		sb.WriteString(Separator)
		sb.Write(symbols[g*GroupLength : (g+1)*GroupLength])
	}
	return sb.String(), nil
}

// Valid reports whether s has the shape of a generated key.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	parts := strings.Split(s, Separator)
	if len(parts) != Groups+1 || parts[0] != Prefix {
		return false
	}
	for _, group := range parts[1:] {
		if len(group) != GroupLength {
			return false
		}
		for i := 0; i < len(group); i++ {
			if strings.IndexByte(alphabet, group[i]) < 0 {
				return false
			}
		}
	}
	return true
}
