package registry

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// Alphabet omits 0/O and 1/I so codes survive being read aloud or retyped.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Generator draws code bodies from Alphabet. len(Alphabet) divides 256, so a byte
// reduced modulo the alphabet size is uniform.
type Generator struct {
	rand io.Reader
}

func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// Generate returns prefix + "-" + length random characters, or just the characters
// when prefix is empty.
func (g *Generator) Generate(prefix string, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	var b strings.Builder
	if prefix != "" {
		b.Grow(len(prefix) + 1 + length)
		b.WriteString(prefix)
		b.WriteByte('-')
	}
	for _, c := range buf {
		b.WriteByte(Alphabet[int(c)%len(Alphabet)])
	}
	return b.String(), nil
}

// Normalize canonicalizes user-entered codes.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizePrefix upper-cases a prefix and strips characters outside A-Z, 0-9.
func NormalizePrefix(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, prefix)
}
