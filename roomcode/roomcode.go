// Package roomcode generates the short, human-shareable identifiers used to
// address rooms.
package roomcode

import (
	"crypto/rand"
	"regexp"
	"strings"
)

const (
	// Prefix is the literal lead-in of every room id.
	Prefix = "MONK-"

	codeLength = 4

	// alphabet deliberately excludes visually ambiguous characters
	// (I, O, 0, 1). Its length divides 256, so byte modulo is unbiased.
	alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var codePattern = regexp.MustCompile(`^MONK-[` + alphabet + `]{4}$`)

// Generate returns a fresh room id such as "MONK-AB3X". Uniqueness is the
// caller's concern; the registry retries on the rare collision.
func Generate() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}

	var b strings.Builder
	b.Grow(len(Prefix) + codeLength)
	b.WriteString(Prefix)
	for _, c := range buf {
		b.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	return b.String()
}

// Valid reports whether id is a canonical room id.
func Valid(id string) bool {
	return codePattern.MatchString(id)
}
