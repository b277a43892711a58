// Package joincode generates the short codes participants type to join an event.
package joincode

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// Prefix tags join codes so they are never confused with other identifiers.
	Prefix = "EVT"

	// Alphabet omits characters that are easy to misread when typed from a
	// projector: 0/O, 1/I/L.
	Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

	// Length of the random part. 31^9 is roughly 2.6e13 combinations.
	Length = 9
)

// Generate returns a fresh join code such as "EVT-7KQ2MZX9A".
// Uniqueness against other events is the caller's job.
func Generate() (string, error) {
	body, err := gonanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	return Prefix + "-" + body, nil
}

// Normalize turns user input into canonical form: upper case, no surrounding
// or embedded whitespace, prefix added when the user typed only the body.
func Normalize(input string) string {
	code := strings.ToUpper(strings.Join(strings.Fields(input), ""))
	if code == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(code, Prefix+"-"):
		return code
	case len(code) == Length:
		return Prefix + "-" + code
	default:
		return Prefix + "-" + strings.TrimPrefix(code, Prefix)
	}
}

// Valid reports whether code is a well-formed canonical join code.
func Valid(code string) bool {
	body, ok := strings.CutPrefix(code, Prefix+"-")
	if !ok || len(body) != Length {
		return false
	}
	for _, r := range body {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}
