package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize produces the canonical text form used for exact-duplicate
// hashing: markup stripped, whitespace collapsed, case folded.
func Normalize(text string) string {
	text = stripHTML(text)
	fields := strings.Fields(strings.ToLower(text))
	return strings.Join(fields, " ")
}

// Hash returns the canonical content hash over normalized text.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	// Decode common entities
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")

	return s
}
