package service

import (
	"strings"
	"unicode"

	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "on": true, "in": true,
	"at": true, "to": true, "with": true, "for": true, "from": true, "by": true, "is": true, "are": true,
	"it": true, "its": true, "this": true, "that": true, "there": true, "some": true, "his": true,
	"her": true, "their": true, "while": true, "near": true, "next": true, "up": true, "down": true,
}

// Hashtags derives up to n hashtags from the words of caption, in order of appearance. Words are
// lowercased and stripped of anything but letters and digits. Stopwords and repeated words are skipped.
func Hashtags(caption string, n int) []string {
	if n <= 0 {
		return nil
	}
	seen := make(map[string]bool)
	tags := make([]string, 0, n)
	for _, token := range vocab.Tokens(caption) {
		word := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, token)
		if word == "" || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		tags = append(tags, "#"+word)
		if len(tags) == n {
			break
		}
	}
	return tags
}
