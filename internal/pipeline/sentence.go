package pipeline

import (
	"regexp"
	"strings"
)

var sentenceEndRegex = regexp.MustCompile(`(?:[.!?]+)(?:\s+|$)`)

// splitSentences breaks cleaned text on terminal punctuation. The splitter
// is heuristic; abbreviations may over-split, which only shifts chunk
// boundaries slightly.
func splitSentences(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var sentences []string
	last := 0
	for _, loc := range sentenceEndRegex.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[last:loc[1]])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
