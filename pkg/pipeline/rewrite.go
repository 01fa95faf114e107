package pipeline

import (
	"context"
	"strings"
	"unicode"
)

// Rewriter turns a raw transcript into note content.
type Rewriter interface {
	Rewrite(ctx context.Context, transcript string) (string, error)
}

var fillerWords = map[string]bool{
	"um":  true,
	"umm": true,
	"uh":  true,
	"uhm": true,
	"er":  true,
	"erm": true,
	"hmm": true,
}

// TextCleaner drops filler words, normalizes whitespace and fixes sentence
// capitalization.
type TextCleaner struct{}

func (TextCleaner) Rewrite(ctx context.Context, transcript string) (string, error) {
	var kept []string
	for _, word := range strings.Fields(transcript) {
		bare := strings.ToLower(strings.TrimRight(word, ",.;:!?"))
		if fillerWords[bare] {
			continue
		}
		kept = append(kept, word)
	}
	if len(kept) == 0 {
		return "", nil
	}

	runes := []rune(strings.Join(kept, " "))
	capitalize := true
	for i, r := range runes {
		if capitalize && unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
			capitalize = false
			continue
		}
		if r == '.' || r == '!' || r == '?' {
			capitalize = true
		} else if !unicode.IsSpace(r) {
			capitalize = false
		}
	}

	out := string(runes)
	if !strings.ContainsRune(".!?", runes[len(runes)-1]) {
		out += "."
	}
	return out, nil
}
