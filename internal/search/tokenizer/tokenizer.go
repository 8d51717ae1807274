// Package tokenizer provides text tokenisation for the template index.
// It normalises and case-folds input, splits on non-alphanumeric boundaries,
// and expands every word into its substrings so partial input matches.
package tokenizer

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MinSubstringLen is the shortest substring emitted for partial matching.
const MinSubstringLen = 2

// Set is a deduplicated collection of tokens.
type Set map[string]struct{}

// Has reports whether tok is in the set.
func (s Set) Has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Sorted returns the tokens in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for tok := range s {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Tokenize returns every whole word of text plus every contiguous substring
// of each word that is at least MinSubstringLen runes long. The cost is
// quadratic in word length.
func Tokenize(text string) Set {
	words := split(text)
	tokens := make(Set, len(words)*4)
	for _, word := range words {
		tokens[word] = struct{}{}
		runes := []rune(word)
		for i := 0; i+MinSubstringLen <= len(runes); i++ {
			for j := i + MinSubstringLen; j <= len(runes); j++ {
				tokens[string(runes[i:j])] = struct{}{}
			}
		}
	}
	return tokens
}

// Words returns the whole words of text in first-occurrence order without
// duplicates. Queries are tokenized with Words, not Tokenize.
func Words(text string) []string {
	words := split(text)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Normalize applies the same normalisation Tokenize uses, without splitting.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	// Casers carry state and must not be shared between goroutines.
	return cases.Fold().String(norm.NFC.String(text))
}

func split(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
