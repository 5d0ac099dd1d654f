package retrieval

import (
	"strings"
	"unicode"
)

// Suffixes stripped during term expansion, longest first so "running" stems
// before "runs" logic would.
var stemSuffixes = []string{"ation", "ing", "tion", "ness", "ment", "edly", "es", "ed", "ly", "s"}

// expandTerms tokenizes the query and adds crude stems of each term, so
// "configuring" matches a chunk containing "configured".
func expandTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, token := range tokenize(query) {
		terms[token] = true
		if stem := stemTerm(token); stem != token {
			terms[stem] = true
		}
	}
	return terms
}

// overlapRatio returns the fraction of expanded query terms present in the
// candidate text (terms or their stems).
func overlapRatio(queryTerms map[string]bool, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	textTerms := make(map[string]bool)
	for _, token := range tokenize(text) {
		textTerms[token] = true
		if stem := stemTerm(token); stem != token {
			textTerms[stem] = true
		}
	}

	matched := 0
	for term := range queryTerms {
		if textTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// jaccardSimilarity over word sets drives diversity pruning.
func jaccardSimilarity(a, b string) float64 {
	setA := make(map[string]bool)
	for _, token := range tokenize(a) {
		setA[token] = true
	}
	setB := make(map[string]bool)
	for _, token := range tokenize(b) {
		setB[token] = true
	}

	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func stemTerm(term string) string {
	for _, suffix := range stemSuffixes {
		if strings.HasSuffix(term, suffix) && len(term)-len(suffix) >= 3 {
			return term[:len(term)-len(suffix)]
		}
	}
	return term
}
