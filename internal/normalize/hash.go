package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

const maxKeyTerms = 20

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "against": {}, "also": {}, "amid": {},
	"because": {}, "been": {}, "before": {}, "being": {}, "between": {}, "could": {},
	"does": {}, "doing": {}, "down": {}, "during": {}, "each": {}, "from": {},
	"further": {}, "have": {}, "having": {}, "here": {}, "into": {}, "just": {},
	"more": {}, "most": {}, "news": {}, "once": {}, "only": {}, "other": {},
	"over": {}, "said": {}, "says": {}, "same": {}, "should": {}, "some": {},
	"such": {}, "than": {}, "that": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "those": {}, "through": {},
	"under": {}, "until": {}, "very": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "while": {}, "will": {}, "with": {}, "would": {},
	"your": {}, "year": {}, "years": {},
}

// ContentHash is the sha256 hex digest of the lowercased, trimmed
// "title|normalizedURL|sourceID" triple.
func ContentHash(title, normalizedURL, sourceID string) string {
	payload := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(title)),
		strings.ToLower(strings.TrimSpace(normalizedURL)),
		strings.ToLower(strings.TrimSpace(sourceID)),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Tokens splits text into lowercase alphanumeric tokens.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// KeyTerms returns up to 20 distinct tokens longer than three characters,
// excluding stopwords, taken in order of appearance and then sorted.
func KeyTerms(text string) []string {
	seen := make(map[string]struct{})
	terms := make([]string, 0, maxKeyTerms)
	for _, token := range Tokens(text) {
		if len([]rune(token)) <= 3 {
			continue
		}
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		terms = append(terms, token)
		if len(terms) == maxKeyTerms {
			break
		}
	}
	sort.Strings(terms)
	return terms
}

// KeyTermsHash hashes the key terms of text. Empty text hashes to "".
func KeyTermsHash(text string) string {
	terms := KeyTerms(text)
	if len(terms) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(terms, " ")))
	return hex.EncodeToString(sum[:])
}
