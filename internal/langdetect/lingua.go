// Package langdetect tags articles with an ISO 639-1 language code. The
// detector only knows the languages carrier feeds actually publish in, which
// keeps the model footprint small and avoids wild guesses on short titles.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const minLetters = 6

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector

	supported = []lingua.Language{
		lingua.English,
		lingua.Spanish,
		lingua.French,
		lingua.German,
		lingua.Portuguese,
		lingua.Italian,
		lingua.Dutch,
		lingua.Japanese,
	}
)

// Detect returns the lowercase ISO 639-1 code for text, or "" when the text
// is too short or no supported language is a confident match.
func Detect(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < minLetters {
		return ""
	}

	language, ok := getDetector().DetectLanguageOf(sample)
	if !ok {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(supported...).
			WithMinimumRelativeDistance(0.1).
			Build()
	})
	return detector
}
