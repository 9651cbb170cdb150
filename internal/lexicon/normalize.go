package lexicon

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var arabicFold = map[rune]rune{
	'أ': 'ا',
	'إ': 'ا',
	'آ': 'ا',
	'ٱ': 'ا',
	'ى': 'ي',
	'ة': 'ه',
	'ؤ': 'و',
	'ئ': 'ي',
}

// Normalize folds text into the canonical form used for keyword and
// gazetteer matching: NFKC, lower case, Arabic letter variants folded,
// diacritics, tatweel and apostrophes removed, Arabic-Indic digits mapped to ASCII,
// punctuation replaced by spaces and whitespace collapsed.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range text {
		switch {
		case r >= '\u064B' && r <= '\u0652', r == '\u0670', r == '\u0640', r == '\'', r == '\u2019':
			continue
		case r >= '\u0660' && r <= '\u0669':
			r = '0' + (r - '\u0660')
		case r >= '\u06F0' && r <= '\u06F9':
			r = '0' + (r - '\u06F0')
		}
		if folded, ok := arabicFold[r]; ok {
			r = folded
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '+' {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits normalized text on spaces.
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}

// ContainsPhrase reports whether the normalized phrase occurs in the
// normalized text on token boundaries.
func ContainsPhrase(normalizedText, normalizedPhrase string) bool {
	if normalizedPhrase == "" {
		return false
	}
	return strings.Contains(" "+normalizedText+" ", " "+normalizedPhrase+" ")
}

// DetectLanguage returns "ar" when the text carries Arabic letters, "en"
// when it carries Latin letters, and "" when it has neither.
func DetectLanguage(text string) string {
	latin := false
	for _, r := range text {
		if unicode.Is(unicode.Arabic, r) && unicode.IsLetter(r) {
			return "ar"
		}
		if unicode.Is(unicode.Latin, r) {
			latin = true
		}
	}
	if latin {
		return "en"
	}
	return ""
}
