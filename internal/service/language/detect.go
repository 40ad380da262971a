package language

import (
	"strings"
	"unicode"
)

// Language is a tracked conversation language code
type Language string

const (
	English Language = "en"
	Swahili Language = "sw"
	Mixed   Language = "mixed"

	// Default is used whenever nothing better is known
	Default = English
)

// Lexicon maps a language to the indicator words that identify it
type Lexicon map[Language][]string

// DefaultLexicon is a small indicator set. Production deployments inject a fuller one.
func DefaultLexicon() Lexicon {
	return Lexicon{
		English: {
			"hello", "hi", "the", "want", "please", "thanks", "thank", "how", "much",
			"price", "what", "is", "yes", "no", "buy", "order", "which", "one", "do", "you", "have",
		},
		Swahili: {
			"habari", "nataka", "tafadhali", "asante", "bei", "ngapi", "ndiyo", "hapana",
			"nini", "je", "sawa", "karibu", "mambo", "kununua", "nina", "una", "gani", "hii", "hiyo", "kwa",
		},
	}
}

// NormalizeLanguage maps any unknown or empty code to the default
func NormalizeLanguage(code string) Language {
	switch Language(strings.ToLower(strings.TrimSpace(code))) {
	case English:
		return English
	case Swahili:
		return Swahili
	case Mixed:
		return Mixed
	default:
		return Default
	}
}

// Detector classifies text by indicator words
type Detector struct {
	index map[string]Language
}

// NewDetector builds a Detector from a lexicon. Words listed under more than one language are ignored.
func NewDetector(lex Lexicon) *Detector {
	if lex == nil {
		lex = DefaultLexicon()
	}
	index := make(map[string]Language)
	shared := make(map[string]bool)
	for lang, words := range lex {
		for _, w := range words {
			w = strings.ToLower(w)
			if prev, ok := index[w]; ok && prev != lang {
				shared[w] = true
			}
			index[w] = lang
		}
	}
	for w := range shared {
		delete(index, w)
	}
	return &Detector{index: index}
}

// Detect returns the language of text and whether any indicator was found.
// No indicators yields the default.
func (d *Detector) Detect(text string) (Language, bool) {
	found := make(map[Language]bool)
	for _, tok := range tokenize(text) {
		if lang, ok := d.index[tok]; ok {
			found[lang] = true
		}
	}
	switch len(found) {
	case 0:
		return Default, false
	case 1:
		for lang := range found {
			return lang, true
		}
	}
	return Mixed, true
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}
