package reference

import (
	"commerce-assistant/internal/repository/db"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	bareNumber     = regexp.MustCompile(`^\s*#?\s*(\d{1,3})\s*[.!?]*\s*$`)
	prefixedNumber = regexp.MustCompile(`(?i)(?:#|\b(?:no\.?|number|option|item|namba|nambari)\s*)(\d{1,3})\b`)
)

// numericPosition finds a numeric literal: the whole text, or a number after #, "number", "option" and similar
func numericPosition(text string) (int, bool) {
	m := bareNumber.FindStringSubmatch(text)
	if m == nil {
		m = prefixedNumber.FindStringSubmatch(text)
	}
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

var ordinals = map[string]int{
	"first": 1, "1st": 1, "second": 2, "2nd": 2, "third": 3, "3rd": 3,
	"fourth": 4, "4th": 4, "fifth": 5, "5th": 5, "sixth": 6, "6th": 6,
	"seventh": 7, "7th": 7, "eighth": 8, "8th": 8, "ninth": 9, "9th": 9, "tenth": 10, "10th": 10,

	"kwanza": 1, "pili": 2, "tatu": 3, "nne": 4, "tano": 5,
	"sita": 6, "saba": 7, "nane": 8, "tisa": 9, "kumi": 10,
}

var lastWords = map[string]bool{"last": true, "mwisho": true, "final": true}

// fillers may surround an ordinal in a reference phrase such as
// "I'll take the second one please" or "nipe ya kwanza"
var fillers = map[string]bool{
	"the": true, "one": true, "ones": true, "i": true, "ll": true, "want": true, "take": true,
	"please": true, "give": true, "me": true, "get": true, "that": true, "number": true,
	"option": true, "item": true, "choose": true, "pick": true, "id": true, "like": true, "d": true,
	"ya": true, "la": true, "wa": true, "ile": true, "hiyo": true, "moja": true,
	"nipe": true, "nataka": true, "tafadhali": true, "naomba": true,
}

// ordinalPosition maps an ordinal to a position when the whole text is a
// reference phrase. "first of all, what time do you close" is not one.
func ordinalPosition(text string, n int) (int, bool) {
	pos, found := 0, false
	for _, tok := range tokens(text) {
		switch {
		case fillers[tok]:
		case found:
			return 0, false
		case lastWords[tok]:
			pos, found = n, true
		default:
			p, ok := ordinals[tok]
			if !ok {
				return 0, false
			}
			pos, found = p, true
		}
	}
	return pos, found
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "one": true, "ones": true, "i": true, "want": true, "like": true,
	"please": true, "that": true, "this": true, "it": true, "give": true, "me": true, "show": true,
	"take": true, "with": true, "and": true, "of": true, "in": true, "is": true, "for": true, "get": true,
	"nataka": true, "hiyo": true, "hii": true, "ile": true, "na": true, "ya": true, "wa": true, "la": true,
	"tafadhali": true, "nipe": true, "moja": true, "kwa": true,
}

// describe returns the positions of the items whose title and attribute
// values share the most content words with text
func describe(items []db.ReferenceItem, text string) []int {
	var query []string
	seen := map[string]bool{}
	for _, tok := range tokens(text) {
		if len(tok) < 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		query = append(query, tok)
	}
	if len(query) == 0 {
		return nil
	}

	best := 0
	var matches []int
	for i, item := range items {
		words := itemWords(item)
		score := 0
		for _, q := range query {
			if words[q] {
				score++
			}
		}
		switch {
		case score == 0 || score < best:
		case score > best:
			best = score
			matches = []int{i + 1}
		default:
			matches = append(matches, i+1)
		}
	}
	return matches
}

func itemWords(item db.ReferenceItem) map[string]bool {
	words := make(map[string]bool)
	for _, tok := range tokens(item.Title) {
		words[tok] = true
	}
	for _, v := range item.Attributes {
		for _, tok := range tokens(v) {
			words[tok] = true
		}
	}
	return words
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
