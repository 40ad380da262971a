package rag

import (
	"commerce-assistant/internal/service/query"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	sentenceBreak = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)
	numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
)

// DefaultMinOverlap is the share of a sentence's content words that must
// appear in the retrieved chunks
const DefaultMinOverlap = 0.5

// GroundingValidator checks that an answer only restates retrieved chunks
type GroundingValidator struct {
	MinOverlap float64
}

// NewGroundingValidator creates a validator. minOverlap <= 0 uses DefaultMinOverlap.
func NewGroundingValidator(minOverlap float64) *GroundingValidator {
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}
	return &GroundingValidator{MinOverlap: minOverlap}
}

// Validate returns an error naming the first sentence or number that cannot
// be traced to the chunks
func (v *GroundingValidator) Validate(answer string, chunks []query.KnowledgeChunk) error {
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("empty answer")
	}

	var source strings.Builder
	for _, c := range chunks {
		source.WriteString(c.Content)
		source.WriteByte('\n')
	}
	vocab := make(map[string]bool)
	for _, w := range query.Words(source.String()) {
		vocab[w] = true
	}
	numbers := make(map[string]bool)
	for _, n := range numberPattern.FindAllString(source.String(), -1) {
		numbers[normalizeNumber(n)] = true
	}

	for _, n := range numberPattern.FindAllString(answer, -1) {
		if !numbers[normalizeNumber(n)] {
			return fmt.Errorf("number %q not found in sources", n)
		}
	}

	for _, sentence := range sentenceBreak.Split(answer, -1) {
		words := contentWords(sentence)
		// one-word interjections ("Sure!") carry no claim
		if len(words) < 2 {
			continue
		}
		hits := 0
		for _, w := range words {
			if grounded(w, vocab) {
				hits++
			}
		}
		if ratio := float64(hits) / float64(len(words)); ratio < v.MinOverlap {
			return fmt.Errorf("sentence %q overlaps sources at %.2f", strings.TrimSpace(sentence), ratio)
		}
	}
	return nil
}

// contentWords drops stopwords, numbers and very short tokens
func contentWords(sentence string) []string {
	var out []string
	for _, w := range query.Words(sentence) {
		if utf8.RuneCountInString(w) < 3 || numberPattern.MatchString(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// grounded matches a word exactly or by a shared five letter stem, so
// "delivers" is grounded by "delivery"
func grounded(w string, vocab map[string]bool) bool {
	if vocab[w] {
		return true
	}
	r := []rune(w)
	if len(r) < 5 {
		return false
	}
	stem := string(r[:5])
	for v := range vocab {
		if strings.HasPrefix(v, stem) {
			return true
		}
	}
	return false
}

func normalizeNumber(n string) string {
	n = strings.ReplaceAll(n, ",", "")
	if strings.Contains(n, ".") {
		n = strings.TrimRight(strings.TrimRight(n, "0"), ".")
	}
	return n
}
