package parser

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
)

// DefaultSummaryRatio is the share of sentences kept by Summarize.
const DefaultSummaryRatio = 0.6

// SplitSentences splits text into trimmed, non-empty sentences. Line breaks
// always end a sentence; so does terminal punctuation followed by whitespace.
func SplitSentences(text string) []string {
	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		for _, s := range splitLine(line) {
			if s = strings.TrimSpace(s); s != "" {
				sentences = append(sentences, s)
			}
		}
	}
	return sentences
}

func splitLine(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				// Single capital before the dot, like "J. Smith".
				if i > 1 && unicode.IsUpper(runes[i-1]) && !unicode.IsLetter(runes[i-2]) {
					continue
				}
				sentences = append(sentences, current.String())
				current.Reset()
			}
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}

// Words returns the lowercased word tokens of s. Hyphens and apostrophes
// inside a word are kept.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})
}

// IsStopWord reports whether w is a common English function word.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// wordFrequencies counts non-stop words and normalizes by the highest count.
func wordFrequencies(sentences []string) map[string]float64 {
	counts := make(map[string]int)
	top := 0
	for _, s := range sentences {
		for _, w := range Words(s) {
			w = strings.Trim(w, "-'")
			if w == "" || IsStopWord(w) {
				continue
			}
			counts[w]++
			top = max(top, counts[w])
		}
	}

	freq := make(map[string]float64, len(counts))
	for w, n := range counts {
		freq[w] = float64(n) / float64(top)
	}
	return freq
}

// Summarize keeps the highest scoring share of sentences, returned in score
// order. A sentence scores the sum of its words' normalized frequencies.
// ratio outside (0, 1] falls back to DefaultSummaryRatio.
func Summarize(sentences []string, ratio float64) []string {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultSummaryRatio
	}
	keep := int(float64(len(sentences)) * ratio)
	if keep == 0 {
		return nil
	}

	freq := wordFrequencies(sentences)
	type scored struct {
		text  string
		score float64
		index int
	}
	ranked := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		var score float64
		for _, w := range Words(s) {
			score += freq[strings.Trim(w, "-'")]
		}
		if score > 0 {
			ranked = append(ranked, scored{text: s, score: score, index: i})
		}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	if len(ranked) > keep {
		ranked = ranked[:keep]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.text
	}
	return out
}

// Keywords returns up to limit distinct non-stop words of text, most frequent
// first; ties keep first-seen order. Tokens shorter than three letters and
// pure numbers are skipped. limit <= 0 returns all of them.
func Keywords(text string, limit int) []string {
	counts := make(map[string]int)
	var order []string
	for _, w := range Words(text) {
		w = strings.Trim(w, "-'")
		if len([]rune(w)) < 3 || IsStopWord(w) || isNumber(w) {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	slices.SortStableFunc(order, func(a, b string) int {
		return cmp.Compare(counts[b], counts[a])
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var stopWords = func() map[string]struct{} {
	words := strings.Fields(`
		a about above after again against all am an and any are aren't as at
		be because been before being below between both but by
		can can't cannot could couldn't did didn't do does doesn't doing don't down during
		each few for from further had hadn't has hasn't have haven't having he her here
		hers herself him himself his how i if in into is isn't it it's its itself
		just let's me more most mustn't my myself no nor not of off on once only or
		other ought our ours ourselves out over own same shan't she should shouldn't so
		some such than that that's the their theirs them themselves then there these
		they this those through to too under until up very was wasn't we were weren't
		what when where which while who whom why will with won't would wouldn't
		you your yours yourself yourselves also may might must shall upon via within
		without yet however therefore thus
	`)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
