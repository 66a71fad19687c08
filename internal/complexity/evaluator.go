// Package complexity implements the gateway's deterministic query-complexity
// scoring algorithm.
package complexity

import (
	"math"
	"regexp"
	"strings"
)

// Result is the output of Evaluate: a score in [0,1] plus the ordered list of
// factor tags that contributed to it.
type Result struct {
	Score   float64
	Factors []string
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// Evaluate computes a deterministic complexity score from query text alone;
// metadata never influences it, so identical queries always score identically.
func Evaluate(queryText string) Result {
	words := strings.Fields(queryText)
	w := len(words)

	var avgWordLen float64
	if w > 0 {
		total := 0
		for _, word := range words {
			total += len([]rune(word))
		}
		avgWordLen = float64(total) / float64(w)
	}

	vocabComplexity := 0.5*minF(float64(w)/100, 1) + 0.5*minF(avgWordLen/10, 1)

	var sentences []string
	for _, s := range sentenceSplit.Split(queryText, -1) {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	s := len(sentences)
	if s < 1 {
		s = 1
	}
	avgSentenceLen := float64(w) / float64(s)
	grammarComplexity := minF(avgSentenceLen/20, 1)

	score := clamp(0.6*vocabComplexity+0.4*grammarComplexity, 0, 1)

	var factors []string
	if vocabComplexity > 0.6 {
		factors = append(factors, "high_vocabulary_complexity")
	}
	if grammarComplexity > 0.6 {
		factors = append(factors, "complex_grammar")
	}
	if w > 100 {
		factors = append(factors, "long_query")
	}

	return Result{Score: score, Factors: factors}
}

func minF(a, b float64) float64 {
	return math.Min(a, b)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
