package complexity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_Deterministic(t *testing.T) {
	q := "explain the fundamentals of quantum mechanics in detail"
	r1 := Evaluate(q)
	r2 := Evaluate(q)
	assert.Equal(t, r1, r2)
}

func TestEvaluate_EmptyQueryZeroScore(t *testing.T) {
	r := Evaluate("")
	assert.Equal(t, 0.0, r.Score)
	assert.Empty(t, r.Factors)
}

func TestEvaluate_ShortSimpleQueryLowScore(t *testing.T) {
	r := Evaluate("hi")
	assert.Less(t, r.Score, 0.3)
}

func TestEvaluate_LongComplexQueryHighScore(t *testing.T) {
	longWords := make([]string, 150)
	for i := range longWords {
		longWords[i] = "extraordinarily"
	}
	q := strings.Join(longWords, " ") + "."
	r := Evaluate(q)
	assert.Greater(t, r.Score, 0.7)
	assert.Contains(t, r.Factors, "high_vocabulary_complexity")
	assert.Contains(t, r.Factors, "long_query")
}

func TestEvaluate_ComplexGrammarFactor(t *testing.T) {
	words := make([]string, 40)
	for i := range words {
		words[i] = "word"
	}
	q := strings.Join(words, " ") + "."
	r := Evaluate(q)
	assert.Contains(t, r.Factors, "complex_grammar")
}

func TestEvaluate_ScoreBounded(t *testing.T) {
	words := make([]string, 500)
	for i := range words {
		words[i] = "supercalifragilisticexpialidocious"
	}
	q := strings.Join(words, " ")
	r := Evaluate(q)
	assert.LessOrEqual(t, r.Score, 1.0)
	assert.GreaterOrEqual(t, r.Score, 0.0)
}
