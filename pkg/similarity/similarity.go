// Package similarity provides the string, phonetic and geographic comparison
// functions the resolvers score candidates with. All functions are pure.
package similarity

import (
	"math"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/xrash/smetrics"

	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// name token weights
const (
	jaroWinklerWeight = 0.45
	levenshteinWeight = 0.35
	phoneticWeight    = 0.20
)

// JaroWinkler returns the Jaro-Winkler similarity of a and b in [0,1]
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// LevenshteinDistance returns the edit distance between a and b
func LevenshteinDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// Levenshtein returns the edit distance normalized to a similarity in [0,1]
func Levenshtein(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(LevenshteinDistance(a, b))/float64(maxLen)
}

// StringSimilarity blends Jaro-Winkler and edit similarity. Used for address text.
func StringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.7*JaroWinkler(a, b) + 0.3*Levenshtein(a, b)
}

// Soundex returns the four character Soundex code of a single word
func Soundex(word string) string {
	word = lettersOnly(word)
	if word == "" {
		return ""
	}
	return smetrics.Soundex(word)
}

// PhoneticMatch returns 1.0 when either the Soundex or Metaphone codes of a and b agree
func PhoneticMatch(a, b string) float64 {
	sa, sb := Soundex(a), Soundex(b)
	if sa != "" && sa == sb {
		return 1.0
	}
	ma, mb := Metaphone(a), Metaphone(b)
	if ma != "" && ma == mb {
		return 1.0
	}
	return 0.0
}

// TokenSimilarity scores two single name tokens with combined edit-distance and phonetic comparison
func TokenSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	return jaroWinklerWeight*JaroWinkler(a, b) +
		levenshteinWeight*Levenshtein(a, b) +
		phoneticWeight*PhoneticMatch(a, b)
}

// NameSimilarity compares two full names in [0,1]. When both names carry a given and
// a family name the parts are compared pairwise and averaged; otherwise the
// whole normalized strings are compared.
func NameSimilarity(a, b string) float64 {
	ta, tb := normalizers.NameTokens(a), normalizers.NameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	if len(ta) == 1 || len(tb) == 1 {
		return TokenSimilarity(strings.Join(ta, ""), strings.Join(tb, ""))
	}

	first := TokenSimilarity(ta[0], tb[0])
	last := TokenSimilarity(ta[len(ta)-1], tb[len(tb)-1])
	return (first + last) / 2
}

// DateProximity calculates a proximity score for two dates
// Returns 1.0 for the same day, decreasing linearly to 0.0 at maxDaysDiff
func DateProximity(a, b time.Time, maxDaysDiff int) float64 {
	if a.IsZero() || b.IsZero() || maxDaysDiff <= 0 {
		return 0.0
	}

	daysDiff := math.Abs(a.Sub(b).Hours() / 24)
	if daysDiff >= float64(maxDaysDiff) {
		return 0.0
	}
	return 1.0 - (daysDiff / float64(maxDaysDiff))
}

// WeightedScore calculates a weighted average of the present scores.
// Fields missing from scores are excluded from the denominator rather than scored as zero.
func WeightedScore(scores map[string]float64, weights map[string]float64) float64 {
	var totalWeight float64
	var weightedSum float64

	for field, score := range scores {
		weight, ok := weights[field]
		if !ok {
			weight = 1.0
		}
		weightedSum += score * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
