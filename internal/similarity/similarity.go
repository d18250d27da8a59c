// Package similarity implements the string similarity metrics used to score
// address disagreements. Every function is total: empty input yields 0 and
// nothing panics. All metrics are case- and accent-insensitive and symmetric.
package similarity

import (
	"math"
	"sort"
)

// Address component weights.
const (
	weightCosine      = 0.5
	weightJaroWinkler = 0.3
	weightLevenshtein = 0.2
)

// Cosine returns the cosine of the term-frequency vectors of a and b.
// Identical non-empty token streams score 1; a side with no tokens scores 0.
func Cosine(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if equalTokens(ta, tb) {
		return 1
	}

	fa := termFrequencies(ta)
	fb := termFrequencies(tb)

	vocab := make([]string, 0, len(fa)+len(fb))
	for t := range fa {
		vocab = append(vocab, t)
	}
	for t := range fb {
		if _, ok := fa[t]; !ok {
			vocab = append(vocab, t)
		}
	}
	sort.Strings(vocab)

	var dot, na, nb float64
	for _, t := range vocab {
		x, y := fa[t], fb[t]
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// JaroWinkler returns the Jaro similarity of a and b boosted by up to four
// characters of common prefix, scaling factor 0.1.
func JaroWinkler(a, b string) float64 {
	ra, rb := []rune(Fold(a)), []rune(Fold(b))
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	// Greedy matching depends on argument order; fix one.
	if string(rb) < string(ra) {
		ra, rb = rb, ra
	}
	if string(ra) == string(rb) {
		return 1
	}

	window := max(len(ra), len(rb))/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, len(ra))
	matchedB := make([]bool, len(rb))
	matches := 0
	for i := range ra {
		lo := max(0, i-window)
		hi := min(len(rb), i+window+1)
		for j := lo; j < hi; j++ {
			if matchedB[j] || ra[i] != rb[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range ra {
		if !matchedA[i] {
			continue
		}
		for !matchedB[k] {
			k++
		}
		if ra[i] != rb[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(ra)) + m/float64(len(rb)) + (m-float64(transpositions/2))/m) / 3

	prefix := 0
	for i := 0; i < min(4, len(ra), len(rb)); i++ {
		if ra[i] != rb[i] {
			break
		}
		prefix++
	}
	return clamp01(jaro + float64(prefix)*0.1*(1-jaro))
}

// Levenshtein returns 1 - distance/max(|a|,|b|) over runes. Two empty
// strings are identical and score 1; one empty side scores 0.
func Levenshtein(a, b string) float64 {
	ra, rb := []rune(Fold(a)), []rune(Fold(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	d := editDistance(ra, rb)
	return clamp01(1 - float64(d)/float64(max(len(ra), len(rb))))
}

// Address blends the three metrics: 0.5 cosine, 0.3 Jaro-Winkler and
// 0.2 Levenshtein, each clamped to [0,1] first. Identical non-empty inputs
// score 1 even when they fold to nothing.
func Address(a, b string) float64 {
	if a != "" && a == b {
		return 1
	}
	fa, fb := Fold(a), Fold(b)
	if fa == "" || fb == "" {
		return 0
	}
	if fa == fb {
		return 1
	}
	score := weightCosine*clamp01(Cosine(a, b)) +
		weightJaroWinkler*clamp01(JaroWinkler(a, b)) +
		weightLevenshtein*clamp01(Levenshtein(a, b))
	return clamp01(score)
}

// editDistance is the unit-cost Levenshtein distance using two DP rows.
func editDistance(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, ca := range a {
		curr[0] = i + 1
		for j, cb := range b {
			sub := prev[j]
			if ca != cb {
				sub++
			}
			curr[j+1] = min(curr[j]+1, prev[j+1]+1, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func termFrequencies(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
