// CLAUDE:SUMMARY Fuzzy text similarity (exact containment, token Jaccard, trigram cosine, Levenshtein) and best-candidate selection per target.
// Package match maps free-text targets onto page nodes.
//
// The scoring math is pure and safe for concurrent use. Candidates and
// StableSelector work on a goquery snapshot of the page; selectors built
// there resolve identically against the live document.
package match

import (
	"math"
	"strings"
	"unicode"
)

// Score weights.
const (
	weightExact   = 0.5
	weightJaccard = 0.2
	weightTrigram = 0.2
	weightLev     = 0.1
)

// Normalize lower-cases s, collapses whitespace runs and trims.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Score rates how well candidate text c covers target text t, in [0, 1].
func Score(c, t string) float64 {
	nc, nt := Normalize(c), Normalize(t)
	if nc == "" || nt == "" {
		return 0
	}
	var exact float64
	if strings.Contains(nc, nt) {
		exact = 1
	}
	rc, rt := []rune(nc), []rune(nt)
	lev := 1 - math.Min(1, float64(levenshtein(rc, rt))/float64(max(len(rc), len(rt))))
	return weightExact*exact +
		weightJaccard*jaccard(nc, nt) +
		weightTrigram*trigramCosine(nc, nt) +
		weightLev*lev
}

// Jaccard is the token-set similarity of a and b after normalization.
func Jaccard(a, b string) float64 { return jaccard(Normalize(a), Normalize(b)) }

// TrigramCosine is the cosine similarity of padded character trigrams.
func TrigramCosine(a, b string) float64 { return trigramCosine(Normalize(a), Normalize(b)) }

// Levenshtein is the rune edit distance between normalized a and b.
func Levenshtein(a, b string) int {
	return levenshtein([]rune(Normalize(a)), []rune(Normalize(b)))
}

func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func trigrams(s string) map[string]int {
	r := []rune("  " + s + "  ")
	grams := make(map[string]int, len(r))
	for i := 0; i+3 <= len(r); i++ {
		grams[string(r[i:i+3])]++
	}
	return grams
}

func trigramCosine(a, b string) float64 {
	ga, gb := trigrams(a), trigrams(b)
	var dot, na, nb float64
	for g, ca := range ga {
		na += float64(ca * ca)
		if cb, ok := gb[g]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range gb {
		nb += float64(cb * cb)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

// levenshtein uses a single rolling row.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			tmp := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(row[j]+1, row[j-1]+1, prev+cost)
			prev = tmp
		}
	}
	return row[len(b)]
}

// Result is the winning candidate for one target.
type Result struct {
	Selector string  `json:"selector"`
	Score    float64 `json:"score"`
	Text     string  `json:"text,omitempty"`
}

// FindBest picks, for every target, the candidate with the highest score.
// Ties keep the first candidate encountered. Targets with no candidate
// scoring above zero, or whose winner has no selector, are omitted.
func FindBest(targets map[string]string, candidates []Candidate) map[string]Result {
	out := make(map[string]Result, len(targets))
	for key, target := range targets {
		best, bestScore := -1, 0.0
		for i, c := range candidates {
			if s := Score(c.Text, target); s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			continue
		}
		sel := candidates[best].selector()
		if sel == "" {
			continue
		}
		out[key] = Result{Selector: sel, Score: bestScore, Text: candidates[best].Text}
	}
	return out
}
