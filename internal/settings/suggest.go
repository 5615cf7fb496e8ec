package settings

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.80
)

// Suggest returns the candidate that most plausibly was meant by input.
//
// Candidates whose Double Metaphone codes overlap with the input's are
// preferred and need a Jaro-Winkler score of at least 0.70; other candidates
// need 0.80. Comparison is case-insensitive. ok is false when nothing is
// close enough.
func Suggest(input string, candidates []string) (suggestion string, ok bool) {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" || len(candidates) == 0 {
		return "", false
	}
	inCodes := metaphone(in)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, c := range candidates {
		lc := strings.ToLower(c)
		score := matchr.JaroWinkler(in, lc, false)
		phonetic := overlaps(inCodes, metaphone(lc))

		switch {
		case phonetic && score >= phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = c, score, true
			}
		case !bestPhonetic && score >= fuzzyThreshold && score > bestScore:
			best, bestScore = c, score
		}
	}
	return best, best != ""
}

func metaphone(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	codes := make([]string, 0, 2)
	if p != "" {
		codes = append(codes, p)
	}
	if s != "" && s != p {
		codes = append(codes, s)
	}
	return codes
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
