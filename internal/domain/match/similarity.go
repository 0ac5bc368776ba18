package match

import "strings"

// Token-sort ratio over normalized name strings. Tokens are sorted before
// comparison so word order never affects the score.
//
// The ratio is the indel similarity 1 - d/(len(a)+len(b)) where d is the
// edit distance with substitutions forbidden (insert/delete only). This
// matches the rapidfuzz ratio definition the matching heuristics were
// tuned against.
func tokenSortRatio(aTokens, bTokens []string) float64 {
	a := strings.Join(aTokens, " ")
	b := strings.Join(bTokens, " ")
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	total := len(a) + len(b)
	return 1 - float64(indelDistance(a, b))/float64(total)
}

// indelDistance computes insert/delete edit distance via the LCS identity
// d = len(a) + len(b) - 2*LCS(a,b).
func indelDistance(a, b string) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for j := 1; j <= len(b); j++ {
		for i := 1; i <= len(a); i++ {
			if a[i-1] == b[j-1] {
				curr[i] = prev[i-1] + 1
			} else if prev[i] >= curr[i-1] {
				curr[i] = prev[i]
			} else {
				curr[i] = curr[i-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(a)]
	return len(a) + len(b) - 2*lcs
}

// jaccard computes token-set overlap. Inputs must be de-duplicated.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	for _, t := range b {
		if set[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// soundex produces the classic 4-character phonetic code for a word.
// Empty input yields an empty code.
func soundex(word string) string {
	word = strings.ToUpper(word)
	var first byte
	for i := 0; i < len(word); i++ {
		if word[i] >= 'A' && word[i] <= 'Z' {
			first = word[i]
			word = word[i:]
			break
		}
	}
	if first == 0 {
		return ""
	}

	code := []byte{first}
	prev := soundexDigit(first)
	for i := 1; i < len(word) && len(code) < 4; i++ {
		ch := word[i]
		if ch < 'A' || ch > 'Z' {
			prev = 0
			continue
		}
		d := soundexDigit(ch)
		switch {
		case d == 0:
			// Vowels and h/w/y separate duplicate codes but emit nothing.
			if ch != 'H' && ch != 'W' {
				prev = 0
			}
		case d != prev:
			code = append(code, '0'+d)
			prev = d
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

func soundexDigit(ch byte) byte {
	switch ch {
	case 'B', 'F', 'P', 'V':
		return 1
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return 2
	case 'D', 'T':
		return 3
	case 'L':
		return 4
	case 'M', 'N':
		return 5
	case 'R':
		return 6
	default:
		return 0
	}
}
