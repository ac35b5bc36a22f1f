// Package normalize folds titles, authors and genres into comparable keys and
// validates ISBNs.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	isbnNoise   = regexp.MustCompile(`[\s\-]`)
)

// Fold lowercases s, strips diacritics and collapses whitespace.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Key is Fold with punctuation removed. Two titles that only differ in case,
// accents or punctuation share a Key.
func Key(s string) string {
	return strings.Join(strings.Fields(punctuation.ReplaceAllString(Fold(s), " ")), " ")
}

// Genre folds a single genre label.
func Genre(s string) string {
	return Fold(s)
}

// Genres folds every label, dropping blanks and duplicates while keeping order.
func Genres(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, g := range in {
		g = Genre(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}

// Similarity returns a 0.0 to 1.0 ratio based on the Levenshtein distance of
// the two keys.
func Similarity(a, b string) float64 {
	ra, rb := []rune(Key(a)), []rune(Key(b))
	if string(ra) == string(rb) {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}

	maxLen := max(len(ra), len(rb))
	return 1.0 - float64(levenshtein(ra, rb))/float64(maxLen)
}

func levenshtein(s1, s2 []rune) int {
	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}

// ISBN13 returns the canonical 13 digit form of raw. ISBN-10 input is
// converted. ok is false when raw is not a valid ISBN.
func ISBN13(raw string) (string, bool) {
	s := strings.ToUpper(isbnNoise.ReplaceAllString(raw, ""))
	s = strings.TrimPrefix(s, "ISBN:")
	s = strings.TrimPrefix(s, "ISBN")

	switch len(s) {
	case 10:
		if !validISBN10(s) {
			return "", false
		}
		body := "978" + s[:9]
		return body + isbn13Check(body), true
	case 13:
		if !allDigits(s) || isbn13Check(s[:12]) != s[12:] {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

// ISBN10 converts a 978-prefixed ISBN-13 back to ISBN-10.
func ISBN10(isbn13 string) (string, bool) {
	if len(isbn13) != 13 || !strings.HasPrefix(isbn13, "978") || !allDigits(isbn13) {
		return "", false
	}
	body := isbn13[3:12]
	sum := 0
	for i, r := range body {
		sum += (10 - i) * int(r-'0')
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return body + "X", true
	}
	return body + string(rune('0'+check)), true
}

func validISBN10(s string) bool {
	sum := 0
	for i, r := range s {
		var d int
		switch {
		case r >= '0' && r <= '9':
			d = int(r - '0')
		case r == 'X' && i == 9:
			d = 10
		default:
			return false
		}
		sum += (10 - i) * d
	}
	return sum%11 == 0
}

func isbn13Check(body12 string) string {
	sum := 0
	for i, r := range body12 {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return string(rune('0' + (10-sum%10)%10))
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
