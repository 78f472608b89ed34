package memory

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const minKeywordRunes = 3

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"into": true, "that": true, "this": true, "then": true, "using": true,
	"via": true, "its": true, "are": true, "all": true, "new": true,
}

// similarDescriptions reports whether two task descriptions describe the same
// kind of work: one contains the other (case-insensitively), or at least half
// of the smaller keyword set appears in the other.
func similarDescriptions(a, b string) bool {
	la := strings.ToLower(strings.TrimSpace(a))
	lb := strings.ToLower(strings.TrimSpace(b))
	if la == "" || lb == "" {
		return la == lb
	}
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		return true
	}

	ka, kb := keywords(la), keywords(lb)
	if len(ka) == 0 || len(kb) == 0 {
		return false
	}
	if len(ka) > len(kb) {
		ka, kb = kb, ka
	}
	shared := 0
	for k := range ka {
		if kb[k] {
			shared++
		}
	}
	return shared*2 >= len(ka)
}

func keywords(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < minKeywordRunes || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}
