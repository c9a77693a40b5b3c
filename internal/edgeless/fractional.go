package edgeless

import (
	"math/rand"
	"strings"
)

// Layer and folder ordering tokens are opaque strings compared
// lexicographically. Appends increment the maximum token; inserts
// between two tokens take a midpoint; collisions get a random suffix.
const indexAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func alphabetPos(c byte) int {
	return strings.IndexByte(indexAlphabet, c)
}

// NextIndex returns a token strictly greater than every existing one.
func NextIndex(existing []string) string {
	max := ""
	for _, s := range existing {
		if s > max {
			max = s
		}
	}
	if max == "" {
		return "a0"
	}
	pos := alphabetPos(max[len(max)-1])
	if pos >= 0 && pos < len(indexAlphabet)-1 {
		return max[:len(max)-1] + string(indexAlphabet[pos+1])
	}
	return max + string(indexAlphabet[1])
}

// Between returns a token t with a < t < b. When the gap is a single
// character the token grows by one position instead.
func Between(a, b string) string {
	if b != "" && a >= b {
		return Disambiguate(a)
	}
	var prefix []byte
	bounded := b != ""
	for i := 0; ; i++ {
		ca := -1
		if i < len(a) {
			ca = alphabetPos(a[i])
		}
		cb := len(indexAlphabet)
		if bounded && i < len(b) {
			cb = alphabetPos(b[i])
		}
		if cb-ca > 1 {
			return string(prefix) + string(indexAlphabet[(ca+cb)/2])
		}
		if ca == cb {
			prefix = append(prefix, a[i])
			continue
		}
		// Adjacent characters: follow the lower side; the upper bound
		// no longer binds past this position.
		if i < len(a) {
			prefix = append(prefix, a[i])
		} else {
			prefix = append(prefix, indexAlphabet[0])
		}
		bounded = false
	}
}

// Disambiguate appends a short random suffix to resolve a collision.
func Disambiguate(token string) string {
	return token + string(indexAlphabet[1+rand.Intn(len(indexAlphabet)-1)])
}
