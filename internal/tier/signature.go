package tier

import (
	"fmt"
	"strings"

	"github.com/jward/conflux/internal/store"
)

// visibilityRank orders visibilities from narrowest to widest. Unknown
// values rank as public.
func visibilityRank(v string) int {
	switch strings.ToLower(v) {
	case "private":
		return 1
	case "protected", "internal", "package":
		return 2
	}
	return 3
}

// VisibilityReduced reports whether after is narrower than before.
func VisibilityReduced(before, after string) bool {
	return visibilityRank(after) < visibilityRank(before)
}

// Incompatibilities lists the contract differences between two signatures.
// An empty result means callers written against before still fit after.
func Incompatibilities(before, after store.Signature) []string {
	var out []string
	if len(before.Params) != len(after.Params) {
		out = append(out, fmt.Sprintf("arity changed from %d to %d", len(before.Params), len(after.Params)))
	} else {
		for i := range before.Params {
			b, a := normType(before.Params[i].Type), normType(after.Params[i].Type)
			if b != a {
				out = append(out, fmt.Sprintf("parameter %d type changed from %s to %s", i+1, orAny(b), orAny(a)))
			}
		}
	}
	if !sameTypes(before.Returns, after.Returns) {
		out = append(out, fmt.Sprintf("return type changed from (%s) to (%s)",
			strings.Join(before.Returns, ", "), strings.Join(after.Returns, ", ")))
	}
	return out
}

func sameTypes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if normType(a[i]) != normType(b[i]) {
			return false
		}
	}
	return true
}

func normType(t string) string {
	return strings.Join(strings.Fields(t), "")
}

func orAny(t string) string {
	if t == "" {
		return "<untyped>"
	}
	return t
}
