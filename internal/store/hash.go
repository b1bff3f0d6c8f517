package store

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"lukechampine.com/blake3"
)

// canonical sorts map keys so identity payloads hash deterministically.
var canonical = jsoniter.ConfigCompatibleWithStandardLibrary

// ContentHash returns the hex BLAKE3 digest of data.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// contentID hashes kind + "\n" + canonical JSON of payload.
func contentID(kind string, payload map[string]string) string {
	b, err := canonical.Marshal(payload)
	if err != nil {
		// map[string]string always marshals.
		panic(fmt.Sprintf("store: canonical identity: %v", err))
	}
	h := blake3.New(32, nil)
	h.Write([]byte(kind))
	h.Write([]byte("\n"))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// NodeID derives a node's identity. Location and content do not contribute,
// so an edited symbol keeps its ID across versions.
func NodeID(kind NodeKind, repository, path, qualifiedName string) string {
	return contentID("node:"+string(kind), map[string]string{
		"repository":     repository,
		"path":           path,
		"qualified_name": qualifiedName,
	})
}

// EdgeID derives an edge's identity from its endpoints and kind.
func EdgeID(source, target string, kind EdgeKind) string {
	return contentID("edge", map[string]string{
		"source": source,
		"target": target,
		"kind":   string(kind),
	})
}

// ConflictID derives a conflict identity that stays stable across tiers of
// one change: it covers the file, the anchor symbol and the change sequence.
func ConflictID(repository, path, anchor string, seq int64) string {
	return contentID("conflict", map[string]string{
		"repository": repository,
		"path":       path,
		"anchor":     anchor,
		"seq":        fmt.Sprint(seq),
	})
}

// ComputeSignatureHash hashes the contract-relevant shape of a symbol:
// kind, visibility, parameter types in order and return types in order.
// Parameter names, location and body do not affect the hash.
func ComputeSignatureHash(kind NodeKind, visibility string, sig Signature) string {
	h := blake3.New(32, nil)
	fmt.Fprintf(h, "kind:%s\n", kind)
	fmt.Fprintf(h, "visibility:%s\n", visibility)
	for i, p := range sig.Params {
		fmt.Fprintf(h, "param:%d:%s\n", i, normalizeType(p.Type))
	}
	for i, r := range sig.Returns {
		fmt.Fprintf(h, "return:%d:%s\n", i, normalizeType(r))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeType collapses whitespace so formatting changes do not register.
func normalizeType(t string) string {
	return strings.Join(strings.Fields(t), "")
}

// sortedUnique returns ids sorted with duplicates removed.
func sortedUnique(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
