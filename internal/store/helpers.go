package store

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// placeholderList returns "?,?,?" for n placeholders.
func placeholderList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// stringsToArgs converts []string to []any for use with database/sql.
func stringsToArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// boolToInt stores booleans as 0/1 so both backends share one column type.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// chunk splits ids into slices of at most size elements.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	if s == "" || s == "null" || s == "[]" {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(s), &tags)
	return tags
}

func marshalSignature(sig Signature) string {
	b, err := json.Marshal(sig)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalSignature(s string) Signature {
	var sig Signature
	if s == "" {
		return sig
	}
	_ = json.Unmarshal([]byte(s), &sig)
	return sig
}
