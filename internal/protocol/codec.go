package protocol

import (
	"fmt"
	"strings"
)

// Codec encodes messages for one wire format.
type Codec interface {
	Name() string
	ContentType() string
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

// Encoding names.
const (
	EncodingBinary = "binary"
	EncodingJSON   = "json"
)

// CodecFor returns the codec registered under name. An empty name selects
// fallback.
func CodecFor(name, fallback string) (Codec, error) {
	if name == "" {
		name = fallback
	}
	switch strings.ToLower(name) {
	case EncodingBinary, "protobuf", "proto":
		return Binary, nil
	case EncodingJSON, "text":
		return JSON, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}
