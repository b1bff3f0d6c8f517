package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The binary codec writes the protobuf wire format by hand. Schema:
//
//	message Message {
//	  Kind kind = 1;             // enum, see kindNumbers
//	  int64 timestamp = 2;
//	  CodeChangeDetected code_change = 3;
//	  ConflictUpdate conflict_update = 4;
//	  SessionProgress session_progress = 5;
//	  GraphUpdate graph_update = 6;
//	  Error error = 7;
//	}
//	message CodeChangeDetected { string repository_id = 1; repeated string changed_files = 2; }
//	message ConflictUpdate { string conflict_id = 1; int32 tier = 2; repeated Conflict conflicts = 3; }
//	message Conflict {
//	  string id = 1; string type = 2; string severity = 3; double confidence = 4;
//	  int32 tier = 5; repeated string affected_symbols = 6; string description = 7;
//	  Resolution resolution = 8; string repository = 9; string path = 10;
//	  string anchor = 11; int64 version = 12;
//	}
//	message Resolution { string summary = 1; repeated string steps = 2; repeated string files = 3; }
//	message SessionProgress { string session_id = 1; int32 files_processed = 2; int32 total_files = 3; }
//	message GraphUpdate {
//	  string repository_id = 1; repeated string added_nodes = 2; repeated string removed_nodes = 3;
//	  repeated string added_edges = 4; repeated string removed_edges = 5;
//	}
//	message Error { string code = 1; string message = 2; }
//
// Unknown fields are skipped on decode.

var kindNumbers = map[Kind]uint64{
	KindCodeChangeDetected: 1,
	KindConflictUpdate:     2,
	KindSessionProgress:    3,
	KindGraphUpdate:        4,
	KindPing:               5,
	KindPong:               6,
	KindError:              7,
}

var numberKinds = func() map[uint64]Kind {
	out := make(map[uint64]Kind, len(kindNumbers))
	for k, n := range kindNumbers {
		out[n] = k
	}
	return out
}()

type binaryCodec struct{}

// Binary is the protobuf wire codec.
var Binary Codec = binaryCodec{}

func (binaryCodec) Name() string        { return EncodingBinary }
func (binaryCodec) ContentType() string { return "application/x-protobuf" }

func (binaryCodec) Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = appendVarint(b, 1, kindNumbers[m.Kind])
	b = appendVarint(b, 2, uint64(m.Timestamp))
	switch {
	case m.CodeChange != nil:
		b = appendMessage(b, 3, m.CodeChange.append(nil))
	case m.Conflict != nil:
		b = appendMessage(b, 4, m.Conflict.append(nil))
	case m.Progress != nil:
		b = appendMessage(b, 5, m.Progress.append(nil))
	case m.Graph != nil:
		b = appendMessage(b, 6, m.Graph.append(nil))
	case m.Error != nil:
		b = appendMessage(b, 7, m.Error.append(nil))
	}
	return b, nil
}

func (binaryCodec) Decode(b []byte) (*Message, error) {
	m := &Message{}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var k uint64
			n := consumeVarint(typ, b, &k)
			if n > 0 {
				kind, ok := numberKinds[k]
				if !ok {
					kind = Kind(fmt.Sprintf("unknown(%d)", k))
				}
				m.Kind = kind
			}
			return n
		case 2:
			var ts uint64
			n := consumeVarint(typ, b, &ts)
			m.Timestamp = int64(ts)
			return n
		case 3:
			m.CodeChange = &CodeChangeDetected{}
			return consumeMessage(typ, b, m.CodeChange.decode)
		case 4:
			m.Conflict = &ConflictUpdate{}
			return consumeMessage(typ, b, m.Conflict.decode)
		case 5:
			m.Progress = &SessionProgress{}
			return consumeMessage(typ, b, m.Progress.decode)
		case 6:
			m.Graph = &GraphUpdate{}
			return consumeMessage(typ, b, m.Graph.decode)
		case 7:
			m.Error = &ErrorPayload{}
			return consumeMessage(typ, b, m.Error.decode)
		}
		return 0
	})
	if err != nil {
		return nil, fmt.Errorf("decode binary message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *CodeChangeDetected) append(b []byte) []byte {
	b = appendString(b, 1, c.RepositoryID)
	return appendStrings(b, 2, c.ChangedFiles)
}

func (c *CodeChangeDetected) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &c.RepositoryID)
		case 2:
			return consumeStrings(typ, b, &c.ChangedFiles)
		}
		return 0
	})
}

func (u *ConflictUpdate) append(b []byte) []byte {
	b = appendString(b, 1, u.ConflictID)
	b = appendVarint(b, 2, uint64(u.Tier))
	for i := range u.Conflicts {
		b = appendMessage(b, 3, u.Conflicts[i].append(nil))
	}
	return b
}

func (u *ConflictUpdate) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &u.ConflictID)
		case 2:
			return consumeInt(typ, b, &u.Tier)
		case 3:
			var c Conflict
			n := consumeMessage(typ, b, c.decode)
			if n > 0 {
				u.Conflicts = append(u.Conflicts, c)
			}
			return n
		}
		return 0
	})
}

func (c *Conflict) append(b []byte) []byte {
	b = appendString(b, 1, c.ID)
	b = appendString(b, 2, c.Type)
	b = appendString(b, 3, c.Severity)
	if c.Confidence != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(c.Confidence))
	}
	b = appendVarint(b, 5, uint64(c.Tier))
	b = appendStrings(b, 6, c.AffectedSymbols)
	b = appendString(b, 7, c.Description)
	if c.Resolution != nil {
		b = appendMessage(b, 8, c.Resolution.append(nil))
	}
	b = appendString(b, 9, c.Repository)
	b = appendString(b, 10, c.Path)
	b = appendString(b, 11, c.Anchor)
	return appendVarint(b, 12, uint64(c.Version))
}

func (c *Conflict) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &c.ID)
		case 2:
			return consumeString(typ, b, &c.Type)
		case 3:
			return consumeString(typ, b, &c.Severity)
		case 4:
			if typ != protowire.Fixed64Type {
				return 0
			}
			v, n := protowire.ConsumeFixed64(b)
			if n > 0 {
				c.Confidence = math.Float64frombits(v)
			}
			return n
		case 5:
			return consumeInt(typ, b, &c.Tier)
		case 6:
			return consumeStrings(typ, b, &c.AffectedSymbols)
		case 7:
			return consumeString(typ, b, &c.Description)
		case 8:
			c.Resolution = &Resolution{}
			return consumeMessage(typ, b, c.Resolution.decode)
		case 9:
			return consumeString(typ, b, &c.Repository)
		case 10:
			return consumeString(typ, b, &c.Path)
		case 11:
			return consumeString(typ, b, &c.Anchor)
		case 12:
			var v uint64
			n := consumeVarint(typ, b, &v)
			c.Version = int64(v)
			return n
		}
		return 0
	})
}

func (r *Resolution) append(b []byte) []byte {
	b = appendString(b, 1, r.Summary)
	b = appendStrings(b, 2, r.Steps)
	return appendStrings(b, 3, r.Files)
}

func (r *Resolution) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &r.Summary)
		case 2:
			return consumeStrings(typ, b, &r.Steps)
		case 3:
			return consumeStrings(typ, b, &r.Files)
		}
		return 0
	})
}

func (p *SessionProgress) append(b []byte) []byte {
	b = appendString(b, 1, p.SessionID)
	b = appendVarint(b, 2, uint64(p.FilesProcessed))
	return appendVarint(b, 3, uint64(p.TotalFiles))
}

func (p *SessionProgress) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &p.SessionID)
		case 2:
			return consumeInt(typ, b, &p.FilesProcessed)
		case 3:
			return consumeInt(typ, b, &p.TotalFiles)
		}
		return 0
	})
}

func (g *GraphUpdate) append(b []byte) []byte {
	b = appendString(b, 1, g.RepositoryID)
	b = appendStrings(b, 2, g.AddedNodes)
	b = appendStrings(b, 3, g.RemovedNodes)
	b = appendStrings(b, 4, g.AddedEdges)
	return appendStrings(b, 5, g.RemovedEdges)
}

func (g *GraphUpdate) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &g.RepositoryID)
		case 2:
			return consumeStrings(typ, b, &g.AddedNodes)
		case 3:
			return consumeStrings(typ, b, &g.RemovedNodes)
		case 4:
			return consumeStrings(typ, b, &g.AddedEdges)
		case 5:
			return consumeStrings(typ, b, &g.RemovedEdges)
		}
		return 0
	})
}

func (e *ErrorPayload) append(b []byte) []byte {
	b = appendString(b, 1, e.Code)
	return appendString(b, 2, e.Message)
}

func (e *ErrorPayload) decode(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Code)
		case 2:
			return consumeString(typ, b, &e.Message)
		}
		return 0
	})
}

// -- wire helpers --

// Zero values are omitted, as proto3 does.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// fields walks the fields of one message. fn returns the bytes it consumed,
// 0 to skip the field, or a negative protowire error code.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		*dst = v
	}
	return n
}

func consumeInt(typ protowire.Type, b []byte, dst *int) int {
	var v uint64
	n := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = int(v)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n > 0 {
		*dst = v
	}
	return n
}

func consumeStrings(typ protowire.Type, b []byte, dst *[]string) int {
	var s string
	n := consumeString(typ, b, &s)
	if n > 0 {
		*dst = append(*dst, s)
	}
	return n
}

// consumeMessage reads a length-delimited submessage and decodes it. A
// decode failure is reported as a malformed field.
func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := decode(v); err != nil {
		return -1
	}
	return n
}
