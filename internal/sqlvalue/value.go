// Package sqlvalue implements the self-describing per-value framing shared
// by the primary-key codec (spec.md §4.1) and the payload codec (§4.6):
// both frame a sequence of typed SQL values as
//
//	[type_tag][length_varint?][payload]
//
// Integers and floats are fixed-width; text and blob carry an explicit
// varint length. This package owns only the single-value framing and the
// total value order (§4.4); the two callers own their own outer framing
// (column count header vs. 32-byte payload header).
package sqlvalue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type tags the kind of a Value. The numeric order (Null < Int < Float <
// Text < Blob) is the total order spec §4.4 requires for merge tiebreaks.
type Type uint8

const (
	TypeNull Type = iota
	TypeInt
	TypeFloat
	TypeText
	TypeBlob
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the SQL value domain the codecs exchange.
type Value struct {
	Type Type
	I    int64
	F    float64
	S    string
	B    []byte
}

// Null is the canonical NULL value.
var Null = Value{Type: TypeNull}

func Int(i int64) Value       { return Value{Type: TypeInt, I: i} }
func Float(f float64) Value   { return Value{Type: TypeFloat, F: f} }
func Text(s string) Value     { return Value{Type: TypeText, S: s} }
func Blob(b []byte) Value     { return Value{Type: TypeBlob, B: b} }
func IsNull(v Value) bool     { return v.Type == TypeNull }

// Encode appends the framed bytes for v to buf, returning the extended
// slice. Fixed width for int (8 bytes big-endian) and float (8 bytes IEEE
// 754 big-endian); varint length prefix for text/blob; no payload for null.
func Encode(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Type))
	switch v.Type {
	case TypeNull:
		// no payload
	case TypeInt:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.I))
		buf = append(buf, tmp[:]...)
	case TypeFloat:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.F))
		buf = append(buf, tmp[:]...)
	case TypeText:
		buf = appendVarint(buf, uint64(len(v.S)))
		buf = append(buf, v.S...)
	case TypeBlob:
		buf = appendVarint(buf, uint64(len(v.B)))
		buf = append(buf, v.B...)
	}
	return buf
}

// Decode reads one framed value from data, returning it and the remaining
// bytes. It never allocates beyond what the text/blob payload itself
// requires.
func Decode(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, fmt.Errorf("sqlvalue: truncated type tag")
	}
	t := Type(data[0])
	rest := data[1:]
	switch t {
	case TypeNull:
		return Value{Type: TypeNull}, rest, nil
	case TypeInt:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("sqlvalue: truncated int")
		}
		return Value{Type: TypeInt, I: int64(binary.BigEndian.Uint64(rest[:8]))}, rest[8:], nil
	case TypeFloat:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("sqlvalue: truncated float")
		}
		return Value{Type: TypeFloat, F: math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))}, rest[8:], nil
	case TypeText:
		n, rest2, err := readVarint(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if uint64(len(rest2)) < n {
			return Value{}, nil, fmt.Errorf("sqlvalue: truncated text")
		}
		return Value{Type: TypeText, S: string(rest2[:n])}, rest2[n:], nil
	case TypeBlob:
		n, rest2, err := readVarint(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if uint64(len(rest2)) < n {
			return Value{}, nil, fmt.Errorf("sqlvalue: truncated blob")
		}
		b := make([]byte, n)
		copy(b, rest2[:n])
		return Value{Type: TypeBlob, B: b}, rest2[n:], nil
	default:
		return Value{}, nil, fmt.Errorf("sqlvalue: unknown type tag %d", t)
	}
}

func appendVarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	w := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:w]...)
}

func readVarint(data []byte) (uint64, []byte, error) {
	n, w := binary.Uvarint(data)
	if w <= 0 {
		return 0, nil, fmt.Errorf("sqlvalue: invalid varint length prefix")
	}
	return n, data[w:], nil
}

// Compare implements the total value order of spec §4.4: NULL < INTEGER <
// FLOAT < TEXT < BLOB by type tag; within a type, native ordering (numeric
// for numbers, byte-lexicographic with length tiebreak for text/blob).
func Compare(a, b Value) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	switch a.Type {
	case TypeNull:
		return 0
	case TypeInt:
		switch {
		case a.I < b.I:
			return -1
		case a.I > b.I:
			return 1
		default:
			return 0
		}
	case TypeFloat:
		switch {
		case a.F < b.F:
			return -1
		case a.F > b.F:
			return 1
		default:
			return 0
		}
	case TypeText:
		return compareBytesWithLen([]byte(a.S), []byte(b.S))
	case TypeBlob:
		return compareBytesWithLen(a.B, b.B)
	default:
		return 0
	}
}

// compareBytesWithLen compares byte-lexicographically, with a length
// tiebreak so that a strict prefix sorts before its extension even when
// bytes.Compare would already handle that case identically — kept explicit
// because spec calls the tiebreak out separately from "native ordering".
func compareBytesWithLen(a, b []byte) int {
	if c := bytes.Compare(a, b); c != 0 {
		return c
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// Equal reports whether two values compare equal under Compare.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }
