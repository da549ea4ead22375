package codec

import (
	"encoding/binary"
	"fmt"
)

// Type tags. Chosen low so that any tagged value sorts before the 0x1E
// separator and 0x1F upper-bound byte the indexer composes composite
// keys with (pkg/index).
const (
	tagInt    byte = 0x02
	tagString byte = 0x03
)

// Encode converts an int64 or string id into a byte string whose
// lexicographic order matches the value's semantic order. It panics on
// any other type — callers are expected to validate ids before this
// point (pkg/store rejects malformed ids earlier in the call chain).
func Encode(v any) []byte {
	switch x := v.(type) {
	case int64:
		return EncodeInt(x)
	case int:
		return EncodeInt(int64(x))
	case string:
		return EncodeString(x)
	default:
		panic(fmt.Sprintf("codec: unsupported type %T", v))
	}
}

// EncodeInt encodes a signed 64-bit integer. The sign bit is flipped so
// that the two's-complement ordering of the raw bytes (which puts large
// unsigned values, i.e. negative numbers, last) becomes ascending
// signed order instead.
func EncodeInt(n int64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagInt
	binary.BigEndian.PutUint64(buf[1:], uint64(n)^signBit)
	return buf
}

const signBit = uint64(1) << 63

// EncodeString encodes s so that embedded NUL bytes cannot be confused
// with the terminator: every 0x00 in s is escaped to 0x00 0xFF, and the
// whole encoding ends with 0x00 0x00. Because 0x00 0x00 sorts before
// 0x00 0xFF followed by anything, a prefix of s never compares greater
// than a longer string sharing that prefix.
func EncodeString(s string) []byte {
	buf := make([]byte, 0, len(s)+3)
	buf = append(buf, tagString)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, s[i])
		}
	}
	buf = append(buf, 0x00, 0x00)
	return buf
}

// Decode decodes a single value previously produced by Encode.
func Decode(b []byte) (any, error) {
	v, rest, err := decodeOne(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after single value", len(rest))
	}
	return v, nil
}

// EncodeTuple concatenates the ordered encoding of each part. Each
// part's encoding is self-delimiting (fixed width for ints, escaped and
// terminated for strings), so concatenation is unambiguous and the
// whole tuple decodes back to the same parts in the same order.
func EncodeTuple(parts ...any) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, Encode(p)...)
	}
	return out
}

// DecodeTuple decodes a composite key produced by EncodeTuple (or by
// concatenating individually-encoded values, as the indexer's composite
// index keys do) back into its parts.
func DecodeTuple(b []byte) ([]any, error) {
	var out []any
	for len(b) > 0 {
		v, rest, err := decodeOne(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		b = rest
	}
	return out, nil
}

// DecodeFirst decodes the single value starting at b[0] and reports how
// many bytes it consumed, leaving any remaining bytes (e.g. a composite
// key's separator and source-id suffix) untouched. Unlike Decode, it
// does not require b to contain exactly one value — callers that only
// know a value starts a buffer, not where it ends, use this instead of
// scanning for a separator byte that can also occur inside the
// encoding itself (an int's big-endian bytes, or an escaped string).
func DecodeFirst(b []byte) (value any, consumed int, err error) {
	v, rest, err := decodeOne(b)
	if err != nil {
		return nil, 0, err
	}
	return v, len(b) - len(rest), nil
}

func decodeOne(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("codec: empty input")
	}
	switch b[0] {
	case tagInt:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("codec: truncated int encoding")
		}
		n := int64(binary.BigEndian.Uint64(b[1:9]) ^ signBit)
		return n, b[9:], nil
	case tagString:
		s, n, err := decodeEscapedString(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return s, b[1+n:], nil
	default:
		return nil, nil, fmt.Errorf("codec: unknown type tag 0x%02x", b[0])
	}
}

// decodeEscapedString reads an escaped, terminated string starting at
// b[0] and returns the decoded value plus the number of input bytes
// consumed (including the terminator).
func decodeEscapedString(b []byte) (string, int, error) {
	var out []byte
	i := 0
	for {
		if i >= len(b) {
			return "", 0, fmt.Errorf("codec: unterminated string encoding")
		}
		if b[i] == 0x00 {
			if i+1 >= len(b) {
				return "", 0, fmt.Errorf("codec: truncated escape sequence")
			}
			switch b[i+1] {
			case 0x00:
				return string(out), i + 2, nil
			case 0xFF:
				out = append(out, 0x00)
				i += 2
				continue
			default:
				return "", 0, fmt.Errorf("codec: invalid escape sequence 0x00 0x%02x", b[i+1])
			}
		}
		out = append(out, b[i])
		i++
	}
}
