// Package bencode implements the bencode wire format used by torrent files,
// tracker responses and the extension protocol.
//
// Decoding is strict: non-canonical integers (leading zeros, "-0"),
// unterminated collections, duplicate dictionary keys and trailing input are
// all rejected, since the input is untrusted network data. Encoding is
// canonical: dictionary keys are always written in byte-sorted order, which
// BitTorrent requires for reproducible hashing.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// ParseError reports malformed bencode input and where it went wrong.
type ParseError struct {
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Msg, e.Offset)
}

func parseErr(offset int, format string, args ...any) error {
	return &ParseError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Decode parses a single bencoded value and requires the whole input to be
// consumed.
func Decode(data []byte) (Value, error) {
	v, pos, err := decodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, parseErr(pos, "trailing data after value")
	}
	return v, nil
}

func decodeValue(data []byte, pos int) (Value, int, error) {
	if pos >= len(data) {
		return nil, 0, parseErr(pos, "unexpected end of input")
	}

	switch c := data[pos]; {
	case c == 'i':
		return decodeInteger(data, pos)
	case c == 'l':
		return decodeList(data, pos)
	case c == 'd':
		return decodeDict(data, pos)
	case c >= '0' && c <= '9':
		return decodeBytes(data, pos)
	default:
		return nil, 0, parseErr(pos, "unexpected byte %q", c)
	}
}

func decodeInteger(data []byte, pos int) (Value, int, error) {
	start := pos + 1
	end := start
	for end < len(data) && data[end] != 'e' {
		end++
	}
	if end >= len(data) {
		return nil, 0, parseErr(pos, "unterminated integer")
	}

	digits := data[start:end]
	if len(digits) == 0 {
		return nil, 0, parseErr(pos, "empty integer")
	}
	if digits[0] == '-' {
		if len(digits) == 1 || digits[1] == '0' {
			return nil, 0, parseErr(pos, "non-canonical integer %q", digits)
		}
	} else if digits[0] == '0' && len(digits) > 1 {
		return nil, 0, parseErr(pos, "leading zero in integer %q", digits)
	}

	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, 0, parseErr(pos, "invalid integer %q", digits)
	}
	return Integer(n), end + 1, nil
}

func decodeBytes(data []byte, pos int) (Value, int, error) {
	colon := pos
	for colon < len(data) && data[colon] != ':' {
		colon++
	}
	if colon >= len(data) {
		return nil, 0, parseErr(pos, "string without length separator")
	}

	prefix := data[pos:colon]
	if len(prefix) > 1 && prefix[0] == '0' {
		return nil, 0, parseErr(pos, "leading zero in string length %q", prefix)
	}
	length, err := strconv.Atoi(string(prefix))
	if err != nil || length < 0 {
		return nil, 0, parseErr(pos, "invalid string length %q", prefix)
	}

	start := colon + 1
	if start+length > len(data) {
		return nil, 0, parseErr(pos, "string length %d exceeds input", length)
	}
	// copy so the value does not alias the input buffer
	b := make(Bytes, length)
	copy(b, data[start:start+length])
	return b, start + length, nil
}

func decodeList(data []byte, pos int) (Value, int, error) {
	list := List{}
	pos++
	for {
		if pos >= len(data) {
			return nil, 0, parseErr(pos, "unterminated list")
		}
		if data[pos] == 'e' {
			return list, pos + 1, nil
		}
		item, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, item)
		pos = next
	}
}

func decodeDict(data []byte, pos int) (Value, int, error) {
	dict := Dict{}
	pos++
	for {
		if pos >= len(data) {
			return nil, 0, parseErr(pos, "unterminated dictionary")
		}
		if data[pos] == 'e' {
			return dict, pos + 1, nil
		}

		keyStart := pos
		key, next, err := decodeBytes(data, pos)
		if err != nil {
			return nil, 0, parseErr(keyStart, "invalid dictionary key")
		}
		pos = next

		k := string(key.(Bytes))
		if _, dup := dict[k]; dup {
			return nil, 0, parseErr(keyStart, "duplicate dictionary key %q", k)
		}

		item, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, 0, err
		}
		dict[k] = item
		pos = next
	}
}

// Encode writes v in canonical bencode form. Dictionary keys are emitted in
// byte-sorted order regardless of map iteration order.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v := v.(type) {
	case Integer:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(int64(v), 10))
		buf.WriteByte('e')
	case Bytes:
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteByte(':')
		buf.Write(v)
	case List:
		buf.WriteByte('l')
		for _, item := range v {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return bytes.Compare([]byte(keys[i]), []byte(keys[j])) < 0
		})
		for _, k := range keys {
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			encodeValue(buf, v[k])
		}
		buf.WriteByte('e')
	}
}
