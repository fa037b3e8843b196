package pdu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Integers outside this range cannot round-trip through every peer's JSON
// implementation and are rejected from canonical form.
const (
	maxCanonicalInt = 1<<53 - 1
	minCanonicalInt = -(1<<53 - 1)
)

// MarshalCanonical produces canonical JSON for hashing and signing.
// This is the ONLY serialization used for content-addressed identity.
//
// Differences from encoding/json:
//  1. Object keys sorted by code point (byte order of UTF-8)
//  2. No insignificant whitespace
//  3. No HTML escaping; only '"', '\' and control characters are escaped
//  4. Numbers must be integers in [-(2^53)+1, 2^53-1]; floats are an error
//
// Strings are emitted byte-for-byte. Peers hash the same bytes, so no
// Unicode normalization is applied.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSON re-encodes arbitrary JSON bytes into canonical form.
func CanonicalizeJSON(data []byte) ([]byte, error) {
	v, err := decodeGeneric(data)
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(v)
}

// decodeGeneric decodes JSON preserving numbers as json.Number so that
// integer precision survives the round trip.
func decodeGeneric(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	return v, nil
}

// decodeObject decodes a JSON object into a generic map.
func decodeObject(data []byte) (map[string]any, error) {
	v, err := decodeGeneric(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return obj, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, val)
	case json.Number:
		n, err := canonicalInt(string(val))
		if err != nil {
			return err
		}
		buf.WriteString(strconv.FormatInt(n, 10))
	case int:
		return writeCanonicalInt(buf, int64(val))
	case int64:
		return writeCanonicalInt(buf, val)
	case float64:
		if val != math.Trunc(val) {
			return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
		}
		return writeCanonicalInt(buf, int64(val))
	case json.RawMessage:
		inner, err := decodeGeneric(val)
		if err != nil {
			return err
		}
		return writeCanonical(buf, inner)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case map[string]string:
		generic := make(map[string]any, len(val))
		for k, s := range val {
			generic[k] = s
		}
		return writeCanonical(buf, generic)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func canonicalInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("floats are forbidden in canonical JSON: %s", s)
	}
	if n > maxCanonicalInt || n < minCanonicalInt {
		return 0, fmt.Errorf("integer out of canonical range: %s", s)
	}
	return n, nil
}

func writeCanonicalInt(buf *bytes.Buffer, n int64) error {
	if n > maxCanonicalInt || n < minCanonicalInt {
		return fmt.Errorf("integer out of canonical range: %d", n)
	}
	buf.WriteString(strconv.FormatInt(n, 10))
	return nil
}

const hexDigits = "0123456789abcdef"

// writeCanonicalString escapes only what JSON requires. U+2028 and U+2029
// stay literal, unlike encoding/json.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string is not valid UTF-8")
	}
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0xf])
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
	return nil
}
