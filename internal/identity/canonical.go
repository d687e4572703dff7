package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalBytes produces the deterministic JSON form that signatures are
// computed over: object keys sorted, no insignificant whitespace, numbers
// kept exactly as they appeared on the wire. The "signature" field is
// removed at the top level before encoding.
func CanonicalBytes(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		delete(m, "signature")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeValue encodes an already-decoded payload value (the
// null|bool|number|string|list|map sum that open payloads carry) in the same
// canonical form. Used when persisting payload blobs so storage and signing
// agree byte-for-byte.
func CanonicalizeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case float64:
		// Values that did not come through a UseNumber decoder.
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case int64:
		fmt.Fprintf(buf, "%d", t)
	case int:
		fmt.Fprintf(buf, "%d", t)
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs and other typed values round-trip through encoding/json
		// first so map ordering rules apply.
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return reencode(buf, b)
	}
	return nil
}

func reencode(buf *bytes.Buffer, b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return writeCanonical(buf, v)
}
