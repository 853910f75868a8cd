package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Normalize returns a canonical JSON encoding of input: object keys sorted
// at every depth and numbers kept verbatim. Structurally equal inputs
// normalize to the same string.
func Normalize(input any) (string, error) {
	var raw []byte
	switch v := input.(type) {
	case nil:
		return "null", nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("normalize input: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("normalize input: %w", err)
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("normalize input: %w", err)
	}
	return string(out), nil
}

// toRaw encodes an output value for storage.
func toRaw(output any) (json.RawMessage, error) {
	switch v := output.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("output is not valid JSON")
		}
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
		return json.Marshal(string(v))
	default:
		return json.Marshal(v)
	}
}
