package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encode serializes value to compact JSON and URL-safe base64-encodes
// the result, yielding a string whose bytes all come from the base64
// alphabet.  Chunking the output at any byte boundary is therefore
// always code-point safe.
func Encode(value interface{}) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("json encoding: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode reverses Encode into out, which must be a pointer.
func Decode(encoded string, out interface{}) error {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("base64 decoding: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("json decoding: %w", err)
	}
	return nil
}
