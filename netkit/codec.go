package netkit

import (
	"encoding/json"
)

// Encode serializes a request body value as JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses a JSON payload in to a new value of type T.
func Decode[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
