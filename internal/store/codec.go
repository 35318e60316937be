package store

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Message history and AI history files can grow large; sonic pays off there.
// Metadata, usage, and the index stay small enough for encoding/json.
const largeFileThreshold = 10 * 1024

// encodeLarge marshals payloads that are expected to be large.
func encodeLarge(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// decodeSized picks the decoder by payload size.
func decodeSized(data []byte, v interface{}) error {
	if len(data) > largeFileThreshold {
		return sonic.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// encodeSmall marshals small, human-inspectable files with indentation.
func encodeSmall(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
